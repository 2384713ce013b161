package protocol_test

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"natnet/internal/natnettest"
	"natnet/pkg/protocol"
)

func TestDispatchServerInfo(t *testing.T) {
	raw := natnettest.Packet(protocol.NatServerInfo, natnettest.ServerInfoPayload("Motive", protocol.Version4{3, 0, 1, 0}, protocol.Version4{4, 1, 0, 0}))

	msg, err := protocol.Dispatch(raw, protocol.Version{})
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if msg.ID != protocol.NatServerInfo || !msg.Decoded {
		t.Fatalf("unexpected message: %+v", msg)
	}
	info, ok := msg.Record.(protocol.ServerInfo)
	if !ok {
		t.Fatalf("record is %T, want ServerInfo", msg.Record)
	}
	if info.ApplicationName != "Motive" {
		t.Fatalf("unexpected application name %q", info.ApplicationName)
	}
	if info.StreamVersion != (protocol.Version4{4, 1, 0, 0}) || info.StreamVersion.Stream() != (protocol.Version{4, 1}) {
		t.Fatalf("unexpected stream version %s", info.StreamVersion)
	}
	if msg.Consumed != 264 || msg.SizeMismatch() {
		t.Fatalf("consumed=%d declared=%d", msg.Consumed, msg.DeclaredSize)
	}
}

func TestDispatchFrame(t *testing.T) {
	v := protocol.Version{Major: 4, Minor: 1}
	raw := natnettest.Packet(protocol.NatFrameOfData, natnettest.EncodeFrame(twoBodyFrame(), v))

	msg, err := protocol.Dispatch(raw, v)
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	frame, ok := msg.Record.(*protocol.Frame)
	if !ok || len(frame.RigidBodies) != 2 {
		t.Fatalf("unexpected record %#v", msg.Record)
	}
	if msg.Consumed != len(raw)-protocol.HeaderSize || msg.SizeMismatch() {
		t.Fatalf("consumed=%d declared=%d", msg.Consumed, msg.DeclaredSize)
	}
}

func TestDispatchFrameErrorKeepsPartialRecord(t *testing.T) {
	v := protocol.Version{Major: 3, Minor: 0}
	b := &natnettest.Builder{}
	b.I32(77).I32(20000)
	raw := natnettest.Packet(protocol.NatFrameOfData, b.Buf)

	msg, err := protocol.Dispatch(raw, v)
	if !errors.Is(err, protocol.ErrCountTooLarge) {
		t.Fatalf("expected ErrCountTooLarge, got %v", err)
	}
	frame := msg.Record.(*protocol.Frame)
	if frame.FrameNumber != 77 || msg.Consumed != len(b.Buf) {
		t.Fatalf("frame=%+v consumed=%d", frame, msg.Consumed)
	}
}

func TestDispatchModelDef(t *testing.T) {
	v := protocol.Version{Major: 4, Minor: 0}
	raw := natnettest.Packet(protocol.NatModelDef, natnettest.EncodeDescriptions(sampleDatasets(), v))
	msg, err := protocol.Dispatch(raw, v)
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	descs, ok := msg.Record.(*protocol.Descriptions)
	if !ok || len(descs.Datasets) != 6 {
		t.Fatalf("unexpected record %#v", msg.Record)
	}
}

func TestDispatchResponses(t *testing.T) {
	b := &natnettest.Builder{}
	b.I32(0)
	msg, err := protocol.Dispatch(natnettest.Packet(protocol.NatResponse, b.Buf), protocol.Version{4, 1})
	if err != nil {
		t.Fatalf("dispatch code: %v", err)
	}
	resp := msg.Record.(protocol.Response)
	if !resp.HasCode || resp.Code != 0 || resp.Text != "" {
		t.Fatalf("unexpected code response: %+v", resp)
	}

	b = &natnettest.Builder{}
	b.CString("Bitstream,3.1.0.0")
	msg, err = protocol.Dispatch(natnettest.Packet(protocol.NatResponse, b.Buf), protocol.Version{4, 1})
	if err != nil {
		t.Fatalf("dispatch text: %v", err)
	}
	resp = msg.Record.(protocol.Response)
	if resp.HasCode || resp.Text != "Bitstream,3.1.0.0" {
		t.Fatalf("unexpected text response: %+v", resp)
	}
	if !resp.HasBitstream || resp.Bitstream != (protocol.Version4{3, 1, 0, 0}) {
		t.Fatalf("bitstream reply not parsed: %+v", resp)
	}

	b = &natnettest.Builder{}
	b.CString("Unrecognized request")
	msg, _ = protocol.Dispatch(natnettest.Packet(protocol.NatResponse, b.Buf), protocol.Version{4, 1})
	if resp := msg.Record.(protocol.Response); resp.HasBitstream || resp.Text != "Unrecognized request" {
		t.Fatalf("unexpected response: %+v", resp)
	}
}

func TestDecodeResponseWithoutTerminator(t *testing.T) {
	payload := []byte("Bitstream,4.0")
	resp, consumed, err := protocol.DecodeResponse(payload, len(payload))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if consumed != len(payload) || resp.Text != "Bitstream,4.0" || resp.Bitstream != (protocol.Version4{4, 0, 0, 0}) {
		t.Fatalf("consumed=%d resp=%+v", consumed, resp)
	}
}

func TestParseBitstreamReply(t *testing.T) {
	cases := []struct {
		in   string
		want protocol.Version4
		ok   bool
	}{
		{"Bitstream,4.1", protocol.Version4{4, 1, 0, 0}, true},
		{"Bitstream,3.0.1.2", protocol.Version4{3, 0, 1, 2}, true},
		{"Bitstream,4", protocol.Version4{}, false},
		{"Bitstream 4.1", protocol.Version4{}, false},
		{"Bitstream,x.1", protocol.Version4{}, false},
		{"Other,4.1", protocol.Version4{}, false},
	}
	for _, tc := range cases {
		got, ok := protocol.ParseBitstreamReply(tc.in)
		if ok != tc.ok || got != tc.want {
			t.Fatalf("%q: got %s %v, want %s %v", tc.in, got, ok, tc.want, tc.ok)
		}
	}
}

func TestDispatchMessageString(t *testing.T) {
	b := &natnettest.Builder{}
	b.CString("Recording started")
	msg, err := protocol.Dispatch(natnettest.Packet(protocol.NatMessageString, b.Buf), protocol.Version{})
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if text := msg.Record.(protocol.MessageString); text != "Recording started" {
		t.Fatalf("unexpected text %q", text)
	}
}

func TestDispatchUnrecognizedAndUnknown(t *testing.T) {
	msg, err := protocol.Dispatch(natnettest.Packet(protocol.NatUnrecognizedRequest, nil), protocol.Version{})
	if err != nil || msg.Record != nil || msg.Decoded {
		t.Fatalf("unexpected unrecognized handling: %+v %v", msg, err)
	}

	payload := []byte{0x01, 0x02}
	raw := natnettest.Packet(protocol.MessageID(42), payload)
	msg, err = protocol.Dispatch(raw, protocol.Version{})
	if err != nil {
		t.Fatalf("dispatch unknown: %v", err)
	}
	rm, ok := msg.Record.(protocol.RawMessage)
	if !ok || rm.ID != 42 || len(rm.Payload) != 2 {
		t.Fatalf("unexpected raw record %#v", msg.Record)
	}
	raw[protocol.HeaderSize] = 0xFF
	if rm.Payload[0] != 0x01 {
		t.Fatalf("raw payload aliases the receive buffer")
	}

	encoded, err := json.Marshal(rm)
	if err != nil {
		t.Fatalf("marshal raw: %v", err)
	}
	if !strings.Contains(string(encoded), `"payload_hex":"0102"`) || !strings.Contains(string(encoded), "NAT_UNKNOWN(42)") {
		t.Fatalf("unexpected raw json: %s", encoded)
	}
}

func TestDispatchShortHeader(t *testing.T) {
	_, err := protocol.Dispatch([]byte{0x07, 0x00, 0x01}, protocol.Version{})
	if !errors.Is(err, protocol.ErrShortHeader) {
		t.Fatalf("expected ErrShortHeader, got %v", err)
	}
	var derr *protocol.DecodeError
	if !errors.As(err, &derr) || derr.Section != "header" {
		t.Fatalf("expected header decode error, got %v", err)
	}
}

func TestMessageIDString(t *testing.T) {
	if protocol.NatFrameOfData.String() != "NAT_FRAMEOFDATA" || protocol.MessageID(-1).String() != "NAT_UNKNOWN(-1)" {
		t.Fatalf("unexpected names: %s %s", protocol.NatFrameOfData, protocol.MessageID(-1))
	}
}
