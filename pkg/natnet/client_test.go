package natnet_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"reflect"
	"testing"
	"time"

	"natnet/internal/natnettest"
	"natnet/pkg/natnet"
	"natnet/pkg/protocol"
	"natnet/pkg/session"
	"natnet/pkg/transport"
)

var quiet = slog.New(slog.NewTextHandler(io.Discard, nil))

func newServer(t *testing.T, stream protocol.Version4) *natnettest.Server {
	t.Helper()
	server, err := natnettest.NewServer(protocol.ServerInfo{
		ApplicationName: "Motive",
		ServerVersion:   protocol.Version4{3, 1, 0, 0},
		StreamVersion:   stream,
	})
	if err != nil {
		t.Fatalf("start fake server: %v", err)
	}
	t.Cleanup(server.Close)
	return server
}

func newClient(t *testing.T, server *natnettest.Server, opts ...natnet.ClientOption) *natnet.Client {
	t.Helper()
	opts = append([]natnet.ClientOption{natnet.WithLogger(quiet)}, opts...)
	c := natnet.New(natnet.Options{
		LocalAddress:  "127.0.0.1",
		ServerAddress: "127.0.0.1",
		CommandPort:   server.Port(),
		ReadTimeout:   200 * time.Millisecond,
	}, opts...)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := c.Connect(ctx); err != nil {
		t.Fatalf("connect failed: %v", err)
	}
	t.Cleanup(func() { c.Shutdown() })
	if err := c.WaitConnected(ctx); err != nil {
		t.Fatalf("handshake failed: %v", err)
	}
	return c
}

func sampleFrame(number int32) *protocol.Frame {
	return &protocol.Frame{
		FrameNumber: number,
		RigidBodies: []protocol.RigidBody{
			{ID: 1, Position: protocol.Vec3{X: 0.5, Y: 1, Z: 1.5}, Rotation: protocol.Quat{W: 1}, TrackingValid: true},
			{ID: 2, Position: protocol.Vec3{X: -1}, Rotation: protocol.Quat{W: 1}, TrackingValid: true},
		},
		LabeledMarkers: []protocol.LabeledMarker{
			{ID: protocol.PackMarkerID(1, 3), Position: protocol.Vec3{Z: 2}, Size: 0.01},
		},
		Suffix: protocol.FrameSuffix{Timecode: 1, Timestamp: 3.25, HasTimestamp: true},
	}
}

func TestClientHandshake(t *testing.T) {
	server := newServer(t, protocol.Version4{4, 1, 0, 0})
	c := newClient(t, server)

	if c.ApplicationName() != "Motive" {
		t.Fatalf("unexpected application name %q", c.ApplicationName())
	}
	if c.ServerVersion() != (protocol.Version4{3, 1, 0, 0}) || c.ServerStreamVersion() != (protocol.Version4{4, 1, 0, 0}) {
		t.Fatalf("unexpected versions: server=%s stream=%s", c.ServerVersion(), c.ServerStreamVersion())
	}
	if c.RequestedVersion() != (protocol.Version4{4, 1, 0, 0}) {
		t.Fatalf("requested version not adopted: %s", c.RequestedVersion())
	}
	if !c.CanChangeBitstream() || c.State().Phase != session.Connected {
		t.Fatalf("unexpected state %+v", c.State())
	}

	req, ok := server.Await(func(r natnettest.Request) bool { return r.ID == protocol.NatConnect }, time.Second)
	if !ok {
		t.Fatalf("server never saw NAT_CONNECT")
	}
	if req.From.Port == 0 {
		t.Fatalf("connect had no source address")
	}

	if err := c.Connect(context.Background()); !errors.Is(err, natnet.ErrAlreadyConnected) {
		t.Fatalf("expected ErrAlreadyConnected, got %v", err)
	}
	if err := c.Shutdown(); err != nil {
		t.Fatalf("shutdown failed: %v", err)
	}
	if c.Connected() || c.State().Phase != session.Disconnected {
		t.Fatalf("client still connected after shutdown")
	}
	if err := c.Shutdown(); err != nil {
		t.Fatalf("second shutdown failed: %v", err)
	}
}

func TestClientDeliversFramesToListeners(t *testing.T) {
	server := newServer(t, protocol.Version4{4, 1, 0, 0})
	c := newClient(t, server)

	frames := make(chan *protocol.Frame, 4)
	bodies := make(chan int32, 8)
	c.SetFrameListener(natnet.FrameListenerFunc(func(f *protocol.Frame) { frames <- f }))
	c.SetRigidBodyListener(natnet.RigidBodyListenerFunc(func(frameNumber int32, rb protocol.RigidBody) {
		if frameNumber == 42 {
			bodies <- rb.ID
		}
	}))

	if err := server.SendFrame(sampleFrame(42)); err != nil {
		t.Fatalf("send frame: %v", err)
	}
	select {
	case f := <-frames:
		if f.FrameNumber != 42 || len(f.RigidBodies) != 2 || len(f.LabeledMarkers) != 1 {
			t.Fatalf("unexpected frame %+v", f)
		}
		if f.LabeledMarkers[0].ModelID() != 1 || f.LabeledMarkers[0].MarkerID() != 3 {
			t.Fatalf("unexpected labeled marker id %x", f.LabeledMarkers[0].ID)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timeout waiting for frame")
	}
	for _, want := range []int32{1, 2} {
		select {
		case got := <-bodies:
			if got != want {
				t.Fatalf("rigid body %d delivered, want %d", got, want)
			}
		case <-time.After(time.Second):
			t.Fatalf("timeout waiting for rigid body %d", want)
		}
	}
	if c.Frames() != 1 {
		t.Fatalf("unexpected frame count %d", c.Frames())
	}
}

func TestClientSkipsMalformedFrame(t *testing.T) {
	server := newServer(t, protocol.Version4{4, 1, 0, 0})
	errs := make(chan error, 4)
	c := newClient(t, server, natnet.WithObserver(natnet.ObserverFunc(
		func(_ transport.Socket, msg protocol.Message, err error) {
			if msg.ID == protocol.NatFrameOfData && err != nil {
				errs <- err
			}
		})))

	frames := make(chan int32, 4)
	c.SetFrameListener(natnet.FrameListenerFunc(func(f *protocol.Frame) { frames <- f.FrameNumber }))

	b := &natnettest.Builder{}
	b.I32(7).I32(50000)
	if err := server.Send(natnettest.Packet(protocol.NatFrameOfData, b.Buf)); err != nil {
		t.Fatalf("send malformed: %v", err)
	}
	if err := server.SendFrame(sampleFrame(8)); err != nil {
		t.Fatalf("send frame: %v", err)
	}

	select {
	case err := <-errs:
		if !errors.Is(err, protocol.ErrCountTooLarge) {
			t.Fatalf("unexpected decode error %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("observer never saw the decode error")
	}
	select {
	case n := <-frames:
		if n != 8 {
			t.Fatalf("listener got frame %d, want 8", n)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timeout waiting for good frame")
	}
}

func TestClientRequestModelDefinitions(t *testing.T) {
	server := newServer(t, protocol.Version4{4, 1, 0, 0})
	server.SetDescriptions([]protocol.Dataset{
		&protocol.RigidBodyDescription{Name: "Wand", ID: 1, ParentID: -1},
		&protocol.SkeletonDescription{Name: "Bob", ID: 5, RigidBodies: []*protocol.RigidBodyDescription{
			{Name: "Bob_Hip", ID: 1, ParentID: -1},
		}},
	})
	c := newClient(t, server)

	got := make(chan *protocol.Descriptions, 1)
	c.SetDescriptionListener(natnet.DescriptionListenerFunc(func(d *protocol.Descriptions) { got <- d }))

	if n := c.RequestModelDefinitions(); n != protocol.HeaderSize+1 {
		t.Fatalf("unexpected request size %d", n)
	}
	select {
	case d := <-got:
		if len(d.Datasets) != 2 || d.RigidBodyNames()[1] != "Wand" {
			t.Fatalf("unexpected descriptions %+v", d.Datasets)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timeout waiting for descriptions")
	}
	if c.Descriptions() == nil {
		t.Fatalf("descriptions not cached")
	}
}

func TestClientRequestFrame(t *testing.T) {
	server := newServer(t, protocol.Version4{4, 1, 0, 0})
	server.SetFrame(sampleFrame(99))
	c := newClient(t, server)

	frames := make(chan int32, 1)
	c.SetFrameListener(natnet.FrameListenerFunc(func(f *protocol.Frame) { frames <- f.FrameNumber }))
	if n := c.RequestFrame(); n < 0 {
		t.Fatalf("request frame failed")
	}
	select {
	case n := <-frames:
		if n != 99 {
			t.Fatalf("unexpected frame %d", n)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timeout waiting for requested frame")
	}
}

func TestClientSetVersion(t *testing.T) {
	server := newServer(t, protocol.Version4{4, 1, 0, 0})
	c := newClient(t, server)

	n, err := c.SetVersion(context.Background(), 3, 0)
	if err != nil || n != protocol.HeaderSize+len("Bitstream,3.0")+1 {
		t.Fatalf("set version: n=%d err=%v", n, err)
	}
	if c.RequestedVersion() != (protocol.Version4{3, 0, 0, 0}) {
		t.Fatalf("requested version not committed: %s", c.RequestedVersion())
	}
	if _, ok := server.Await(func(r natnettest.Request) bool { return r.Text == natnet.CmdTimelineStop }, time.Second); !ok {
		t.Fatalf("resync sequence never reached the server")
	}

	want := []string{"Bitstream,3.0", "TimelinePlay", "TimelinePlay", "TimelineStop", "SetPlaybackCurrentFrame,0", "TimelineStop"}
	deadline := time.Now().Add(time.Second)
	for !reflect.DeepEqual(server.Commands(), want) {
		if time.Now().After(deadline) {
			t.Fatalf("unexpected command sequence %q", server.Commands())
		}
		time.Sleep(5 * time.Millisecond)
	}

	// frames now use the 3.0 layout on both ends
	frames := make(chan *protocol.Frame, 1)
	c.SetFrameListener(natnet.FrameListenerFunc(func(f *protocol.Frame) { frames <- f }))
	if err := server.SendFrame(sampleFrame(5)); err != nil {
		t.Fatalf("send frame: %v", err)
	}
	select {
	case f := <-frames:
		if len(f.RigidBodies) != 2 || f.Suffix.Timestamp != 3.25 {
			t.Fatalf("unexpected 3.0 frame %+v", f)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timeout waiting for 3.0 frame")
	}

	_, err = c.SetVersion(context.Background(), 3, 0)
	var mismatch *session.ProtocolMismatchError
	if !errors.As(err, &mismatch) {
		t.Fatalf("expected ProtocolMismatchError for same version, got %v", err)
	}
}

func TestClientSetVersionRequiresConnection(t *testing.T) {
	c := natnet.New(natnet.Options{ServerAddress: "127.0.0.1"}, natnet.WithLogger(quiet))
	_, err := c.SetVersion(context.Background(), 4, 0)
	var mismatch *session.ProtocolMismatchError
	if !errors.As(err, &mismatch) || mismatch.Reason != "not connected" {
		t.Fatalf("expected not connected mismatch, got %v", err)
	}
	if c.SendCommand(natnet.CmdTimelinePlay) != -1 || c.RequestModelDefinitions() != -1 {
		t.Fatalf("sends without sockets must report -1")
	}
}

func TestClientRefreshConfiguration(t *testing.T) {
	server := newServer(t, protocol.Version4{4, 1, 0, 0})
	replies := make(chan protocol.Response, 4)
	c := newClient(t, server, natnet.WithObserver(natnet.ObserverFunc(
		func(_ transport.Socket, msg protocol.Message, _ error) {
			if resp, ok := msg.Record.(protocol.Response); ok && resp.HasBitstream {
				replies <- resp
			}
		})))

	if n := c.RefreshConfiguration(); n < 0 {
		t.Fatalf("refresh failed")
	}
	select {
	case resp := <-replies:
		if resp.Bitstream != (protocol.Version4{4, 1, 0, 0}) {
			t.Fatalf("unexpected bitstream %s", resp.Bitstream)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timeout waiting for bitstream reply")
	}
	if c.ServerStreamVersion() != (protocol.Version4{4, 1, 0, 0}) {
		t.Fatalf("stream version changed unexpectedly: %s", c.ServerStreamVersion())
	}
}

func TestClientRunFailsOnBadAddress(t *testing.T) {
	c := natnet.New(natnet.Options{ServerAddress: "::1"}, natnet.WithLogger(quiet))
	if c.Run(context.Background()) {
		c.Shutdown()
		t.Fatalf("run succeeded against an IPv6 server")
	}
}

func TestStreamRigidBodiesCommands(t *testing.T) {
	want := []string{"SetProperty,,Rigid Bodies,true", "SetProperty,,Up Axis,Z-Axis"}
	if got := natnet.StreamRigidBodiesCommands(); !reflect.DeepEqual(got, want) {
		t.Fatalf("got %q, want %q", got, want)
	}
	if natnet.BitstreamCommand(4, 1) != "Bitstream,4.1" || natnet.SetPlaybackFrameCommand(12) != "SetPlaybackCurrentFrame,12" {
		t.Fatalf("unexpected command text")
	}
}
