package protocol

import (
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// MessageID is the signed 16 bit identifier at the start of every datagram.
type MessageID int16

const (
	NatConnect             MessageID = 0
	NatServerInfo          MessageID = 1
	NatRequest             MessageID = 2
	NatResponse            MessageID = 3
	NatRequestModelDef     MessageID = 4
	NatModelDef            MessageID = 5
	NatRequestFrameOfData  MessageID = 6
	NatFrameOfData         MessageID = 7
	NatMessageString       MessageID = 8
	NatDisconnect          MessageID = 9
	NatKeepAlive           MessageID = 10
	NatUnrecognizedRequest MessageID = 100
)

const (
	DefaultCommandPort    = 1510
	DefaultDataPort       = 1511
	DefaultMulticastGroup = "239.255.42.99"

	// HeaderSize covers the message id and the declared payload size.
	HeaderSize = 4
)

var messageNames = map[MessageID]string{
	NatConnect:             "NAT_CONNECT",
	NatServerInfo:          "NAT_SERVERINFO",
	NatRequest:             "NAT_REQUEST",
	NatResponse:            "NAT_RESPONSE",
	NatRequestModelDef:     "NAT_REQUEST_MODELDEF",
	NatModelDef:            "NAT_MODELDEF",
	NatRequestFrameOfData:  "NAT_REQUEST_FRAMEOFDATA",
	NatFrameOfData:         "NAT_FRAMEOFDATA",
	NatMessageString:       "NAT_MESSAGESTRING",
	NatDisconnect:          "NAT_DISCONNECT",
	NatKeepAlive:           "NAT_KEEPALIVE",
	NatUnrecognizedRequest: "NAT_UNRECOGNIZED_REQUEST",
}

func (id MessageID) String() string {
	if name, ok := messageNames[id]; ok {
		return name
	}
	return fmt.Sprintf("NAT_UNKNOWN(%d)", int16(id))
}

// Header is the 4 byte prefix of every datagram.
type Header struct {
	ID   MessageID
	Size int16
}

// PeekHeader reads the message id and declared payload size without
// touching the payload.
func PeekHeader(raw []byte) (Header, error) {
	if len(raw) < HeaderSize {
		return Header{}, ErrShortHeader
	}
	return Header{
		ID:   MessageID(int16(binary.LittleEndian.Uint16(raw[0:2]))),
		Size: int16(binary.LittleEndian.Uint16(raw[2:4])),
	}, nil
}

func appendHeader(dst []byte, id MessageID, size int) []byte {
	dst = binary.LittleEndian.AppendUint16(dst, uint16(int16(id)))
	return binary.LittleEndian.AppendUint16(dst, uint16(int16(size)))
}

// RawMessage preserves payloads of message ids the engine does not decode.
type RawMessage struct {
	ID      MessageID
	Payload []byte
}

func (rm RawMessage) MarshalJSON() ([]byte, error) {
	type rawMessageJSON struct {
		ID         string `json:"id"`
		PayloadHex string `json:"payload_hex"`
	}
	return json.Marshal(rawMessageJSON{
		ID:         rm.ID.String(),
		PayloadHex: hex.EncodeToString(rm.Payload),
	})
}
