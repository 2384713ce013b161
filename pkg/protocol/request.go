package protocol

import "fmt"

const (
	connectPayloadSize = 270
	connectVersionAt   = 265
)

// DefaultConnectVersion is advertised in NAT_CONNECT when the caller has no
// preference.
var DefaultConnectVersion = Version4{4, 1, 0, 0}

// EncodeCommand frames a NAT_REQUEST text command: header, text, NUL.
func EncodeCommand(text string) ([]byte, error) {
	if len(text)+1 > 0x7FFF {
		return nil, fmt.Errorf("command too long: %d bytes", len(text))
	}
	out := make([]byte, 0, HeaderSize+len(text)+1)
	out = appendHeader(out, NatRequest, len(text)+1)
	out = append(out, text...)
	return append(out, 0x00), nil
}

// EncodeRequest frames a payload-less request such as NAT_REQUEST_MODELDEF,
// NAT_REQUEST_FRAMEOFDATA or NAT_KEEPALIVE. The declared size is zero and a
// single NUL follows the header.
func EncodeRequest(id MessageID) []byte {
	out := make([]byte, 0, HeaderSize+1)
	out = appendHeader(out, id, 0)
	return append(out, 0x00)
}

// EncodeConnect builds the NAT_CONNECT datagram: a 270 byte payload that
// starts with "Ping" and carries the requested version at bytes 265..268.
func EncodeConnect(version Version4) []byte {
	payload := make([]byte, connectPayloadSize)
	copy(payload, "Ping")
	payload[264] = 0
	copy(payload[connectVersionAt:connectVersionAt+4], version[:])

	out := make([]byte, 0, HeaderSize+connectPayloadSize+1)
	out = appendHeader(out, NatConnect, connectPayloadSize+1)
	out = append(out, payload...)
	return append(out, 0x00)
}
