package protocol

import "strings"

const (
	serverInfoNameSize = 256
	// bitstreamReplyLimit bounds the replies inspected for a version string.
	bitstreamReplyLimit = 30
	bitstreamPrefix     = "Bitstream"
)

// ServerInfo is the NAT_SERVERINFO reply to NAT_CONNECT.
type ServerInfo struct {
	ApplicationName string   `json:"application_name"`
	ServerVersion   Version4 `json:"server_version"`
	StreamVersion   Version4 `json:"stream_version"`
}

// DecodeServerInfo reads the 256 byte application name followed by the
// server application version and the NatNet stream version.
func DecodeServerInfo(payload []byte) (ServerInfo, int, error) {
	r := NewReader(payload)
	name, err := r.FixedString(serverInfoNameSize)
	if err != nil {
		return ServerInfo{}, r.Offset(), decodeErr("server info name", -1, r.Offset(), err)
	}
	var info ServerInfo
	info.ApplicationName = name

	b, err := r.Bytes(4)
	if err != nil {
		return info, r.Offset(), decodeErr("server version", -1, r.Offset(), err)
	}
	copy(info.ServerVersion[:], b)

	b, err = r.Bytes(4)
	if err != nil {
		return info, r.Offset(), decodeErr("stream version", -1, r.Offset(), err)
	}
	copy(info.StreamVersion[:], b)
	return info, r.Offset(), nil
}

// Response is a NAT_RESPONSE payload: either a 4 byte result code or a
// NUL-terminated reply string.
type Response struct {
	Code    int32  `json:"code"`
	HasCode bool   `json:"has_code"`
	Text    string `json:"text,omitempty"`
	// Bitstream is set when Text reports the server's current bitstream
	// version ("Bitstream,4.1").
	Bitstream    Version4 `json:"bitstream"`
	HasBitstream bool     `json:"has_bitstream"`
}

// DecodeResponse uses the declared size from the header to tell a result
// code from a text reply.
func DecodeResponse(payload []byte, declared int) (Response, int, error) {
	r := NewReader(payload)
	if declared == 4 {
		code, err := r.Int32()
		if err != nil {
			return Response{}, r.Offset(), decodeErr("response code", -1, r.Offset(), err)
		}
		return Response{Code: code, HasCode: true}, r.Offset(), nil
	}

	text, err := r.CString()
	if err != nil {
		// Some builds omit the terminator on the last reply.
		text = ParseText(payload)
		r.Drain()
	}
	resp := Response{Text: text}
	if len(text) < bitstreamReplyLimit && strings.HasPrefix(text, bitstreamPrefix) {
		resp.Bitstream, resp.HasBitstream = ParseBitstreamReply(text)
	}
	return resp, r.Offset(), nil
}

// ParseBitstreamReply extracts the version from "Bitstream,<major>.<minor>[.<build>.<rev>]".
// At least major and minor must be present.
func ParseBitstreamReply(text string) (Version4, bool) {
	verb, rest, ok := strings.Cut(text, ",")
	if !ok || verb != bitstreamPrefix {
		return Version4{}, false
	}
	if strings.Count(rest, ".") < 1 {
		return Version4{}, false
	}
	v, err := ParseVersion4(rest)
	if err != nil {
		return Version4{}, false
	}
	return v, true
}

// MessageString is the free text carried by NAT_MESSAGESTRING.
type MessageString string

// DecodeMessageString reads the NUL-terminated server message.
func DecodeMessageString(payload []byte) (MessageString, int) {
	r := NewReader(payload)
	text, err := r.CString()
	if err != nil {
		r.Drain()
		return MessageString(ParseText(payload)), r.Offset()
	}
	return MessageString(text), r.Offset()
}
