package protocol

// Message is the result of dispatching one datagram.
//
// Record holds *Frame, *Descriptions, ServerInfo, Response, MessageString or
// RawMessage depending on ID; it is nil for NAT_UNRECOGNIZED_REQUEST.
type Message struct {
	ID           MessageID
	DeclaredSize int
	Consumed     int
	Decoded      bool
	Record       any
}

// SizeMismatch reports a decoded message whose consumed byte count differs
// from the size in its header. Server builds disagree by a few bytes, so
// this is a diagnostic only.
func (m Message) SizeMismatch() bool {
	return m.Decoded && m.Consumed != m.DeclaredSize
}

// Dispatch classifies a raw datagram by its message id and decodes the
// payload with the layout of version v.
//
// The returned Message is populated even when err is non-nil so callers can
// log what was consumed before decoding stopped.
func Dispatch(raw []byte, v Version) (Message, error) {
	h, err := PeekHeader(raw)
	if err != nil {
		return Message{}, &DecodeError{Section: "header", Index: -1, Err: err}
	}
	msg := Message{ID: h.ID, DeclaredSize: int(h.Size)}
	payload := raw[HeaderSize:]

	switch h.ID {
	case NatFrameOfData:
		frame, n, err := DecodeFrame(payload, v)
		msg.Record, msg.Consumed, msg.Decoded = frame, n, true
		return msg, err
	case NatModelDef:
		descs, n, err := DecodeDescriptions(payload, v)
		msg.Record, msg.Consumed, msg.Decoded = descs, n, true
		return msg, err
	case NatServerInfo:
		info, n, err := DecodeServerInfo(payload)
		msg.Record, msg.Consumed, msg.Decoded = info, n, true
		return msg, err
	case NatResponse:
		resp, n, err := DecodeResponse(payload, msg.DeclaredSize)
		msg.Record, msg.Consumed, msg.Decoded = resp, n, true
		return msg, err
	case NatMessageString:
		text, n := DecodeMessageString(payload)
		msg.Record, msg.Consumed, msg.Decoded = text, n, true
		return msg, nil
	case NatUnrecognizedRequest:
		return msg, nil
	default:
		msg.Record = RawMessage{ID: h.ID, Payload: append([]byte(nil), payload...)}
		return msg, nil
	}
}
