// Package logger writes hub events to a stream, one record per event.
package logger

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/fxamacker/cbor/v2"

	"natnet/pkg/engine"
)

type encoder interface {
	Encode(v any) error
}

// Writer drains a hub subscription into an encoder.
type Writer struct {
	enc encoder
}

type record struct {
	TS           string `json:"ts" cbor:"ts"`
	Kind         string `json:"kind" cbor:"kind"`
	FrameNumber  int32  `json:"frame_number,omitempty" cbor:"frame_number,omitempty"`
	Frame        any    `json:"frame,omitempty" cbor:"frame,omitempty"`
	Descriptions any    `json:"descriptions,omitempty" cbor:"descriptions,omitempty"`
}

func NewJSONLWriter(w io.Writer) *Writer {
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	return &Writer{enc: enc}
}

// NewCBORWriter writes an RFC 8742 CBOR sequence.
func NewCBORWriter(w io.Writer) (*Writer, error) {
	mode, err := cbor.EncOptions{Sort: cbor.SortCanonical}.EncMode()
	if err != nil {
		return nil, fmt.Errorf("cbor encoder: %w", err)
	}
	return &Writer{enc: mode.NewEncoder(w)}, nil
}

// NewWriter picks the encoder by name: "jsonl" or "cbor".
func NewWriter(w io.Writer, format string) (*Writer, error) {
	switch format {
	case "", "jsonl":
		return NewJSONLWriter(w), nil
	case "cbor":
		return NewCBORWriter(w)
	default:
		return nil, fmt.Errorf("unknown record format %q", format)
	}
}

func (w *Writer) Consume(ctx context.Context, in <-chan engine.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-in:
			if !ok {
				return
			}
			_ = w.Write(ev)
		}
	}
}

func (w *Writer) Write(ev engine.Event) error {
	rec := record{
		TS:   ev.Timestamp.UTC().Format(time.RFC3339Nano),
		Kind: string(ev.Kind),
	}
	switch ev.Kind {
	case engine.KindFrame:
		if ev.Frame == nil {
			return nil
		}
		rec.FrameNumber = ev.Frame.FrameNumber
		rec.Frame = ev.Frame
	case engine.KindDescriptions:
		if ev.Descriptions == nil {
			return nil
		}
		rec.Descriptions = ev.Descriptions
	}
	return w.enc.Encode(rec)
}
