// Package relay republishes hub events on a ZeroMQ PUB socket as CBOR.
//
// Each event is a two part message: the topic ("frame" or "descriptions")
// followed by the encoded record, so subscribers can filter by prefix.
package relay

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/pebbe/zmq4"

	"natnet/pkg/engine"
	"natnet/pkg/protocol"
)

const (
	TopicFrame        = "frame"
	TopicDescriptions = "descriptions"
)

// Message is the CBOR body of one relayed event.
type Message struct {
	TS           int64                  `cbor:"ts"`
	FrameNumber  int32                  `cbor:"frame_number,omitempty"`
	Frame        *protocol.Frame        `cbor:"frame,omitempty"`
	Descriptions *protocol.Descriptions `cbor:"descriptions,omitempty"`
}

// Publisher owns one PUB socket. ZeroMQ sockets are not goroutine safe, so
// Publish and Close must not race; Consume is the intended single caller.
type Publisher struct {
	socket   *zmq4.Socket
	mode     cbor.EncMode
	endpoint string
	logger   *slog.Logger
	logEvery int
	failures int
}

type Option func(*Publisher)

func WithLogger(logger *slog.Logger) Option {
	return func(p *Publisher) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// WithLogEvery logs only every n-th send failure.
func WithLogEvery(n int) Option {
	return func(p *Publisher) {
		if n > 0 {
			p.logEvery = n
		}
	}
}

func Bind(endpoint string, opts ...Option) (*Publisher, error) {
	mode, err := cbor.EncOptions{Sort: cbor.SortCanonical}.EncMode()
	if err != nil {
		return nil, fmt.Errorf("cbor encoder: %w", err)
	}

	socket, err := zmq4.NewSocket(zmq4.PUB)
	if err != nil {
		return nil, fmt.Errorf("relay socket: %w", err)
	}
	if err := socket.SetLinger(0); err != nil {
		_ = socket.Close()
		return nil, fmt.Errorf("relay linger: %w", err)
	}
	if err := socket.Bind(endpoint); err != nil {
		_ = socket.Close()
		return nil, fmt.Errorf("relay bind %s: %w", endpoint, err)
	}

	p := &Publisher{
		socket:   socket,
		mode:     mode,
		endpoint: endpoint,
		logEvery: 1,
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.logger == nil {
		p.logger = slog.Default().With("component", "relay")
	}
	p.logger.Info("relay bound", "endpoint", endpoint)
	return p, nil
}

func (p *Publisher) Endpoint() string {
	return p.endpoint
}

// Publish encodes and sends one event. Events without a payload are ignored.
func (p *Publisher) Publish(ev engine.Event) error {
	topic, msg, ok := toMessage(ev)
	if !ok {
		return nil
	}
	payload, err := p.mode.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode %s: %w", topic, err)
	}
	if _, err := p.socket.SendMessage(topic, payload); err != nil {
		return fmt.Errorf("send %s: %w", topic, err)
	}
	return nil
}

func toMessage(ev engine.Event) (string, Message, bool) {
	msg := Message{TS: ev.Timestamp.UnixNano()}
	if ev.Timestamp.IsZero() {
		msg.TS = time.Now().UnixNano()
	}
	switch ev.Kind {
	case engine.KindFrame:
		if ev.Frame == nil {
			return "", Message{}, false
		}
		msg.FrameNumber = ev.Frame.FrameNumber
		msg.Frame = ev.Frame
		return TopicFrame, msg, true
	case engine.KindDescriptions:
		if ev.Descriptions == nil {
			return "", Message{}, false
		}
		msg.Descriptions = ev.Descriptions
		return TopicDescriptions, msg, true
	default:
		return "", Message{}, false
	}
}

// Consume publishes events until ctx ends or in closes, then closes the
// socket.
func (p *Publisher) Consume(ctx context.Context, in <-chan engine.Event) {
	defer p.Close()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-in:
			if !ok {
				return
			}
			if err := p.Publish(ev); err != nil {
				p.failures++
				if (p.failures-1)%p.logEvery == 0 {
					p.logger.Warn("relay publish failed", "error", err, "failures", p.failures)
				}
			}
		}
	}
}

func (p *Publisher) Close() error {
	if p.socket == nil {
		return nil
	}
	err := p.socket.Close()
	p.socket = nil
	return err
}
