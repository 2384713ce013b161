// Package metrics exports NatNet client counters to Prometheus.
package metrics

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"natnet/pkg/natnet"
	"natnet/pkg/protocol"
	"natnet/pkg/session"
	"natnet/pkg/transport"
)

type Config struct {
	Namespace string
	Registry  prometheus.Registerer
}

type Option func(*Config)

func WithNamespace(namespace string) Option {
	return func(c *Config) {
		c.Namespace = namespace
	}
}

func WithRegistry(registry prometheus.Registerer) Option {
	return func(c *Config) {
		if registry != nil {
			c.Registry = registry
		}
	}
}

// Collector counts dispatched datagrams. Register it with
// natnet.WithObserver.
type Collector struct {
	packets        *prometheus.CounterVec
	decodeErrors   *prometheus.CounterVec
	sizeMismatches *prometheus.CounterVec
	frames         prometheus.Counter
	rigidBodies    prometheus.Gauge
	lastFrame      prometheus.Gauge
	phase          prometheus.Gauge
}

var _ natnet.Observer = (*Collector)(nil)

func New(opts ...Option) *Collector {
	cfg := Config{
		Namespace: "natnet",
		Registry:  prometheus.DefaultRegisterer,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	factory := promauto.With(cfg.Registry)

	return &Collector{
		packets: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Name:      "packets_total",
			Help:      "Datagrams received, by socket and message id",
		}, []string{"socket", "message"}),

		decodeErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Name:      "decode_errors_total",
			Help:      "Datagrams dropped because decoding stopped, by section",
		}, []string{"section"}),

		sizeMismatches: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Name:      "size_mismatches_total",
			Help:      "Decoded messages whose consumed length differs from the header size",
		}, []string{"message"}),

		frames: factory.NewCounter(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Name:      "frames_total",
			Help:      "Frames of data decoded without error",
		}),

		rigidBodies: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: cfg.Namespace,
			Name:      "rigid_bodies",
			Help:      "Rigid bodies in the most recent frame",
		}),

		lastFrame: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: cfg.Namespace,
			Name:      "last_frame_number",
			Help:      "Frame number of the most recent frame",
		}),

		phase: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: cfg.Namespace,
			Name:      "session_phase",
			Help:      "Handshake phase: 0 disconnected, 1 awaiting server info, 2 connected",
		}),
	}
}

func (c *Collector) OnMessage(socket transport.Socket, msg protocol.Message, err error) {
	if err != nil {
		var de *protocol.DecodeError
		section := "unknown"
		if errors.As(err, &de) {
			section = de.Section
		}
		c.decodeErrors.WithLabelValues(section).Inc()
		if section == "header" {
			return
		}
	}

	name := msg.ID.String()
	c.packets.WithLabelValues(string(socket), name).Inc()
	if err != nil {
		return
	}
	if msg.SizeMismatch() {
		c.sizeMismatches.WithLabelValues(name).Inc()
	}
	if frame, ok := msg.Record.(*protocol.Frame); ok && frame != nil {
		c.frames.Inc()
		c.rigidBodies.Set(float64(len(frame.RigidBodies)))
		c.lastFrame.Set(float64(frame.FrameNumber))
	}
}

func (c *Collector) SetPhase(p session.Phase) {
	c.phase.Set(float64(p))
}
