package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"natnet/pkg/bridge/foxglove"
	"natnet/pkg/config"
	"natnet/pkg/engine"
	recorder "natnet/pkg/logger"
	"natnet/pkg/metrics"
	"natnet/pkg/natnet"
	"natnet/pkg/relay"
	"natnet/pkg/session"
)

const (
	handshakeTimeout = 5 * time.Second
	phaseInterval    = time.Second
)

type serveOptions struct {
	mock       bool
	mockHz     int
	mockBodies int
}

func serveCmd(g *globalOptions) *cobra.Command {
	o := &serveOptions{}
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Stream decoded frames to Foxglove, the relay and the record file",
		Long: `Connect to the NatNet server and fan every decoded frame out to the
enabled sinks. With --mock no server is contacted and synthetic rigid
bodies are published instead.

Examples:
  natnetd serve --server 192.168.1.2 --local 192.168.1.10
  natnetd serve --unicast --bitstream 3.1 --record frames.jsonl
  natnetd serve --mock --relay tcp://*:5556`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := g.load(cmd.Flags())
			if err != nil {
				return err
			}
			applyServeFlags(&cfg, cmd.Flags())
			if err := cfg.Validate(); err != nil {
				return usageError{err}
			}
			return runServe(cmd.Context(), cfg, o, logger, g.stdout)
		},
	}
	addClientFlags(cmd)

	f := cmd.Flags()
	f.BoolVar(&o.mock, "mock", false, "publish synthetic frames instead of connecting")
	f.IntVar(&o.mockHz, "mock-hz", 120, "synthetic frame rate")
	f.IntVar(&o.mockBodies, "mock-bodies", 3, "synthetic rigid body count")
	f.Bool("no-foxglove", false, "disable the Foxglove websocket bridge")
	f.String("foxglove-addr", "", "Foxglove websocket listen address")
	f.String("relay", "", "enable the ZeroMQ relay on this endpoint")
	f.String("record", "", "record events to this path (- for stdout)")
	f.String("record-format", "", "record format (jsonl, cbor)")
	f.String("http", "", "enable the status and metrics endpoint on this address")
	f.Bool("no-http", false, "disable the status and metrics endpoint")
	return cmd
}

func applyServeFlags(cfg *config.NatNetConfig, flags *pflag.FlagSet) {
	if v, _ := flags.GetBool("no-foxglove"); v {
		cfg.Foxglove.Enabled = false
	}
	if v, _ := flags.GetString("foxglove-addr"); v != "" {
		cfg.Foxglove.WSAddr = v
	}
	if v, _ := flags.GetString("relay"); v != "" {
		cfg.Relay.Enabled = true
		cfg.Relay.Endpoint = v
	}
	if v, _ := flags.GetString("record"); v != "" {
		cfg.Record.Enabled = true
		cfg.Record.Path = v
	}
	if v, _ := flags.GetString("record-format"); v != "" {
		cfg.Record.Format = v
	}
	if v, _ := flags.GetString("http"); v != "" {
		cfg.HTTP.Enabled = true
		cfg.HTTP.Addr = v
	}
	if v, _ := flags.GetBool("no-http"); v {
		cfg.HTTP.Enabled = false
	}
}

func foxgloveConfig(cfg config.FoxgloveConfig) foxglove.Config {
	fc := foxglove.DefaultConfig()
	fc.WSAddr = cfg.WSAddr
	fc.Topic = cfg.Topic
	fc.TransformTopic = cfg.TransformTopic
	fc.MarkerTopic = cfg.MarkerTopic
	fc.LogTopic = cfg.LogTopic
	fc.ParentFrameID = cfg.ParentFrame
	fc.FramePrefix = cfg.FramePrefix
	return fc
}

func runServe(ctx context.Context, cfg config.NatNetConfig, o *serveOptions, logger *slog.Logger, stdout io.Writer) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	hub := engine.NewHub(
		engine.WithBroadcastBuffer(cfg.Hub.BroadcastBuf),
		engine.WithClientBuffer(cfg.Hub.ClientBuf),
	)
	reg := prometheus.NewRegistry()
	collector := metrics.New(metrics.WithRegistry(reg))

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		hub.Run(ctx)
		return nil
	})

	var src statusSource
	if o.mock {
		mock := newMockSource(o.mockBodies)
		src = mock
		collector.SetPhase(session.Connected)
		g.Go(func() error {
			mock.run(ctx, hub, o.mockHz)
			return nil
		})
		logger.Info("serving synthetic frames", "bodies", mock.bodies, "hz", o.mockHz)
	} else {
		client, err := newClient(cfg, logger, natnet.WithObserver(collector))
		if err != nil {
			return err
		}
		client.SetFrameListener(hub)
		client.SetDescriptionListener(hub)
		if err := client.Connect(ctx); err != nil {
			return fmt.Errorf("connect: %w", err)
		}
		src = client
		g.Go(func() error {
			<-ctx.Done()
			return client.Shutdown()
		})
		g.Go(func() error {
			return startSession(ctx, client, cfg, collector, logger)
		})
	}

	if cfg.Foxglove.Enabled {
		srv := foxglove.NewServer(foxgloveConfig(cfg.Foxglove), hub,
			foxglove.WithLogger(logger.With("component", "foxglove")))
		g.Go(func() error {
			return srv.Run(ctx)
		})
	}

	if cfg.Relay.Enabled {
		pub, err := relay.Bind(cfg.Relay.Endpoint,
			relay.WithLogger(logger.With("component", "relay")),
			relay.WithLogEvery(cfg.Log.Every))
		if err != nil {
			return err
		}
		sub := hub.Subscribe()
		g.Go(func() error {
			pub.Consume(ctx, sub)
			return nil
		})
	}

	if cfg.Record.Enabled {
		out, closeOut, err := openRecord(cfg.Record.Path, stdout)
		if err != nil {
			return err
		}
		w, err := recorder.NewWriter(out, cfg.Record.Format)
		if err != nil {
			_ = closeOut()
			return err
		}
		sub := hub.Subscribe()
		g.Go(func() error {
			w.Consume(ctx, sub)
			return closeOut()
		})
		logger.Info("recording", "path", cfg.Record.Path, "format", cfg.Record.Format)
	}

	if cfg.HTTP.Enabled {
		router := newRouter(src, reg)
		g.Go(func() error {
			return serveHTTP(ctx, cfg.HTTP.Addr, router, logger.With("component", "http"))
		})
	}

	return g.Wait()
}

// startSession waits for the handshake, asks the server for the configured
// bitstream, sends the startup commands and requests the model definitions.
// It then keeps the phase gauge current until ctx ends.
func startSession(ctx context.Context, client *natnet.Client, cfg config.NatNetConfig, collector *metrics.Collector, logger *slog.Logger) error {
	collector.SetPhase(client.State().Phase)

	waitCtx, cancel := context.WithTimeout(ctx, handshakeTimeout)
	err := client.WaitConnected(waitCtx)
	cancel()
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return err
	}

	st := client.State()
	collector.SetPhase(st.Phase)
	logger.Info("connected",
		"application", st.ApplicationName,
		"server_version", st.ServerAppVersion.String(),
		"stream_version", st.ServerStreamVersion.String(),
		"multicast", st.Multicast,
	)

	if err := applyRequestedVersion(ctx, client, cfg, logger); err != nil {
		return err
	}

	for i, rc := range client.SendCommands(cfg.Client.StartupCommands) {
		if rc < 0 {
			logger.Warn("startup command failed", "command", cfg.Client.StartupCommands[i])
		}
	}
	if client.RequestModelDefinitions() < 0 {
		logger.Warn("model definition request failed")
	}

	ticker := time.NewTicker(phaseInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			collector.SetPhase(client.State().Phase)
		}
	}
}

// applyRequestedVersion switches the server to the configured bitstream.
// Frames keep decoding with the server's stream version when it refuses.
func applyRequestedVersion(ctx context.Context, client *natnet.Client, cfg config.NatNetConfig, logger *slog.Logger) error {
	requested, err := cfg.RequestedVersion()
	if err != nil || requested.IsZero() {
		return err
	}
	current := client.RequestedVersion()
	if requested.Stream() == current.Stream() {
		return nil
	}
	if _, err := client.SetVersion(ctx, requested[0], requested[1]); err != nil && ctx.Err() == nil {
		var mismatch *session.ProtocolMismatchError
		if errors.As(err, &mismatch) {
			logger.Warn("bitstream change refused",
				"requested", requested.String(),
				"decode_version", current.String(),
				"reason", mismatch.Reason)
		} else {
			logger.Warn("bitstream change failed", "requested", requested.String(), "error", err)
		}
	}
	return nil
}

func openRecord(path string, stdout io.Writer) (io.Writer, func() error, error) {
	if path == "" || path == "-" {
		return stdout, func() error { return nil }, nil
	}
	file, err := os.Create(path)
	if err != nil {
		return nil, nil, fmt.Errorf("open record file: %w", err)
	}
	return file, file.Close, nil
}
