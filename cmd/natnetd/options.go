package main

import (
	"fmt"
	"io"
	"log/slog"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"natnet/pkg/config"
	"natnet/pkg/natnet"
)

type globalOptions struct {
	configPath string
	logLevel   string
	logFormat  string

	stdout io.Writer
	stderr io.Writer
}

// load reads the config file, applies flag overrides and validates the
// result. A missing file falls back to defaults.
func (g *globalOptions) load(flags *pflag.FlagSet) (config.NatNetConfig, *slog.Logger, error) {
	cfg, _, err := config.LoadOrDefault(g.configPath)
	if err != nil {
		return config.NatNetConfig{}, nil, err
	}
	if g.logLevel != "" {
		cfg.Log.Level = g.logLevel
	}
	if g.logFormat != "" {
		cfg.Log.Format = g.logFormat
	}
	applyClientFlags(&cfg, flags)
	if err := cfg.Validate(); err != nil {
		return config.NatNetConfig{}, nil, usageError{err}
	}
	logger, err := newLogger(cfg, g.stderr)
	if err != nil {
		return config.NatNetConfig{}, nil, err
	}
	return cfg, logger, nil
}

func newLogger(cfg config.NatNetConfig, w io.Writer) (*slog.Logger, error) {
	level, err := cfg.LogLevel()
	if err != nil {
		return nil, err
	}
	opts := &slog.HandlerOptions{Level: level}
	switch cfg.Log.Format {
	case "json":
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	case "", "text":
		return slog.New(slog.NewTextHandler(w, opts)), nil
	default:
		return nil, fmt.Errorf("unknown log format %q", cfg.Log.Format)
	}
}

// addClientFlags registers the connection overrides shared by every command
// that talks to a server.
func addClientFlags(cmd *cobra.Command) {
	f := cmd.Flags()
	f.String("server", "", "NatNet server address")
	f.String("local", "", "local interface address")
	f.Bool("unicast", false, "use unicast instead of multicast")
	f.String("multicast-group", "", "multicast group for the data stream")
	f.Int("command-port", 0, "server command port")
	f.Int("data-port", 0, "data port")
	f.String("bitstream", "", "requested NatNet version, e.g. 3.1")
	f.Duration("read-timeout", 0, "socket read timeout")
}

func applyClientFlags(cfg *config.NatNetConfig, flags *pflag.FlagSet) {
	if flags == nil {
		return
	}
	c := &cfg.Client
	if v, err := flags.GetString("server"); err == nil && flags.Changed("server") {
		c.ServerAddress = v
	}
	if v, err := flags.GetString("local"); err == nil && flags.Changed("local") {
		c.LocalAddress = v
	}
	if v, err := flags.GetBool("unicast"); err == nil && flags.Changed("unicast") {
		c.Multicast = !v
	}
	if v, err := flags.GetString("multicast-group"); err == nil && flags.Changed("multicast-group") {
		c.MulticastGroup = v
	}
	if v, err := flags.GetInt("command-port"); err == nil && flags.Changed("command-port") {
		c.CommandPort = v
	}
	if v, err := flags.GetInt("data-port"); err == nil && flags.Changed("data-port") {
		c.DataPort = v
	}
	if v, err := flags.GetString("bitstream"); err == nil && flags.Changed("bitstream") {
		c.RequestedVersion = v
	}
	if v, err := flags.GetDuration("read-timeout"); err == nil && flags.Changed("read-timeout") {
		c.ReadTimeout = v.String()
	}
}

func newClient(cfg config.NatNetConfig, logger *slog.Logger, opts ...natnet.ClientOption) (*natnet.Client, error) {
	timeout, err := cfg.ReadTimeout()
	if err != nil {
		return nil, err
	}
	opts = append([]natnet.ClientOption{
		natnet.WithLogger(logger.With("component", "natnet")),
		natnet.WithLogEvery(cfg.Log.Every),
	}, opts...)
	return natnet.New(natnet.Options{
		LocalAddress:     cfg.Client.LocalAddress,
		ServerAddress:    cfg.Client.ServerAddress,
		Multicast:        cfg.Client.Multicast,
		MulticastGroup:   cfg.Client.MulticastGroup,
		CommandPort:      cfg.Client.CommandPort,
		DataPort:         cfg.Client.DataPort,
		ReadTimeout:      timeout,
	}, opts...), nil
}
