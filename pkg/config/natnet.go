package config

import (
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	toml "github.com/pelletier/go-toml/v2"

	"natnet/pkg/protocol"
)

const DefaultConfigPath = "natnet.toml"

type NatNetConfig struct {
	Client     ClientConfig   `toml:"client"`
	Log        LogConfig      `toml:"log"`
	Hub        HubConfig      `toml:"hub"`
	Foxglove   FoxgloveConfig `toml:"foxglove"`
	Relay      RelayConfig    `toml:"relay"`
	HTTP       HTTPConfig     `toml:"http"`
	Record     RecordConfig   `toml:"record"`
	configPath string         `toml:"-"`
}

type ClientConfig struct {
	LocalAddress   string `toml:"local_address"`
	ServerAddress  string `toml:"server_address"`
	Multicast      bool   `toml:"multicast"`
	MulticastGroup string `toml:"multicast_group"`
	CommandPort    int    `toml:"command_port"`
	DataPort       int    `toml:"data_port"`
	ReadTimeout    string `toml:"read_timeout"`
	// RequestedVersion is "major.minor"; empty adopts the server's version.
	RequestedVersion string   `toml:"requested_version,omitempty"`
	StartupCommands  []string `toml:"startup_commands"`
}

type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
	Every  int    `toml:"every"`
}

type HubConfig struct {
	BroadcastBuf int `toml:"broadcast_buf"`
	ClientBuf    int `toml:"client_buf"`
}

type FoxgloveConfig struct {
	Enabled        bool   `toml:"enabled"`
	WSAddr         string `toml:"ws_addr"`
	Topic          string `toml:"topic"`
	TransformTopic string `toml:"transform_topic"`
	MarkerTopic    string `toml:"marker_topic"`
	LogTopic       string `toml:"log_topic"`
	ParentFrame    string `toml:"parent_frame"`
	FramePrefix    string `toml:"frame_prefix"`
}

type RelayConfig struct {
	Enabled  bool   `toml:"enabled"`
	Endpoint string `toml:"endpoint"`
}

type HTTPConfig struct {
	Enabled bool   `toml:"enabled"`
	Addr    string `toml:"addr"`
}

type RecordConfig struct {
	Enabled bool   `toml:"enabled"`
	Format  string `toml:"format"`
	// Path "-" writes to stdout.
	Path string `toml:"path"`
}

func Default() NatNetConfig {
	return NatNetConfig{
		Client: ClientConfig{
			LocalAddress:   "127.0.0.1",
			ServerAddress:  "127.0.0.1",
			Multicast:      true,
			MulticastGroup: protocol.DefaultMulticastGroup,
			CommandPort:    protocol.DefaultCommandPort,
			DataPort:       protocol.DefaultDataPort,
			ReadTimeout:    "2s",
			StartupCommands: []string{},
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
			Every:  0,
		},
		Hub: HubConfig{
			BroadcastBuf: 256,
			ClientBuf:    100,
		},
		Foxglove: FoxgloveConfig{
			Enabled:        true,
			WSAddr:         "127.0.0.1:8765",
			Topic:          "/natnet/frame",
			TransformTopic: "/tf",
			MarkerTopic:    "/natnet/markers",
			LogTopic:       "/natnet/log",
			ParentFrame:    "world",
			FramePrefix:    "rigid_body_",
		},
		Relay: RelayConfig{
			Enabled:  false,
			Endpoint: "tcp://127.0.0.1:5556",
		},
		HTTP: HTTPConfig{
			Enabled: true,
			Addr:    "127.0.0.1:9100",
		},
		Record: RecordConfig{
			Enabled: false,
			Format:  "jsonl",
			Path:    "-",
		},
	}
}

func Load(path string) (NatNetConfig, error) {
	cfg, exists, err := LoadOrDefault(path)
	if err != nil {
		return NatNetConfig{}, err
	}
	if !exists {
		return NatNetConfig{}, os.ErrNotExist
	}
	return cfg, nil
}

func LoadOrDefault(path string) (NatNetConfig, bool, error) {
	cfg := Default()
	cfg.configPath = path

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.normalize(path)
			return cfg, false, nil
		}
		return NatNetConfig{}, false, fmt.Errorf("read config: %w", err)
	}

	if err := toml.Unmarshal(data, &cfg); err != nil {
		return NatNetConfig{}, true, fmt.Errorf("parse config: %w", err)
	}
	cfg.normalize(path)

	if err := cfg.Validate(); err != nil {
		return NatNetConfig{}, true, err
	}
	return cfg, true, nil
}

func (cfg *NatNetConfig) Save(path string) error {
	cfg.normalize(path)
	if err := cfg.Validate(); err != nil {
		return err
	}

	data, err := toml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	dir := filepath.Dir(path)
	if dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create config directory: %w", err)
		}
	}

	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}

func (cfg *NatNetConfig) ConfigPath() string {
	return cfg.configPath
}

func (cfg *NatNetConfig) Validate() error {
	c := cfg.Client
	if c.ServerAddress == "" {
		return fmt.Errorf("client.server_address is empty")
	}
	if err := validPort("client.command_port", c.CommandPort); err != nil {
		return err
	}
	if err := validPort("client.data_port", c.DataPort); err != nil {
		return err
	}
	if c.Multicast {
		ip := net.ParseIP(c.MulticastGroup)
		if ip == nil || ip.To4() == nil || !ip.IsMulticast() {
			return fmt.Errorf("client.multicast_group is not an IPv4 multicast address: %q", c.MulticastGroup)
		}
	}
	if _, err := cfg.ReadTimeout(); err != nil {
		return err
	}
	if _, err := cfg.RequestedVersion(); err != nil {
		return err
	}

	if _, err := cfg.LogLevel(); err != nil {
		return err
	}
	switch cfg.Log.Format {
	case "text", "json":
	default:
		return fmt.Errorf("log.format must be text or json: %q", cfg.Log.Format)
	}
	if cfg.Log.Every < 0 {
		return fmt.Errorf("log.every must not be negative: %d", cfg.Log.Every)
	}

	switch cfg.Record.Format {
	case "jsonl", "cbor":
	default:
		return fmt.Errorf("record.format must be jsonl or cbor: %q", cfg.Record.Format)
	}
	if cfg.Relay.Enabled && !strings.Contains(cfg.Relay.Endpoint, "://") {
		return fmt.Errorf("relay.endpoint needs a transport prefix: %q", cfg.Relay.Endpoint)
	}
	return nil
}

func validPort(name string, port int) error {
	if port <= 0 || port > 65535 {
		return fmt.Errorf("%s out of range: %d", name, port)
	}
	return nil
}

func (cfg *NatNetConfig) ReadTimeout() (time.Duration, error) {
	d, err := time.ParseDuration(cfg.Client.ReadTimeout)
	if err != nil {
		return 0, fmt.Errorf("client.read_timeout: %w", err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("client.read_timeout must be positive: %s", d)
	}
	return d, nil
}

// RequestedVersion returns the zero version when none is configured.
func (cfg *NatNetConfig) RequestedVersion() (protocol.Version4, error) {
	if cfg.Client.RequestedVersion == "" {
		return protocol.Version4{}, nil
	}
	v, err := protocol.ParseVersion4(cfg.Client.RequestedVersion)
	if err != nil {
		return protocol.Version4{}, fmt.Errorf("client.requested_version: %w", err)
	}
	return v, nil
}

func (cfg *NatNetConfig) LogLevel() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Log.Level)); err != nil {
		return 0, fmt.Errorf("log.level: %w", err)
	}
	return level, nil
}

func (cfg *NatNetConfig) normalize(path string) {
	def := Default()

	c := &cfg.Client
	c.LocalAddress = strings.TrimSpace(c.LocalAddress)
	c.ServerAddress = strings.TrimSpace(c.ServerAddress)
	if c.ServerAddress == "" {
		c.ServerAddress = def.Client.ServerAddress
	}
	if c.MulticastGroup == "" {
		c.MulticastGroup = def.Client.MulticastGroup
	}
	if c.CommandPort == 0 {
		c.CommandPort = def.Client.CommandPort
	}
	if c.DataPort == 0 {
		c.DataPort = def.Client.DataPort
	}
	if c.ReadTimeout == "" {
		c.ReadTimeout = def.Client.ReadTimeout
	}
	if c.StartupCommands == nil {
		c.StartupCommands = []string{}
	}

	cfg.Log.Level = strings.ToLower(strings.TrimSpace(cfg.Log.Level))
	if cfg.Log.Level == "" {
		cfg.Log.Level = def.Log.Level
	}
	cfg.Log.Format = strings.ToLower(strings.TrimSpace(cfg.Log.Format))
	if cfg.Log.Format == "" {
		cfg.Log.Format = def.Log.Format
	}

	if cfg.Hub.BroadcastBuf <= 0 {
		cfg.Hub.BroadcastBuf = def.Hub.BroadcastBuf
	}
	if cfg.Hub.ClientBuf <= 0 {
		cfg.Hub.ClientBuf = def.Hub.ClientBuf
	}

	f := &cfg.Foxglove
	if f.WSAddr == "" {
		f.WSAddr = def.Foxglove.WSAddr
	}
	if f.Topic == "" {
		f.Topic = def.Foxglove.Topic
	}
	if f.TransformTopic == "" {
		f.TransformTopic = def.Foxglove.TransformTopic
	}
	if f.MarkerTopic == "" {
		f.MarkerTopic = def.Foxglove.MarkerTopic
	}
	if f.LogTopic == "" {
		f.LogTopic = def.Foxglove.LogTopic
	}
	if f.ParentFrame == "" {
		f.ParentFrame = def.Foxglove.ParentFrame
	}
	if f.FramePrefix == "" {
		f.FramePrefix = def.Foxglove.FramePrefix
	}

	if cfg.Relay.Endpoint == "" {
		cfg.Relay.Endpoint = def.Relay.Endpoint
	}
	if cfg.HTTP.Addr == "" {
		cfg.HTTP.Addr = def.HTTP.Addr
	}
	cfg.Record.Format = strings.ToLower(strings.TrimSpace(cfg.Record.Format))
	if cfg.Record.Format == "" {
		cfg.Record.Format = def.Record.Format
	}
	if cfg.Record.Path == "" {
		cfg.Record.Path = def.Record.Path
	}

	if path == "" {
		path = cfg.configPath
	}
	if path == "" {
		path = DefaultConfigPath
	}
	cfg.configPath = path
}
