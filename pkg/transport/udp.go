package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/net/ipv4"

	"natnet/pkg/protocol"
)

const (
	defaultReadTimeout       = 2 * time.Second
	defaultBufferSize        = 64 * 1024
	defaultKeepAliveInterval = 1 * time.Second
	sendAttempts             = 3
)

// Config selects the addresses and mode of a connection.
type Config struct {
	// LocalAddress is the interface address to bind; empty means any.
	LocalAddress  string
	ServerAddress string
	Multicast     bool
}

// Handler receives every datagram from either socket. raw is only valid for
// the duration of the call.
type Handler func(socket Socket, raw []byte)

// Sockets owns the command and data sockets of one connection and the two
// receive loops serving them.
type Sockets struct {
	cfg               Config
	group             string
	commandPort       int
	dataPort          int
	readTimeout       time.Duration
	bufSize           int
	keepAliveInterval time.Duration
	errorHandler      func(error)
	logger            *slog.Logger

	command *net.UDPConn
	data    *net.UDPConn
	server  *net.UDPAddr

	stopping      atomic.Bool
	started       atomic.Bool
	lastKeepAlive atomic.Int64
	closeOnce     sync.Once
	closeErr      error
	wg            sync.WaitGroup
}

type Option func(*Sockets)

func WithReadTimeout(d time.Duration) Option {
	return func(s *Sockets) {
		if d > 0 {
			s.readTimeout = d
		}
	}
}

func WithBufferSize(n int) Option {
	return func(s *Sockets) {
		if n > 0 {
			s.bufSize = n
		}
	}
}

// WithKeepAliveInterval bounds how often the unicast command loop sends
// NAT_KEEPALIVE while datagrams keep arriving. Idle timeouts always send one.
func WithKeepAliveInterval(d time.Duration) Option {
	return func(s *Sockets) {
		if d > 0 {
			s.keepAliveInterval = d
		}
	}
}

func WithErrorHandler(fn func(error)) Option {
	return func(s *Sockets) {
		if fn != nil {
			s.errorHandler = fn
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(s *Sockets) {
		if logger != nil {
			s.logger = logger
		}
	}
}

func WithMulticastGroup(group string) Option {
	return func(s *Sockets) {
		if group != "" {
			s.group = group
		}
	}
}

// WithPorts sets the server command port and the multicast data port.
// Zero keeps the default.
func WithPorts(command, data int) Option {
	return func(s *Sockets) {
		if command > 0 {
			s.commandPort = command
		}
		if data > 0 {
			s.dataPort = data
		}
	}
}

// Open resolves the server, binds both sockets and, in multicast mode, joins
// the data group on the interface that owns the local address. The receive
// loops are not running until Start.
func Open(ctx context.Context, cfg Config, opts ...Option) (*Sockets, error) {
	s := &Sockets{
		cfg:               cfg,
		group:             protocol.DefaultMulticastGroup,
		commandPort:       protocol.DefaultCommandPort,
		dataPort:          protocol.DefaultDataPort,
		readTimeout:       defaultReadTimeout,
		bufSize:           defaultBufferSize,
		keepAliveInterval: defaultKeepAliveInterval,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = slog.Default().With("component", "transport")
	}

	serverIP, err := resolveIPv4(ctx, cfg.ServerAddress)
	if err != nil {
		return nil, classify(ctx, KindResolve, "", err)
	}
	s.server = &net.UDPAddr{IP: serverIP, Port: s.commandPort}

	localIP := net.IPv4zero
	if cfg.LocalAddress != "" {
		if localIP, err = resolveIPv4(ctx, cfg.LocalAddress); err != nil {
			return nil, classify(ctx, KindResolve, "", err)
		}
	}

	if s.command, err = listen(ctx, net.JoinHostPort(localIP.String(), "0"), false); err != nil {
		return nil, classify(ctx, KindBind, SocketCommand, err)
	}

	if cfg.Multicast {
		err = s.openMulticastData(ctx, localIP)
	} else {
		s.data, err = listen(ctx, net.JoinHostPort(localIP.String(), "0"), false)
		if err != nil {
			err = classify(ctx, KindBind, SocketData, err)
		}
	}
	if err != nil {
		_ = s.command.Close()
		return nil, err
	}

	s.logger.Info("sockets open",
		"multicast", cfg.Multicast,
		"command", s.command.LocalAddr().String(),
		"data", s.data.LocalAddr().String(),
		"server", s.server.String(),
	)
	return s, nil
}

// openMulticastData binds the wildcard address on the data port, because a
// socket bound to a unicast address does not see group traffic on every
// platform, and joins the group on the local interface.
func (s *Sockets) openMulticastData(ctx context.Context, localIP net.IP) error {
	groupIP := net.ParseIP(s.group).To4()
	if groupIP == nil || !groupIP.IsMulticast() {
		return &Error{Op: KindResolve, Socket: SocketData, Err: fmt.Errorf("invalid multicast group %q", s.group)}
	}

	conn, err := listen(ctx, net.JoinHostPort("", strconv.Itoa(s.dataPort)), true)
	if err != nil {
		return classify(ctx, KindBind, SocketData, err)
	}

	ifi, err := interfaceFor(localIP)
	if err != nil {
		_ = conn.Close()
		return &Error{Op: KindJoin, Socket: SocketData, Err: err}
	}
	if err := ipv4.NewPacketConn(conn).JoinGroup(ifi, &net.UDPAddr{IP: groupIP}); err != nil {
		_ = conn.Close()
		return &Error{Op: KindJoin, Socket: SocketData, Err: err}
	}
	s.data = conn
	return nil
}

func listen(ctx context.Context, addr string, reuse bool) (*net.UDPConn, error) {
	lc := net.ListenConfig{Control: socketControl(reuse)}
	pc, err := lc.ListenPacket(ctx, "udp4", addr)
	if err != nil {
		return nil, err
	}
	return pc.(*net.UDPConn), nil
}

func resolveIPv4(ctx context.Context, host string) (net.IP, error) {
	if host == "" {
		return nil, errors.New("empty address")
	}
	if ip := net.ParseIP(host); ip != nil {
		if v4 := ip.To4(); v4 != nil {
			return v4, nil
		}
		return nil, fmt.Errorf("%s is not an IPv4 address", host)
	}
	addrs, err := net.DefaultResolver.LookupIPAddr(ctx, host)
	if err != nil {
		return nil, err
	}
	for _, addr := range addrs {
		if v4 := addr.IP.To4(); v4 != nil {
			return v4, nil
		}
	}
	return nil, fmt.Errorf("no IPv4 address for %s", host)
}

// interfaceFor returns the interface that owns ip, or nil to let the system
// pick when ip is unspecified.
func interfaceFor(ip net.IP) (*net.Interface, error) {
	if ip.IsUnspecified() {
		return nil, nil
	}
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, err
	}
	for i := range ifaces {
		addrs, err := ifaces[i].Addrs()
		if err != nil {
			continue
		}
		for _, addr := range addrs {
			if ipnet, ok := addr.(*net.IPNet); ok && ipnet.IP.Equal(ip) {
				return &ifaces[i], nil
			}
		}
	}
	return nil, fmt.Errorf("no interface owns %s", ip)
}

func classify(ctx context.Context, kind ErrorKind, socket Socket, err error) error {
	var nerr net.Error
	if errors.Is(ctx.Err(), context.DeadlineExceeded) || (errors.As(err, &nerr) && nerr.Timeout()) {
		kind = KindTimeout
	}
	return &Error{Op: kind, Socket: socket, Err: err}
}

// SendCommand frames text as NAT_REQUEST and writes it to the server command
// port. It returns the bytes written, or -1 when all attempts failed.
func (s *Sockets) SendCommand(text string) (int, error) {
	pkt, err := protocol.EncodeCommand(text)
	if err != nil {
		return -1, err
	}
	return s.send(pkt)
}

// SendRequest sends a payload-less request such as NAT_REQUEST_MODELDEF.
func (s *Sockets) SendRequest(id protocol.MessageID) (int, error) {
	return s.send(protocol.EncodeRequest(id))
}

func (s *Sockets) SendConnect(version protocol.Version4) (int, error) {
	return s.send(protocol.EncodeConnect(version))
}

func (s *Sockets) send(pkt []byte) (int, error) {
	if s.stopping.Load() {
		return -1, ErrClosed
	}
	var lastErr error
	for attempt := 0; attempt < sendAttempts; attempt++ {
		n, err := s.command.WriteToUDP(pkt, s.server)
		if err == nil {
			return n, nil
		}
		lastErr = err
		if errors.Is(err, net.ErrClosed) {
			break
		}
	}
	return -1, fmt.Errorf("send to %s: %w", s.server, lastErr)
}

func (s *Sockets) Multicast() bool {
	return s.cfg.Multicast
}

// IsOpen reports whether both sockets are open and Close has not been called.
func (s *Sockets) IsOpen() bool {
	return s != nil && s.command != nil && s.data != nil && !s.stopping.Load()
}

func (s *Sockets) CommandAddr() *net.UDPAddr {
	return s.command.LocalAddr().(*net.UDPAddr)
}

func (s *Sockets) DataAddr() *net.UDPAddr {
	return s.data.LocalAddr().(*net.UDPAddr)
}

func (s *Sockets) ServerAddr() *net.UDPAddr {
	return s.server
}

// Close stops both loops. Sockets are closed first so blocked receives
// return, then the loops are joined. Safe to call more than once.
func (s *Sockets) Close() error {
	s.closeOnce.Do(func() {
		s.stopping.Store(true)
		s.closeErr = errors.Join(s.command.Close(), s.data.Close())
		s.wg.Wait()
		s.logger.Info("sockets closed")
	})
	return s.closeErr
}
