// Package natnet is the consumer-facing NatNet client: it owns the sockets,
// the handshake state and the listeners decoded records are handed to.
package natnet

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"natnet/pkg/protocol"
	"natnet/pkg/session"
	"natnet/pkg/transport"
)

var (
	ErrAlreadyConnected = errors.New("natnet: client already connected")
	ErrNotConnected     = errors.New("natnet: client not connected")
)

// resyncDelay separates the first TimelinePlay after a bitstream change
// from the play/stop/seek sequence.
const resyncDelay = 100 * time.Millisecond

// Options selects the server and the local interface.
type Options struct {
	LocalAddress   string
	ServerAddress  string
	Multicast      bool
	MulticastGroup string
	// CommandPort and DataPort default to 1510 and 1511.
	CommandPort int
	DataPort    int
	ReadTimeout time.Duration
}

type ClientOption func(*Client)

func WithLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithObserver adds an observer for every dispatched datagram.
func WithObserver(o Observer) ClientOption {
	return func(c *Client) {
		if o != nil {
			c.observers = append(c.observers, o)
		}
	}
}

// WithLogEvery logs one in every n frames at debug level. Zero disables
// per-frame logging.
func WithLogEvery(n int) ClientOption {
	return func(c *Client) {
		if n >= 0 {
			c.logEvery = uint64(n)
		}
	}
}

// WithTransportOptions passes extra options to transport.Open.
func WithTransportOptions(opts ...transport.Option) ClientOption {
	return func(c *Client) {
		c.transportOpts = append(c.transportOpts, opts...)
	}
}

// Client is a NatNet client connection. Listeners may be set before or after
// Connect.
type Client struct {
	opts          Options
	logger        *slog.Logger
	observers     []Observer
	logEvery      uint64
	transportOpts []transport.Option

	session *session.Session

	mu      sync.Mutex
	sockets *transport.Sockets

	listenMu    sync.RWMutex
	onFrame     FrameListener
	onRigidBody RigidBodyListener
	onDescs     DescriptionListener

	descriptions atomic.Pointer[protocol.Descriptions]
	frames       atomic.Uint64
}

func New(opts Options, clientOpts ...ClientOption) *Client {
	c := &Client{
		opts:    opts,
		session: session.New(opts.Multicast),
	}
	for _, opt := range clientOpts {
		opt(c)
	}
	if c.logger == nil {
		c.logger = slog.Default().With("component", "natnet")
	}
	return c
}

// Connect opens both sockets, starts the receive loops and sends
// NAT_CONNECT. The handshake completes asynchronously when NAT_SERVERINFO
// arrives; use WaitConnected to block on it.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sockets != nil {
		return ErrAlreadyConnected
	}

	opts := []transport.Option{
		transport.WithLogger(c.logger),
		transport.WithPorts(c.opts.CommandPort, c.opts.DataPort),
		transport.WithMulticastGroup(c.opts.MulticastGroup),
		transport.WithReadTimeout(c.opts.ReadTimeout),
		transport.WithErrorHandler(c.socketError),
	}
	s, err := transport.Open(ctx, transport.Config{
		LocalAddress:  c.opts.LocalAddress,
		ServerAddress: c.opts.ServerAddress,
		Multicast:     c.opts.Multicast,
	}, append(opts, c.transportOpts...)...)
	if err != nil {
		return err
	}

	c.session.MarkConnecting()
	s.Start(c.handle)

	version := protocol.DefaultConnectVersion
	if _, err := s.SendConnect(version); err != nil {
		_ = s.Close()
		c.session.Reset()
		return fmt.Errorf("send connect: %w", err)
	}
	c.sockets = s
	c.logger.Info("connect sent", "server", s.ServerAddr().String(), "version", version.String())
	return nil
}

// Run connects and reports whether the sockets came up.
func (c *Client) Run(ctx context.Context) bool {
	if err := c.Connect(ctx); err != nil {
		c.logger.Error("connect failed", "error", err)
		return false
	}
	return true
}

// WaitConnected blocks until the server has answered NAT_CONNECT.
func (c *Client) WaitConnected(ctx context.Context) error {
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for {
		if c.Connected() {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("waiting for server info: %w", ctx.Err())
		case <-ticker.C:
		}
	}
}

// Shutdown closes the sockets and joins both receive loops. The client can
// Connect again afterwards.
func (c *Client) Shutdown() error {
	c.mu.Lock()
	s := c.sockets
	c.sockets = nil
	c.mu.Unlock()
	if s == nil {
		return nil
	}
	err := s.Close()
	c.session.Reset()
	return err
}

func (c *Client) currentSockets() *transport.Sockets {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sockets
}

// SendCommand sends a text command and returns the bytes written, or -1.
func (c *Client) SendCommand(text string) int {
	s := c.currentSockets()
	if s == nil {
		c.logger.Warn("command dropped", "command", text, "error", ErrNotConnected)
		return -1
	}
	n, err := s.SendCommand(text)
	if err != nil {
		c.logger.Warn("command failed", "command", text, "error", err)
	}
	return n
}

// SendCommands sends each command in order and returns the per-command
// results.
func (c *Client) SendCommands(cmds []string) []int {
	out := make([]int, len(cmds))
	for i, cmd := range cmds {
		out[i] = c.SendCommand(cmd)
	}
	return out
}

func (c *Client) request(id protocol.MessageID) int {
	s := c.currentSockets()
	if s == nil {
		return -1
	}
	n, err := s.SendRequest(id)
	if err != nil {
		c.logger.Warn("request failed", "id", id.String(), "error", err)
	}
	return n
}

func (c *Client) RequestModelDefinitions() int {
	return c.request(protocol.NatRequestModelDef)
}

func (c *Client) RequestFrame() int {
	return c.request(protocol.NatRequestFrameOfData)
}

// RefreshConfiguration asks the server for its current bitstream version.
func (c *Client) RefreshConfiguration() int {
	return c.SendCommand(CmdBitstream)
}

// SetVersion switches the server to bitstream major.minor and replays the
// timeline so descriptions are resent in the new layout.
func (c *Client) SetVersion(ctx context.Context, major, minor uint8) (int, error) {
	requested, err := c.session.PrepareVersionChange(major, minor)
	if err != nil {
		return -1, err
	}
	n := c.SendCommand(BitstreamCommand(major, minor))
	if n < 0 {
		return n, fmt.Errorf("bitstream %d.%d: send failed", major, minor)
	}
	c.session.CommitVersion(requested)
	c.logger.Info("bitstream changed", "version", requested.Stream().String())

	c.SendCommand(CmdTimelinePlay)
	select {
	case <-ctx.Done():
		return n, ctx.Err()
	case <-time.After(resyncDelay):
	}
	c.SendCommands(resyncCommands())
	return n, nil
}

func (c *Client) SetFrameListener(l FrameListener) {
	c.listenMu.Lock()
	defer c.listenMu.Unlock()
	c.onFrame = l
}

func (c *Client) SetRigidBodyListener(l RigidBodyListener) {
	c.listenMu.Lock()
	defer c.listenMu.Unlock()
	c.onRigidBody = l
}

func (c *Client) SetDescriptionListener(l DescriptionListener) {
	c.listenMu.Lock()
	defer c.listenMu.Unlock()
	c.onDescs = l
}

func (c *Client) RequestedVersion() protocol.Version4 {
	return c.session.Snapshot().RequestedVersion
}

func (c *Client) ServerStreamVersion() protocol.Version4 {
	return c.session.Snapshot().ServerStreamVersion
}

func (c *Client) ServerVersion() protocol.Version4 {
	return c.session.Snapshot().ServerAppVersion
}

func (c *Client) ApplicationName() string {
	return c.session.Snapshot().ApplicationName
}

func (c *Client) CanChangeBitstream() bool {
	return c.session.Snapshot().CanChangeBitstream
}

// Connected is true once both sockets are open and the server identified
// itself.
func (c *Client) Connected() bool {
	return c.session.Connected(c.currentSockets().IsOpen())
}

// State returns a copy of the handshake state.
func (c *Client) State() session.State {
	return c.session.Snapshot()
}

// Descriptions returns the last NAT_MODELDEF received, or nil.
func (c *Client) Descriptions() *protocol.Descriptions {
	return c.descriptions.Load()
}

// Frames counts cleanly decoded frames since New.
func (c *Client) Frames() uint64 {
	return c.frames.Load()
}

func (c *Client) socketError(err error) {
	var serr *transport.SocketError
	if errors.As(err, &serr) && serr.Fatal {
		c.logger.Error("receive loop stopped", "socket", string(serr.Socket), "error", serr.Err)
	}
}

// handle runs on both receive loops.
func (c *Client) handle(socket transport.Socket, raw []byte) {
	msg, err := protocol.Dispatch(raw, c.session.DecodeVersion())
	for _, o := range c.observers {
		o.OnMessage(socket, msg, err)
	}
	if err != nil {
		c.logger.Warn("decode failed",
			"socket", string(socket),
			"id", msg.ID.String(),
			"declared", msg.DeclaredSize,
			"consumed", msg.Consumed,
			"error", err,
		)
		return
	}
	if msg.SizeMismatch() {
		c.logger.Debug("size mismatch",
			"id", msg.ID.String(),
			"declared", msg.DeclaredSize,
			"consumed", msg.Consumed,
		)
	}

	switch rec := msg.Record.(type) {
	case *protocol.Frame:
		c.deliverFrame(rec)
	case *protocol.Descriptions:
		c.descriptions.Store(rec)
		c.listenMu.RLock()
		l := c.onDescs
		c.listenMu.RUnlock()
		c.logger.Info("descriptions received", "datasets", len(rec.Datasets), "skipped", len(rec.Skipped))
		if l != nil {
			l.OnDescriptions(rec)
		}
	case protocol.ServerInfo:
		c.session.ApplyServerInfo(rec)
		state := c.session.Snapshot()
		c.logger.Info("server info",
			"application", rec.ApplicationName,
			"server_version", rec.ServerVersion.String(),
			"stream_version", rec.StreamVersion.String(),
			"decode_version", state.RequestedVersion.String(),
			"can_change_bitstream", state.CanChangeBitstream,
		)
	case protocol.Response:
		if c.session.ApplyResponse(rec) {
			c.logger.Info("server bitstream", "version", rec.Bitstream.String())
		} else if rec.HasCode {
			c.logger.Debug("response", "code", rec.Code)
		} else {
			c.logger.Debug("response", "text", rec.Text)
		}
	case protocol.MessageString:
		c.logger.Info("server message", "text", string(rec))
	case protocol.RawMessage:
		c.logger.Warn("unknown message id", "id", rec.ID.String(), "size", len(rec.Payload))
	case nil:
		c.logger.Warn("server did not recognize request")
	}
}

func (c *Client) deliverFrame(frame *protocol.Frame) {
	n := c.frames.Add(1)
	if c.logEvery > 0 && n%c.logEvery == 0 {
		c.logger.Debug("frame",
			"number", frame.FrameNumber,
			"rigid_bodies", len(frame.RigidBodies),
			"labeled_markers", len(frame.LabeledMarkers),
			"received", n,
		)
	}

	c.listenMu.RLock()
	onFrame, onRigidBody := c.onFrame, c.onRigidBody
	c.listenMu.RUnlock()
	if onFrame != nil {
		onFrame.OnFrame(frame)
	}
	if onRigidBody != nil {
		for _, rb := range frame.RigidBodies {
			onRigidBody.OnRigidBody(frame.FrameNumber, rb)
		}
	}
}
