package session

import (
	"fmt"
	"sync"

	"natnet/pkg/protocol"
)

// Phase is the handshake progress of a connection.
type Phase int

const (
	Disconnected Phase = iota
	AwaitingServerInfo
	Connected
)

func (p Phase) String() string {
	switch p {
	case Disconnected:
		return "disconnected"
	case AwaitingServerInfo:
		return "awaiting_server_info"
	case Connected:
		return "connected"
	default:
		return fmt.Sprintf("phase(%d)", int(p))
	}
}

// State is a copy of the session fields at one point in time.
type State struct {
	Phase               Phase             `json:"phase"`
	ApplicationName     string            `json:"application_name"`
	RequestedVersion    protocol.Version4 `json:"requested_version"`
	ServerStreamVersion protocol.Version4 `json:"server_stream_version"`
	ServerAppVersion    protocol.Version4 `json:"server_app_version"`
	CanChangeBitstream  bool              `json:"can_change_bitstream"`
	Multicast           bool              `json:"multicast"`
}

// ProtocolMismatchError is returned when a bitstream change cannot be
// honored by the connected server.
type ProtocolMismatchError struct {
	Requested protocol.Version4
	Current   protocol.Version4
	Reason    string
}

func (e *ProtocolMismatchError) Error() string {
	return fmt.Sprintf("cannot change bitstream to %d.%d (current %d.%d): %s",
		e.Requested[0], e.Requested[1], e.Current[0], e.Current[1], e.Reason)
}

// Session tracks the negotiated protocol version and the server identity.
// The command loop writes it; command senders and listeners read it.
type Session struct {
	mu    sync.RWMutex
	state State
}

// New returns an empty, disconnected session. The decode version stays zero
// until NAT_SERVERINFO reports the server's stream version.
func New(multicast bool) *Session {
	return &Session{state: State{Multicast: multicast}}
}

// MarkConnecting records that sockets are open and NAT_CONNECT was sent.
func (s *Session) MarkConnecting() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.Phase = AwaitingServerInfo
}

// ApplyServerInfo stores the server identity and completes the handshake.
// The first server info of a connection sets the decode version to the
// server's stream version; after that only CommitVersion changes it.
func (s *Session) ApplyServerInfo(info protocol.ServerInfo) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.ApplicationName = info.ApplicationName
	s.state.ServerAppVersion = info.ServerVersion
	s.state.ServerStreamVersion = info.StreamVersion
	if s.state.RequestedVersion.IsZero() {
		s.state.RequestedVersion = info.StreamVersion
		s.state.CanChangeBitstream = info.StreamVersion[0] >= 4 && !s.state.Multicast
	}
	s.state.Phase = Connected
}

// ApplyResponse tracks "Bitstream,X.Y" replies. It reports whether the
// stream version changed.
func (s *Session) ApplyResponse(resp protocol.Response) bool {
	if !resp.HasBitstream {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state.ServerStreamVersion == resp.Bitstream {
		return false
	}
	s.state.ServerStreamVersion = resp.Bitstream
	return true
}

// Connected is true once both sockets are open, the server has named itself
// and reported a non-zero version.
func (s *Session) Connected(socketsOpen bool) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return socketsOpen && s.state.ApplicationName != "" && !s.state.ServerAppVersion.IsZero()
}

// DecodeVersion is the layout used for incoming frames and descriptions.
func (s *Session) DecodeVersion() protocol.Version {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.RequestedVersion.Stream()
}

// PrepareVersionChange checks whether major.minor can be requested now.
func (s *Session) PrepareVersionChange(major, minor uint8) (protocol.Version4, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	requested := protocol.Version4{major, minor, 0, 0}
	current := s.state.RequestedVersion
	switch {
	case s.state.Phase != Connected:
		return requested, &ProtocolMismatchError{Requested: requested, Current: current, Reason: "not connected"}
	case !s.state.CanChangeBitstream:
		return requested, &ProtocolMismatchError{Requested: requested, Current: current, Reason: "server does not allow bitstream changes"}
	case current[0] == major && current[1] == minor:
		return requested, &ProtocolMismatchError{Requested: requested, Current: current, Reason: "already at requested version"}
	}
	return requested, nil
}

// CommitVersion stores a version the server accepted.
func (s *Session) CommitVersion(v protocol.Version4) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.RequestedVersion = v
}

// Reset returns to Disconnected and forgets the server and the negotiated
// version. The next handshake starts from an empty session.
func (s *Session) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = State{Multicast: s.state.Multicast}
}

func (s *Session) Snapshot() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}
