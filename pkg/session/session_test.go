package session_test

import (
	"errors"
	"sync"
	"testing"

	"natnet/pkg/protocol"
	"natnet/pkg/session"
)

func motiveInfo() protocol.ServerInfo {
	return protocol.ServerInfo{
		ApplicationName: "Motive",
		ServerVersion:   protocol.Version4{4, 1, 0, 0},
		StreamVersion:   protocol.Version4{4, 1, 0, 0},
	}
}

func TestServerInfoCompletesHandshake(t *testing.T) {
	s := session.New(false)
	s.MarkConnecting()
	if got := s.Snapshot().Phase; got != session.AwaitingServerInfo {
		t.Fatalf("unexpected phase after connect: %s", got)
	}

	s.ApplyServerInfo(motiveInfo())
	state := s.Snapshot()
	if state.Phase != session.Connected || state.ApplicationName != "Motive" {
		t.Fatalf("unexpected state: %+v", state)
	}
	if state.ServerStreamVersion != (protocol.Version4{4, 1, 0, 0}) {
		t.Fatalf("unexpected stream version %s", state.ServerStreamVersion)
	}
	if state.RequestedVersion != (protocol.Version4{4, 1, 0, 0}) {
		t.Fatalf("requested version not adopted: %s", state.RequestedVersion)
	}
	if !state.CanChangeBitstream {
		t.Fatalf("unicast 4.x server should allow bitstream changes")
	}
	if s.Connected(false) {
		t.Fatalf("connected without sockets")
	}
	if !s.Connected(true) {
		t.Fatalf("expected connected with sockets open")
	}
	if s.DecodeVersion() != (protocol.Version{Major: 4, Minor: 1}) {
		t.Fatalf("unexpected decode version %s", s.DecodeVersion())
	}
}

func TestServerInfoMulticastCannotChangeBitstream(t *testing.T) {
	s := session.New(true)
	s.ApplyServerInfo(motiveInfo())
	if s.Snapshot().CanChangeBitstream {
		t.Fatalf("multicast must not allow bitstream changes")
	}
	_, err := s.PrepareVersionChange(3, 1)
	var mismatch *session.ProtocolMismatchError
	if !errors.As(err, &mismatch) {
		t.Fatalf("expected ProtocolMismatchError, got %v", err)
	}
}

func TestServerInfoDecodesWithServerStreamVersion(t *testing.T) {
	s := session.New(true)
	if !s.DecodeVersion().IsZero() {
		t.Fatalf("new session must start empty, got %s", s.DecodeVersion())
	}
	s.ApplyServerInfo(motiveInfo())
	state := s.Snapshot()
	if state.RequestedVersion != (protocol.Version4{4, 1, 0, 0}) || state.CanChangeBitstream {
		t.Fatalf("unexpected state: %+v", state)
	}
	if s.DecodeVersion() != (protocol.Version{Major: 4, Minor: 1}) {
		t.Fatalf("decode must follow the server stream version, got %s", s.DecodeVersion())
	}
}

func TestServerInfoKeepsCommittedVersion(t *testing.T) {
	s := session.New(false)
	s.ApplyServerInfo(motiveInfo())
	requested, err := s.PrepareVersionChange(3, 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	s.CommitVersion(requested)

	s.ApplyServerInfo(motiveInfo())
	state := s.Snapshot()
	if state.RequestedVersion != (protocol.Version4{3, 0, 0, 0}) {
		t.Fatalf("committed version overwritten: %s", state.RequestedVersion)
	}
	if !state.CanChangeBitstream {
		t.Fatalf("repeated server info must not revoke bitstream changes")
	}
}

func TestPrepareVersionChange(t *testing.T) {
	s := session.New(false)
	if _, err := s.PrepareVersionChange(3, 0); err == nil {
		t.Fatalf("expected error before handshake")
	}

	s.ApplyServerInfo(motiveInfo())
	_, err := s.PrepareVersionChange(4, 1)
	var mismatch *session.ProtocolMismatchError
	if !errors.As(err, &mismatch) || mismatch.Reason != "already at requested version" {
		t.Fatalf("expected same-version mismatch, got %v", err)
	}

	requested, err := s.PrepareVersionChange(3, 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	s.CommitVersion(requested)
	if s.DecodeVersion() != (protocol.Version{Major: 3, Minor: 0}) {
		t.Fatalf("commit not applied: %s", s.DecodeVersion())
	}
}

func TestServerInfoTooOldForBitstreamChange(t *testing.T) {
	s := session.New(false)
	s.ApplyServerInfo(protocol.ServerInfo{
		ApplicationName: "Motive",
		ServerVersion:   protocol.Version4{2, 10, 0, 0},
		StreamVersion:   protocol.Version4{3, 1, 0, 0},
	})
	if s.Snapshot().CanChangeBitstream {
		t.Fatalf("3.x server must not allow bitstream changes")
	}
}

func TestApplyResponseTracksBitstream(t *testing.T) {
	s := session.New(false)
	s.ApplyServerInfo(motiveInfo())
	if s.ApplyResponse(protocol.Response{Text: "OK"}) {
		t.Fatalf("plain text must not change the version")
	}
	if !s.ApplyResponse(protocol.Response{Text: "Bitstream,3.1", Bitstream: protocol.Version4{3, 1, 0, 0}, HasBitstream: true}) {
		t.Fatalf("expected version change")
	}
	if got := s.Snapshot().ServerStreamVersion; got != (protocol.Version4{3, 1, 0, 0}) {
		t.Fatalf("unexpected stream version %s", got)
	}
}

func TestResetClearsNegotiatedVersion(t *testing.T) {
	s := session.New(false)
	s.ApplyServerInfo(motiveInfo())
	requested, err := s.PrepareVersionChange(3, 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	s.CommitVersion(requested)
	s.Reset()
	state := s.Snapshot()
	if state.Phase != session.Disconnected || state.ApplicationName != "" || s.Connected(true) {
		t.Fatalf("reset left server state behind: %+v", state)
	}
	if !state.RequestedVersion.IsZero() || state.CanChangeBitstream {
		t.Fatalf("reset kept the negotiated version: %+v", state)
	}

	s.ApplyServerInfo(motiveInfo())
	if s.DecodeVersion() != (protocol.Version{Major: 4, Minor: 1}) {
		t.Fatalf("reconnect must adopt the server stream version, got %s", s.DecodeVersion())
	}
}

func TestConcurrentAccess(t *testing.T) {
	s := session.New(false)
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				s.ApplyServerInfo(motiveInfo())
			}
		}()
		go func() {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				_ = s.Snapshot()
				_ = s.DecodeVersion()
			}
		}()
	}
	wg.Wait()
}
