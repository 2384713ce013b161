package transport

import (
	"errors"
	"net"
	"time"

	"natnet/pkg/protocol"
)

// Start launches one receive loop per socket. Both loops hand every datagram
// to handler on their own goroutine, so handler must be safe for concurrent
// use. Calling Start again is a no-op.
func (s *Sockets) Start(handler Handler) {
	if !s.started.CompareAndSwap(false, true) {
		return
	}
	s.wg.Add(2)
	go s.receive(SocketCommand, s.command, handler)
	go s.receive(SocketData, s.data, handler)
}

func (s *Sockets) receive(socket Socket, conn *net.UDPConn, handler Handler) {
	defer s.wg.Done()
	buf := make([]byte, s.bufSize)
	keepAlive := socket == SocketCommand && !s.cfg.Multicast

	for {
		if s.stopping.Load() {
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(s.readTimeout))
		n, _, err := conn.ReadFromUDP(buf)

		idle := false
		switch {
		case err == nil:
			if n > 0 {
				handler(socket, buf[:n])
			}
		case s.stopping.Load():
			return
		case isTimeout(err):
			idle = true
		case errors.Is(err, net.ErrClosed):
			s.handleError(&SocketError{Socket: socket, Err: err, Fatal: true})
			return
		default:
			s.handleError(&SocketError{Socket: socket, Err: err})
		}

		if keepAlive && !s.stopping.Load() {
			s.keepAlive(idle)
		}
	}
}

// keepAlive holds the server-side unicast session open. It always sends
// after an idle timeout and otherwise at most once per interval.
func (s *Sockets) keepAlive(idle bool) {
	now := time.Now().UnixNano()
	if !idle && now-s.lastKeepAlive.Load() < int64(s.keepAliveInterval) {
		return
	}
	s.lastKeepAlive.Store(now)
	if _, err := s.SendRequest(protocol.NatKeepAlive); err != nil && !s.stopping.Load() {
		s.logger.Debug("keep-alive failed", "error", err)
	}
}

func isTimeout(err error) bool {
	var nerr net.Error
	return errors.As(err, &nerr) && nerr.Timeout()
}

func (s *Sockets) handleError(err error) {
	s.logger.Warn("socket error", "error", err)
	if s.errorHandler != nil {
		s.errorHandler(err)
	}
}
