package natnettest

import (
	"errors"
	"net"
	"strings"
	"sync"
	"time"

	"natnet/pkg/protocol"
)

// Request is one packet the fake server received on its command port.
type Request struct {
	ID   protocol.MessageID
	Text string
	From *net.UDPAddr
}

// Server is a loopback NatNet server. It answers NAT_CONNECT, text
// commands and description requests, and sends frames to the last client
// that connected, which is how a unicast server addresses its client.
type Server struct {
	conn *net.UDPConn
	info protocol.ServerInfo

	mu           sync.Mutex
	stream       protocol.Version4
	client       *net.UDPAddr
	requests     []Request
	descriptions []protocol.Dataset
	frame        *protocol.Frame

	wg sync.WaitGroup
}

// NewServer listens on an ephemeral loopback port and starts serving.
// Close must be called to release the socket.
func NewServer(info protocol.ServerInfo) (*Server, error) {
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		return nil, err
	}
	s := &Server{conn: conn, info: info, stream: info.StreamVersion}
	s.wg.Add(1)
	go s.serve()
	return s, nil
}

// Port is the command port clients should send to.
func (s *Server) Port() int {
	return s.conn.LocalAddr().(*net.UDPAddr).Port
}

// StreamVersion is the bitstream version frames are currently encoded with.
func (s *Server) StreamVersion() protocol.Version4 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stream
}

// SetDescriptions sets the datasets returned for NAT_REQUEST_MODELDEF.
func (s *Server) SetDescriptions(datasets []protocol.Dataset) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.descriptions = datasets
}

// SetFrame sets the frame returned for NAT_REQUEST_FRAMEOFDATA.
func (s *Server) SetFrame(f *protocol.Frame) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frame = f
}

// Requests returns a copy of everything received so far.
func (s *Server) Requests() []Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Request(nil), s.requests...)
}

// Await polls until a received request satisfies match or timeout elapses.
func (s *Server) Await(match func(Request) bool, timeout time.Duration) (Request, bool) {
	deadline := time.Now().Add(timeout)
	for {
		for _, req := range s.Requests() {
			if match(req) {
				return req, true
			}
		}
		if time.Now().After(deadline) {
			return Request{}, false
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// Commands returns the text of every NAT_REQUEST received, in order.
func (s *Server) Commands() []string {
	var out []string
	for _, req := range s.Requests() {
		if req.ID == protocol.NatRequest {
			out = append(out, req.Text)
		}
	}
	return out
}

// SendFrame encodes f with the current bitstream version and sends it to the
// connected client.
func (s *Server) SendFrame(f *protocol.Frame) error {
	s.mu.Lock()
	v := s.stream.Stream()
	s.mu.Unlock()
	return s.Send(Packet(protocol.NatFrameOfData, EncodeFrame(f, v)))
}

// Send writes raw to the connected client.
func (s *Server) Send(raw []byte) error {
	s.mu.Lock()
	client := s.client
	s.mu.Unlock()
	if client == nil {
		return errors.New("natnettest: no client connected")
	}
	_, err := s.conn.WriteToUDP(raw, client)
	return err
}

func (s *Server) Close() {
	_ = s.conn.Close()
	s.wg.Wait()
}

func (s *Server) serve() {
	defer s.wg.Done()
	buf := make([]byte, 64*1024)
	for {
		n, from, err := s.conn.ReadFromUDP(buf)
		if err != nil {
			return
		}
		h, err := protocol.PeekHeader(buf[:n])
		if err != nil {
			continue
		}
		req := Request{ID: h.ID, From: from}
		if h.ID == protocol.NatRequest {
			req.Text = protocol.ParseText(buf[protocol.HeaderSize:n])
		}
		if reply := s.handle(req); reply != nil {
			_, _ = s.conn.WriteToUDP(reply, from)
		}
	}
}

func (s *Server) handle(req Request) []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests = append(s.requests, req)

	switch req.ID {
	case protocol.NatConnect:
		s.client = req.From
		return Packet(protocol.NatServerInfo, ServerInfoPayload(s.info.ApplicationName, s.info.ServerVersion, s.stream))
	case protocol.NatRequestModelDef:
		return Packet(protocol.NatModelDef, EncodeDescriptions(s.descriptions, s.stream.Stream()))
	case protocol.NatRequestFrameOfData:
		if s.frame == nil {
			return nil
		}
		return Packet(protocol.NatFrameOfData, EncodeFrame(s.frame, s.stream.Stream()))
	case protocol.NatRequest:
		return s.command(req.Text)
	}
	return nil
}

func (s *Server) command(text string) []byte {
	b := &Builder{}
	switch {
	case text == "Bitstream":
		b.CString("Bitstream," + s.stream.String())
	case strings.HasPrefix(text, "Bitstream,"):
		v, ok := protocol.ParseBitstreamReply(text)
		if !ok {
			return Packet(protocol.NatUnrecognizedRequest, nil)
		}
		s.stream = v
		b.I32(0)
	default:
		b.I32(0)
	}
	return Packet(protocol.NatResponse, b.Buf)
}
