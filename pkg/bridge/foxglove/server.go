// Package foxglove serves decoded NatNet frames to Foxglove Studio over the
// foxglove.websocket.v1 protocol.
package foxglove

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"natnet/pkg/engine"
	"natnet/pkg/protocol"
)

const (
	markerTypeCube  = 1
	markerActionAdd = 0
	logLevelInfo    = 2
	markerNamespace = "natnet.labeled"
)

type Server struct {
	cfg    Config
	hub    *engine.Hub
	logger *slog.Logger

	mu      sync.RWMutex
	clients map[*client]struct{}
	names   map[int32]string
}

type Option func(*Server)

func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		if logger != nil {
			s.logger = logger
		}
	}
}

func NewServer(cfg Config, hub *engine.Hub, opts ...Option) *Server {
	s := &Server{
		cfg:     cfg.withDefaults(),
		hub:     hub,
		clients: make(map[*client]struct{}),
		names:   make(map[int32]string),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = slog.Default().With("component", "foxglove")
	}
	return s
}

func (s *Server) Run(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleWS)

	httpServer := &http.Server{
		Addr:    s.cfg.WSAddr,
		Handler: mux,
	}

	sub := s.hub.Subscribe()
	go s.broadcastLoop(ctx, sub)

	errCh := make(chan error, 1)
	go func() {
		errCh <- httpServer.ListenAndServe()
	}()
	s.logger.Info("foxglove bridge listening", "addr", s.cfg.WSAddr)

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = httpServer.Shutdown(shutdownCtx)
		cancel()
		return nil
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return fmt.Errorf("foxglove listen %s: %w", s.cfg.WSAddr, err)
	}
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	upgrader := websocket.Upgrader{
		Subprotocols: []string{Subprotocol},
		CheckOrigin: func(*http.Request) bool {
			return true
		},
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("websocket upgrade failed", "error", err)
		return
	}

	c := newClient(conn, s.cfg.SendBuf)
	s.addClient(c)
	defer func() {
		c.close()
		s.removeClient(c)
	}()

	if err := conn.WriteJSON(s.serverInfo()); err != nil {
		return
	}
	if err := conn.WriteJSON(s.advertise()); err != nil {
		return
	}
	s.logger.Debug("foxglove client connected", "remote", r.RemoteAddr)

	go c.writeLoop()
	c.readLoop()
}

func (s *Server) serverInfo() ServerInfoMsg {
	return ServerInfoMsg{
		Op:                 OpServerInfo,
		Name:               s.cfg.Name,
		Capabilities:       []string{},
		SupportedEncodings: []string{},
		SessionID:          strconv.FormatInt(time.Now().UTC().UnixNano(), 10),
	}
}

func (s *Server) advertise() AdvertiseMsg {
	return AdvertiseMsg{Op: OpAdvertise, Channels: []Channel{
		{ID: FrameChannelID, Topic: s.cfg.Topic, Encoding: "json", SchemaName: "natnet.Frame", SchemaEncoding: "jsonschema", Schema: frameSchema},
		{ID: TransformChannelID, Topic: s.cfg.TransformTopic, Encoding: "json", SchemaName: "foxglove.FrameTransforms", SchemaEncoding: "jsonschema", Schema: transformSchema},
		{ID: MarkerChannelID, Topic: s.cfg.MarkerTopic, Encoding: "json", SchemaName: "visualization_msgs/MarkerArray", SchemaEncoding: "jsonschema", Schema: markerSchema},
		{ID: LogChannelID, Topic: s.cfg.LogTopic, Encoding: "json", SchemaName: "foxglove.Log", SchemaEncoding: "jsonschema", Schema: logSchema},
	}}
}

func (s *Server) broadcastLoop(ctx context.Context, sub <-chan engine.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub:
			if !ok {
				return
			}
			s.broadcastEvent(ev)
		}
	}
}

func (s *Server) broadcastEvent(ev engine.Event) {
	ts := ev.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}

	switch ev.Kind {
	case engine.KindFrame:
		if ev.Frame == nil {
			return
		}
		s.publishJSONToChannel(FrameChannelID, ts, s.frameSummary(ev.Frame, ts))
		if tf, ok := s.transformsFromFrame(ev.Frame, ts); ok {
			s.publishJSONToChannel(TransformChannelID, ts, tf)
		}
		if markers, ok := s.markersFromFrame(ev.Frame, ts); ok {
			s.publishJSONToChannel(MarkerChannelID, ts, markers)
		}
	case engine.KindDescriptions:
		if ev.Descriptions == nil {
			return
		}
		s.setNames(ev.Descriptions)
		s.publishJSONToChannel(LogChannelID, ts, s.descriptionLog(ev.Descriptions, ts))
	}
}

func (s *Server) publishJSONToChannel(channelID uint64, ts time.Time, message any) {
	payload, err := json.Marshal(message)
	if err != nil {
		return
	}

	logTime := uint64(ts.UnixNano())
	for _, c := range s.snapshotClients() {
		for _, subID := range c.subIDsForChannel(channelID) {
			c.trySend(EncodeMessageData(subID, logTime, payload))
		}
	}
}

func (s *Server) frameSummary(f *protocol.Frame, ts time.Time) FrameSummary {
	return FrameSummary{
		FrameNumber:          f.FrameNumber,
		TS:                   ts.UTC().Format(time.RFC3339Nano),
		Timestamp:            f.Suffix.Timestamp,
		Timecode:             f.Suffix.Timecode,
		RigidBodies:          len(f.RigidBodies),
		Skeletons:            len(f.Skeletons),
		LabeledMarkers:       len(f.LabeledMarkers),
		UnlabeledMarkers:     len(f.UnlabeledMarkers),
		Recording:            f.Suffix.IsRecording(),
		TrackedModelsChanged: f.Suffix.TrackedModelsChanged(),
	}
}

// setNames replaces the rigid body names used as child frame ids.
func (s *Server) setNames(descs *protocol.Descriptions) {
	names := descs.RigidBodyNames()
	s.mu.Lock()
	s.names = names
	s.mu.Unlock()
}

func (s *Server) frameID(id int32) string {
	s.mu.RLock()
	name, ok := s.names[id]
	s.mu.RUnlock()
	if ok && name != "" {
		return name
	}
	return s.cfg.FramePrefix + strconv.Itoa(int(id))
}

func (s *Server) transformsFromFrame(f *protocol.Frame, ts time.Time) (FrameTransforms, bool) {
	if len(f.RigidBodies) == 0 {
		return FrameTransforms{}, false
	}
	out := FrameTransforms{Transforms: make([]FrameTransform, 0, len(f.RigidBodies))}
	for _, rb := range f.RigidBodies {
		out.Transforms = append(out.Transforms, FrameTransform{
			Timestamp:     frameTime(ts),
			ParentFrameID: s.cfg.ParentFrameID,
			ChildFrameID:  s.frameID(rb.ID),
			Translation:   vector(rb.Position),
			Rotation: Quaternion{
				X: float64(rb.Rotation.X),
				Y: float64(rb.Rotation.Y),
				Z: float64(rb.Rotation.Z),
				W: float64(rb.Rotation.W),
			},
		})
	}
	return out, true
}

func (s *Server) markersFromFrame(f *protocol.Frame, ts time.Time) (MarkerArray, bool) {
	if len(f.LabeledMarkers) == 0 {
		return MarkerArray{}, false
	}
	scale := s.cfg.MarkerScale
	out := MarkerArray{Markers: make([]Marker, 0, len(f.LabeledMarkers))}
	for _, m := range f.LabeledMarkers {
		size := scale
		if m.Size > 0 {
			size = float64(m.Size)
		}
		out.Markers = append(out.Markers, Marker{
			Header: MarkerHeader{FrameID: s.cfg.ParentFrameID, Stamp: frameTime(ts)},
			NS:     markerNamespace,
			ID:     m.ID,
			Type:   markerTypeCube,
			Action: markerActionAdd,
			Pose: MarkerPose{
				Position:    vector(m.Position),
				Orientation: Quaternion{W: 1},
			},
			Scale: Vector3{X: size, Y: size, Z: size},
			Color: markerColor(m),
		})
	}
	return out, true
}

func markerColor(m protocol.LabeledMarker) ColorRGBA {
	switch {
	case m.Occluded():
		return ColorRGBA{R: 0.5, G: 0.5, B: 0.5, A: 0.5}
	case m.ModelSolved():
		return ColorRGBA{R: 0.2, G: 0.8, B: 0.2, A: 1}
	default:
		return ColorRGBA{R: 1, G: 1, B: 1, A: 1}
	}
}

func (s *Server) descriptionLog(descs *protocol.Descriptions, ts time.Time) LogMessage {
	counts := make(map[protocol.DatasetType]int)
	for _, ds := range descs.Datasets {
		counts[ds.Kind()]++
	}
	return LogMessage{
		Timestamp: frameTime(ts),
		Level:     logLevelInfo,
		Message: fmt.Sprintf("descriptions: %d rigid bodies, %d skeletons, %d marker sets, %d skipped",
			counts[protocol.DatasetRigidBody], counts[protocol.DatasetSkeleton], counts[protocol.DatasetMarkerSet], len(descs.Skipped)),
		Name: s.cfg.Name,
	}
}

func vector(v protocol.Vec3) Vector3 {
	return Vector3{X: float64(v.X), Y: float64(v.Y), Z: float64(v.Z)}
}

func (s *Server) addClient(c *client) {
	s.mu.Lock()
	s.clients[c] = struct{}{}
	s.mu.Unlock()
}

func (s *Server) removeClient(c *client) {
	s.mu.Lock()
	delete(s.clients, c)
	s.mu.Unlock()
}

func (s *Server) snapshotClients() []*client {
	s.mu.RLock()
	clients := make([]*client, 0, len(s.clients))
	for c := range s.clients {
		clients = append(clients, c)
	}
	s.mu.RUnlock()
	return clients
}
