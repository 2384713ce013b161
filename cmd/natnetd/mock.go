package main

import (
	"context"
	"math"
	"sync/atomic"
	"time"

	"natnet/pkg/engine"
	"natnet/pkg/protocol"
	"natnet/pkg/session"
)

const (
	mockRollAmplitudeRad  = 35.0 * math.Pi / 180.0
	mockPitchAmplitudeRad = 25.0 * math.Pi / 180.0
	mockYawAmplitudeRad   = 40.0 * math.Pi / 180.0

	mockRollFreqHz  = 0.23
	mockPitchFreqHz = 0.31
	mockYawFreqHz   = 0.17

	mockRollPhaseRad  = 0.0
	mockPitchPhaseRad = math.Pi / 3.0
	mockYawPhaseRad   = 2.0 * math.Pi / 3.0

	mockOrbitRadius  = 0.75
	mockOrbitFreqHz  = 0.1
	mockMarkersPerRB = 3
	mockMarkerOffset = 0.05
)

// mockSource stands in for a live client when serving synthetic frames.
type mockSource struct {
	bodies int
	frames atomic.Uint64
	descs  *protocol.Descriptions
}

func newMockSource(bodies int) *mockSource {
	if bodies <= 0 {
		bodies = 1
	}
	return &mockSource{bodies: bodies, descs: mockDescriptions(bodies)}
}

func (m *mockSource) State() session.State {
	return session.State{
		Phase:               session.Connected,
		ApplicationName:     "natnetd mock",
		ServerStreamVersion: protocol.DefaultConnectVersion,
		ServerAppVersion:    protocol.DefaultConnectVersion,
		RequestedVersion:    protocol.DefaultConnectVersion,
	}
}

func (m *mockSource) Descriptions() *protocol.Descriptions { return m.descs }

func (m *mockSource) Frames() uint64 { return m.frames.Load() }

// run publishes the descriptions once and then hz frames per second until
// ctx ends.
func (m *mockSource) run(ctx context.Context, hub *engine.Hub, hz int) {
	if hz <= 0 {
		hz = 120
	}
	hub.OnDescriptions(m.descs)

	ticker := time.NewTicker(time.Second / time.Duration(hz))
	defer ticker.Stop()

	start := time.Now()
	var number int32
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			number++
			hub.OnFrame(mockFrame(number, m.bodies, time.Since(start).Seconds()))
			m.frames.Add(1)
		}
	}
}

func mockDescriptions(bodies int) *protocol.Descriptions {
	descs := &protocol.Descriptions{}
	for i := 0; i < bodies; i++ {
		descs.Datasets = append(descs.Datasets, &protocol.RigidBodyDescription{
			Name:     mockBodyName(i),
			ID:       int32(i + 1),
			ParentID: -1,
		})
	}
	return descs
}

func mockBodyName(i int) string {
	names := []string{"Wand", "Head", "Hand", "Foot"}
	if i < len(names) {
		return names[i]
	}
	return "Body" + string(rune('A'+i%26))
}

// mockFrame places each rigid body on a circle around the origin and
// rotates it; labeled markers sit on the body's axes.
func mockFrame(number int32, bodies int, t float64) *protocol.Frame {
	f := &protocol.Frame{
		FrameNumber: number,
		Suffix: protocol.FrameSuffix{
			Timestamp:    t,
			HasTimestamp: true,
		},
	}
	for i := 0; i < bodies; i++ {
		phase := 2 * math.Pi * float64(i) / float64(bodies)
		angle := 2*math.Pi*mockOrbitFreqHz*t + phase
		pos := protocol.Vec3{
			X: float32(mockOrbitRadius * math.Cos(angle)),
			Y: float32(mockOrbitRadius * math.Sin(angle)),
			Z: 1,
		}
		id := int32(i + 1)
		f.RigidBodies = append(f.RigidBodies, protocol.RigidBody{
			ID:            id,
			Position:      pos,
			Rotation:      mockQuaternion(t + phase),
			MeanError:     0.0002,
			TrackingValid: true,
		})
		for m := 0; m < mockMarkersPerRB; m++ {
			marker := pos
			switch m {
			case 0:
				marker.X += mockMarkerOffset
			case 1:
				marker.Y += mockMarkerOffset
			default:
				marker.Z += mockMarkerOffset
			}
			f.LabeledMarkers = append(f.LabeledMarkers, protocol.LabeledMarker{
				ID:       protocol.PackMarkerID(uint16(id), uint16(m+1)),
				Position: marker,
				Size:     0.014,
			})
		}
	}
	return f
}

func mockEulerAngles(t float64) (roll float64, pitch float64, yaw float64) {
	roll = mockRollAmplitudeRad * math.Sin(2.0*math.Pi*mockRollFreqHz*t+mockRollPhaseRad)
	pitch = mockPitchAmplitudeRad * math.Sin(2.0*math.Pi*mockPitchFreqHz*t+mockPitchPhaseRad)
	yaw = mockYawAmplitudeRad * math.Sin(2.0*math.Pi*mockYawFreqHz*t+mockYawPhaseRad)
	return
}

func mockQuaternion(t float64) protocol.Quat {
	roll, pitch, yaw := mockEulerAngles(t)
	cr := math.Cos(roll * 0.5)
	sr := math.Sin(roll * 0.5)
	cp := math.Cos(pitch * 0.5)
	sp := math.Sin(pitch * 0.5)
	cy := math.Cos(yaw * 0.5)
	sy := math.Sin(yaw * 0.5)

	// ZYX intrinsic rotation (yaw -> pitch -> roll).
	w := cr*cp*cy + sr*sp*sy
	x := sr*cp*cy - cr*sp*sy
	y := cr*sp*cy + sr*cp*sy
	z := cr*cp*sy - sr*sp*cy

	norm := math.Sqrt(w*w + x*x + y*y + z*z)
	if norm == 0 {
		return protocol.Quat{W: 1}
	}
	inv := 1.0 / norm
	return protocol.Quat{
		W: float32(w * inv),
		X: float32(x * inv),
		Y: float32(y * inv),
		Z: float32(z * inv),
	}
}
