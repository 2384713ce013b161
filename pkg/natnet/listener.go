package natnet

import (
	"natnet/pkg/protocol"
	"natnet/pkg/transport"
)

// FrameListener receives every cleanly decoded NAT_FRAMEOFDATA. It runs on
// the receiving goroutine; the data and command loops may call it
// concurrently, so implementations guard their own state.
type FrameListener interface {
	OnFrame(frame *protocol.Frame)
}

type FrameListenerFunc func(frame *protocol.Frame)

func (f FrameListenerFunc) OnFrame(frame *protocol.Frame) { f(frame) }

// RigidBodyListener is called once per top-level rigid body of each frame,
// after the frame listener.
type RigidBodyListener interface {
	OnRigidBody(frameNumber int32, body protocol.RigidBody)
}

type RigidBodyListenerFunc func(frameNumber int32, body protocol.RigidBody)

func (f RigidBodyListenerFunc) OnRigidBody(frameNumber int32, body protocol.RigidBody) {
	f(frameNumber, body)
}

// DescriptionListener receives each NAT_MODELDEF reply.
type DescriptionListener interface {
	OnDescriptions(descs *protocol.Descriptions)
}

type DescriptionListenerFunc func(descs *protocol.Descriptions)

func (f DescriptionListenerFunc) OnDescriptions(descs *protocol.Descriptions) { f(descs) }

// Observer sees every dispatched datagram, including ones that failed to
// decode. Metrics and taps hang off this.
type Observer interface {
	OnMessage(socket transport.Socket, msg protocol.Message, err error)
}

type ObserverFunc func(socket transport.Socket, msg protocol.Message, err error)

func (f ObserverFunc) OnMessage(socket transport.Socket, msg protocol.Message, err error) {
	f(socket, msg, err)
}
