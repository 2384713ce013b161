// Package natnettest encodes NatNet packets the way a server does and runs
// a loopback fake server, for tests of the client side.
package natnettest

import (
	"encoding/binary"
	"math"

	"natnet/pkg/protocol"
)

// Builder appends little-endian NatNet fields.
type Builder struct {
	Buf []byte
}

func (b *Builder) I16(v int16) *Builder {
	b.Buf = binary.LittleEndian.AppendUint16(b.Buf, uint16(v))
	return b
}

func (b *Builder) I32(v int32) *Builder {
	b.Buf = binary.LittleEndian.AppendUint32(b.Buf, uint32(v))
	return b
}

func (b *Builder) I64(v int64) *Builder {
	b.Buf = binary.LittleEndian.AppendUint64(b.Buf, uint64(v))
	return b
}

func (b *Builder) F32(v float32) *Builder {
	b.Buf = binary.LittleEndian.AppendUint32(b.Buf, math.Float32bits(v))
	return b
}

func (b *Builder) F64(v float64) *Builder {
	b.Buf = binary.LittleEndian.AppendUint64(b.Buf, math.Float64bits(v))
	return b
}

func (b *Builder) Vec3(v protocol.Vec3) *Builder {
	return b.F32(v.X).F32(v.Y).F32(v.Z)
}

func (b *Builder) Quat(q protocol.Quat) *Builder {
	return b.F32(q.X).F32(q.Y).F32(q.Z).F32(q.W)
}

func (b *Builder) CString(s string) *Builder {
	b.Buf = append(b.Buf, s...)
	b.Buf = append(b.Buf, 0x00)
	return b
}

func (b *Builder) Raw(p []byte) *Builder {
	b.Buf = append(b.Buf, p...)
	return b
}

// Section writes a count, the 4.1+ size prefix and the body.
func (b *Builder) Section(v protocol.Version, count int, body *Builder) *Builder {
	b.I32(int32(count))
	if v.HasSizePrefix() {
		b.I32(int32(len(body.Buf)))
	}
	return b.Raw(body.Buf)
}

// Packet prepends the message header.
func Packet(id protocol.MessageID, payload []byte) []byte {
	out := binary.LittleEndian.AppendUint16(nil, uint16(int16(id)))
	out = binary.LittleEndian.AppendUint16(out, uint16(int16(len(payload))))
	return append(out, payload...)
}

func encodeRigidBody(b *Builder, rb protocol.RigidBody, v protocol.Version) {
	b.I32(rb.ID).Vec3(rb.Position).Quat(rb.Rotation)
	if v.HasRigidBodyMarkers() {
		b.I32(int32(len(rb.Markers)))
		for _, m := range rb.Markers {
			b.Vec3(m.Position)
		}
		if v.HasRigidBodyMarkerDetail() {
			for _, m := range rb.Markers {
				b.I32(m.ID)
			}
			for _, m := range rb.Markers {
				b.F32(m.Size)
			}
		}
	}
	if v.HasMeanError() {
		b.F32(rb.MeanError)
	}
	if v.HasTrackingValid() {
		var param int16
		if rb.TrackingValid {
			param = 0x01
		}
		b.I16(param)
	}
}

func encodeAnalog(b *Builder, id int32, channels []protocol.AnalogChannel) {
	b.I32(id).I32(int32(len(channels)))
	for _, ch := range channels {
		b.I32(int32(len(ch.Frames)))
		for _, f := range ch.Frames {
			b.F32(f)
		}
	}
}

// EncodeFrame serializes f for version v, dropping sections v does not carry.
func EncodeFrame(f *protocol.Frame, v protocol.Version) []byte {
	b := &Builder{}
	b.I32(f.FrameNumber)

	body := &Builder{}
	for _, ms := range f.MarkerSets {
		body.CString(ms.Name).I32(int32(len(ms.Markers)))
		for _, m := range ms.Markers {
			body.Vec3(m)
		}
	}
	b.Section(v, len(f.MarkerSets), body)

	body = &Builder{}
	for _, m := range f.UnlabeledMarkers {
		body.Vec3(m)
	}
	b.Section(v, len(f.UnlabeledMarkers), body)

	body = &Builder{}
	for _, rb := range f.RigidBodies {
		encodeRigidBody(body, rb, v)
	}
	b.Section(v, len(f.RigidBodies), body)

	if v.HasSkeletons() {
		body = &Builder{}
		for _, sk := range f.Skeletons {
			body.I32(sk.ID).I32(int32(len(sk.RigidBodies)))
			for _, rb := range sk.RigidBodies {
				encodeRigidBody(body, rb, v)
			}
		}
		b.Section(v, len(f.Skeletons), body)
	}

	if v.HasAssets() {
		body = &Builder{}
		for _, a := range f.Assets {
			body.I32(a.ID).I32(int32(len(a.RigidBodies)))
			for _, rb := range a.RigidBodies {
				body.I32(rb.ID).Vec3(rb.Position).Quat(rb.Rotation).F32(rb.MeanError).I16(rb.Params)
			}
			body.I32(int32(len(a.Markers)))
			for _, m := range a.Markers {
				body.I32(m.ID).Vec3(m.Position).F32(m.Size).I16(m.Params).F32(m.Residual)
			}
		}
		b.Section(v, len(f.Assets), body)
	}

	if v.HasLabeledMarkers() {
		body = &Builder{}
		for _, m := range f.LabeledMarkers {
			body.I32(m.ID).Vec3(m.Position).F32(m.Size)
			if v.HasLabeledMarkerParams() {
				body.I16(m.Params)
			}
			if v.HasLabeledMarkerResidual() {
				body.F32(m.Residual)
			}
		}
		b.Section(v, len(f.LabeledMarkers), body)
	}

	if v.HasForcePlates() {
		body = &Builder{}
		for _, fp := range f.ForcePlates {
			encodeAnalog(body, fp.ID, fp.Channels)
		}
		b.Section(v, len(f.ForcePlates), body)
	}

	if v.HasDevices() {
		body = &Builder{}
		for _, dev := range f.Devices {
			encodeAnalog(body, dev.ID, dev.Channels)
		}
		b.Section(v, len(f.Devices), body)
	}

	s := f.Suffix
	b.I32(s.Timecode).I32(s.TimecodeSub)
	if v.HasDoubleTimestamp() {
		b.F64(s.Timestamp)
	} else {
		b.F32(float32(s.Timestamp))
	}
	if v.HasHighResTimestamps() {
		b.I64(s.CameraMidExposure).I64(s.DataReceived).I64(s.Transmit)
	}
	if v.HasPrecisionTimestamp() {
		b.I32(s.PrecisionSeconds).I32(s.PrecisionFraction)
	}
	b.I16(s.Params)
	return b.Buf
}

func encodeRigidBodyDescription(b *Builder, rb *protocol.RigidBodyDescription, v protocol.Version) {
	if v.HasRigidBodyName() {
		b.CString(rb.Name)
	}
	b.I32(rb.ID).I32(rb.ParentID).Vec3(rb.Offset)
	if v.HasRigidBodyRotation() {
		b.Quat(rb.Rotation)
	}
	if !v.HasDescriptionMarkers() {
		return
	}
	b.I32(int32(len(rb.Markers)))
	for _, m := range rb.Markers {
		b.Vec3(m.Offset)
	}
	for _, m := range rb.Markers {
		b.I32(m.ActiveLabel)
	}
	if v.HasDescriptionMarkerNames() {
		for _, m := range rb.Markers {
			b.CString(m.Name)
		}
	}
}

func encodeNames(b *Builder, names []string) {
	b.I32(int32(len(names)))
	for _, n := range names {
		b.CString(n)
	}
}

// EncodeDataset serializes one dataset body without its tag.
func EncodeDataset(ds protocol.Dataset, v protocol.Version) []byte {
	b := &Builder{}
	switch d := ds.(type) {
	case *protocol.MarkerSetDescription:
		b.CString(d.Name)
		encodeNames(b, d.MarkerNames)
	case *protocol.RigidBodyDescription:
		encodeRigidBodyDescription(b, d, v)
	case *protocol.SkeletonDescription:
		b.CString(d.Name).I32(d.ID).I32(int32(len(d.RigidBodies)))
		for _, rb := range d.RigidBodies {
			encodeRigidBodyDescription(b, rb, v)
		}
	case *protocol.ForcePlateDescription:
		b.I32(d.ID).CString(d.SerialNumber).F32(d.Width).F32(d.Length).Vec3(d.Origin)
		for _, row := range d.CalibrationMatrix {
			for _, val := range row {
				b.F32(val)
			}
		}
		for _, c := range d.Corners {
			b.Vec3(c)
		}
		b.I32(d.PlateType).I32(d.ChannelDataType)
		encodeNames(b, d.ChannelNames)
	case *protocol.DeviceDescription:
		b.I32(d.ID).CString(d.Name).CString(d.SerialNumber).I32(d.DeviceType).I32(d.ChannelDataType)
		encodeNames(b, d.ChannelNames)
	case *protocol.CameraDescription:
		b.CString(d.Name).Vec3(d.Position).Quat(d.Orientation)
	case *protocol.AssetDescription:
		b.CString(d.Name).I32(d.AssetType).I32(d.ID).I32(int32(len(d.RigidBodies)))
		for _, rb := range d.RigidBodies {
			encodeRigidBodyDescription(b, rb, v)
		}
		b.I32(int32(len(d.Markers)))
		for _, m := range d.Markers {
			b.CString(m.Name).I32(m.ID).Vec3(m.Position).F32(m.Size).I16(m.Params)
		}
	}
	return b.Buf
}

// EncodeDescriptions serializes datasets with their type tags and, for
// 4.1+, their size prefixes.
func EncodeDescriptions(datasets []protocol.Dataset, v protocol.Version) []byte {
	b := &Builder{}
	b.I32(int32(len(datasets)))
	for _, ds := range datasets {
		body := EncodeDataset(ds, v)
		b.I32(int32(ds.Kind()))
		if v.HasSizePrefix() {
			b.I32(int32(len(body)))
		}
		b.Raw(body)
	}
	return b.Buf
}

// ServerInfoPayload builds a NAT_SERVERINFO payload.
func ServerInfoPayload(name string, server, stream protocol.Version4) []byte {
	field := make([]byte, 256)
	copy(field, name)
	b := &Builder{}
	b.Raw(field).Raw(server[:]).Raw(stream[:])
	return b.Buf
}
