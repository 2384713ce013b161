package protocol

import "fmt"

const (
	vec3Size            = 12
	rigidBodyMinSize    = 4 + 12 + 16
	assetRigidBodySize  = 4 + 12 + 16 + 4 + 2
	assetMarkerSize     = 4 + 12 + 4 + 2 + 4
	labeledMarkerMinLen = 4 + 12 + 4
)

type frameSection struct {
	name    string
	present func(Version) bool
	decode  func(*frameDecoder) error
}

func always(Version) bool { return true }

// frameSections lists the NAT_FRAMEOFDATA sections in wire order.
var frameSections = []frameSection{
	{"frame prefix", always, (*frameDecoder).prefix},
	{"marker sets", always, (*frameDecoder).markerSets},
	{"unlabeled markers", always, (*frameDecoder).unlabeledMarkers},
	{"rigid bodies", always, (*frameDecoder).rigidBodies},
	{"skeletons", Version.HasSkeletons, (*frameDecoder).skeletons},
	{"assets", Version.HasAssets, (*frameDecoder).assets},
	{"labeled markers", Version.HasLabeledMarkers, (*frameDecoder).labeledMarkers},
	{"force plates", Version.HasForcePlates, (*frameDecoder).forcePlates},
	{"devices", Version.HasDevices, (*frameDecoder).devices},
	{"frame suffix", always, (*frameDecoder).suffix},
}

type frameDecoder struct {
	r     *Reader
	v     Version
	f     *Frame
	index int
}

// DecodeFrame decodes a NAT_FRAMEOFDATA payload (header already stripped)
// for the given bitstream version. It returns the frame and the number of
// payload bytes consumed.
//
// When a section cannot be decoded the sections before it are kept, the
// rest of the buffer counts as consumed and a *DecodeError is returned.
func DecodeFrame(payload []byte, v Version) (*Frame, int, error) {
	d := &frameDecoder{r: NewReader(payload), v: v, f: &Frame{}}
	for _, section := range frameSections {
		if !section.present(v) {
			continue
		}
		d.index = -1
		if err := section.decode(d); err != nil {
			derr := decodeErr(section.name, d.index, d.r.Offset(), err)
			d.r.Drain()
			return d.f, d.r.Offset(), derr
		}
	}
	return d.f, d.r.Offset(), nil
}

func (d *frameDecoder) prefix() error {
	n, err := d.r.Int32()
	if err != nil {
		return err
	}
	d.f.FrameNumber = n
	return nil
}

// sectionCount reads a section's element count followed by the optional
// 4.1+ size prefix.
func (d *frameDecoder) sectionCount(elemSize int) (int, error) {
	n, err := d.r.Count(elemSize)
	if err != nil {
		return 0, err
	}
	if _, _, err := d.r.SizePrefix(d.v); err != nil {
		return 0, err
	}
	return n, nil
}

func (d *frameDecoder) vec3s(n int) ([]Vec3, error) {
	out := make([]Vec3, n)
	for i := range out {
		v, err := d.r.Vec3()
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

func (d *frameDecoder) markerSets() error {
	// name needs at least its terminator
	count, err := d.sectionCount(1 + 4)
	if err != nil {
		return err
	}
	d.f.MarkerSets = make([]MarkerSet, 0, count)
	for i := 0; i < count; i++ {
		d.index = i
		name, err := d.r.CString()
		if err != nil {
			return err
		}
		n, err := d.r.Count(vec3Size)
		if err != nil {
			return err
		}
		markers, err := d.vec3s(n)
		if err != nil {
			return err
		}
		d.f.MarkerSets = append(d.f.MarkerSets, MarkerSet{Name: name, Markers: markers})
	}
	return nil
}

func (d *frameDecoder) unlabeledMarkers() error {
	count, err := d.sectionCount(vec3Size)
	if err != nil {
		return err
	}
	markers, err := d.vec3s(count)
	if err != nil {
		return err
	}
	d.f.UnlabeledMarkers = markers
	return nil
}

func (d *frameDecoder) rigidBodies() error {
	count, err := d.sectionCount(rigidBodyMinSize)
	if err != nil {
		return err
	}
	bodies, err := d.rigidBodyList(count)
	if err != nil {
		return err
	}
	d.f.RigidBodies = bodies
	return nil
}

func (d *frameDecoder) rigidBodyList(count int) ([]RigidBody, error) {
	out := make([]RigidBody, 0, count)
	for i := 0; i < count; i++ {
		d.index = i
		rb, err := d.rigidBody()
		if err != nil {
			return out, err
		}
		out = append(out, rb)
	}
	return out, nil
}

func (d *frameDecoder) rigidBody() (RigidBody, error) {
	var rb RigidBody
	var err error
	if rb.ID, err = d.r.Int32(); err != nil {
		return rb, err
	}
	if rb.Position, err = d.r.Vec3(); err != nil {
		return rb, err
	}
	if rb.Rotation, err = d.r.Quat(); err != nil {
		return rb, err
	}

	if d.v.HasRigidBodyMarkers() {
		n, err := d.r.Count(vec3Size)
		if err != nil {
			return rb, err
		}
		rb.Markers = make([]RigidBodyMarker, n)
		for i := range rb.Markers {
			if rb.Markers[i].Position, err = d.r.Vec3(); err != nil {
				return rb, err
			}
		}
		if d.v.HasRigidBodyMarkerDetail() {
			for i := range rb.Markers {
				if rb.Markers[i].ID, err = d.r.Int32(); err != nil {
					return rb, err
				}
			}
			for i := range rb.Markers {
				if rb.Markers[i].Size, err = d.r.Float32(); err != nil {
					return rb, err
				}
			}
		}
	}

	if d.v.HasMeanError() {
		if rb.MeanError, err = d.r.Float32(); err != nil {
			return rb, err
		}
	}
	if d.v.HasTrackingValid() {
		param, err := d.r.Int16()
		if err != nil {
			return rb, err
		}
		rb.TrackingValid = param&0x01 != 0
	}
	return rb, nil
}

func (d *frameDecoder) skeletons() error {
	count, err := d.sectionCount(4 + 4)
	if err != nil {
		return err
	}
	d.f.Skeletons = make([]Skeleton, 0, count)
	for i := 0; i < count; i++ {
		d.index = i
		var sk Skeleton
		if sk.ID, err = d.r.Int32(); err != nil {
			return err
		}
		n, err := d.r.Count(rigidBodyMinSize)
		if err != nil {
			return err
		}
		if sk.RigidBodies, err = d.rigidBodyList(n); err != nil {
			bone := d.index
			d.index = i
			return fmt.Errorf("rigid body %d: %w", bone, err)
		}
		d.index = i
		d.f.Skeletons = append(d.f.Skeletons, sk)
	}
	return nil
}

func (d *frameDecoder) assets() error {
	count, err := d.sectionCount(4 + 4 + 4)
	if err != nil {
		return err
	}
	d.f.Assets = make([]Asset, 0, count)
	for i := 0; i < count; i++ {
		d.index = i
		asset, err := d.asset()
		if err != nil {
			return err
		}
		d.f.Assets = append(d.f.Assets, asset)
	}
	return nil
}

func (d *frameDecoder) asset() (Asset, error) {
	var a Asset
	var err error
	if a.ID, err = d.r.Int32(); err != nil {
		return a, err
	}

	n, err := d.r.Count(assetRigidBodySize)
	if err != nil {
		return a, err
	}
	a.RigidBodies = make([]AssetRigidBody, n)
	for i := range a.RigidBodies {
		rb := &a.RigidBodies[i]
		if rb.ID, err = d.r.Int32(); err != nil {
			return a, err
		}
		if rb.Position, err = d.r.Vec3(); err != nil {
			return a, err
		}
		if rb.Rotation, err = d.r.Quat(); err != nil {
			return a, err
		}
		if rb.MeanError, err = d.r.Float32(); err != nil {
			return a, err
		}
		if rb.Params, err = d.r.Int16(); err != nil {
			return a, err
		}
	}

	n, err = d.r.Count(assetMarkerSize)
	if err != nil {
		return a, err
	}
	a.Markers = make([]AssetMarker, n)
	for i := range a.Markers {
		m := &a.Markers[i]
		if m.ID, err = d.r.Int32(); err != nil {
			return a, err
		}
		if m.Position, err = d.r.Vec3(); err != nil {
			return a, err
		}
		if m.Size, err = d.r.Float32(); err != nil {
			return a, err
		}
		if m.Params, err = d.r.Int16(); err != nil {
			return a, err
		}
		if m.Residual, err = d.r.Float32(); err != nil {
			return a, err
		}
	}
	return a, nil
}

func (d *frameDecoder) labeledMarkers() error {
	count, err := d.sectionCount(labeledMarkerMinLen)
	if err != nil {
		return err
	}
	d.f.LabeledMarkers = make([]LabeledMarker, 0, count)
	for i := 0; i < count; i++ {
		d.index = i
		var m LabeledMarker
		if m.ID, err = d.r.Int32(); err != nil {
			return err
		}
		if m.Position, err = d.r.Vec3(); err != nil {
			return err
		}
		if m.Size, err = d.r.Float32(); err != nil {
			return err
		}
		if d.v.HasLabeledMarkerParams() {
			if m.Params, err = d.r.Int16(); err != nil {
				return err
			}
		}
		if d.v.HasLabeledMarkerResidual() {
			if m.Residual, err = d.r.Float32(); err != nil {
				return err
			}
		}
		d.f.LabeledMarkers = append(d.f.LabeledMarkers, m)
	}
	return nil
}

func (d *frameDecoder) forcePlates() error {
	count, err := d.sectionCount(4 + 4)
	if err != nil {
		return err
	}
	d.f.ForcePlates = make([]ForcePlate, 0, count)
	for i := 0; i < count; i++ {
		d.index = i
		id, channels, err := d.analog()
		if err != nil {
			return err
		}
		d.f.ForcePlates = append(d.f.ForcePlates, ForcePlate{ID: id, Channels: channels})
	}
	return nil
}

func (d *frameDecoder) devices() error {
	count, err := d.sectionCount(4 + 4)
	if err != nil {
		return err
	}
	d.f.Devices = make([]Device, 0, count)
	for i := 0; i < count; i++ {
		d.index = i
		id, channels, err := d.analog()
		if err != nil {
			return err
		}
		d.f.Devices = append(d.f.Devices, Device{ID: id, Channels: channels})
	}
	return nil
}

// analog reads the id and channel block shared by force plates and devices.
func (d *frameDecoder) analog() (int32, []AnalogChannel, error) {
	id, err := d.r.Int32()
	if err != nil {
		return 0, nil, err
	}
	n, err := d.r.Count(4)
	if err != nil {
		return id, nil, err
	}
	channels := make([]AnalogChannel, n)
	for i := range channels {
		frames, err := d.r.Count(4)
		if err != nil {
			return id, nil, err
		}
		if channels[i].Frames, err = d.r.Float32s(frames); err != nil {
			return id, nil, err
		}
	}
	return id, channels, nil
}

func (d *frameDecoder) suffix() error {
	s := &d.f.Suffix
	var err error
	if s.Timecode, err = d.r.Int32(); err != nil {
		return err
	}
	if s.TimecodeSub, err = d.r.Int32(); err != nil {
		return err
	}
	if d.r.Remaining() == 0 {
		return nil
	}

	if d.v.HasDoubleTimestamp() {
		if s.Timestamp, err = d.r.Float64(); err != nil {
			return err
		}
	} else {
		ts, err := d.r.Float32()
		if err != nil {
			return err
		}
		s.Timestamp = float64(ts)
	}
	s.HasTimestamp = true

	if d.v.HasHighResTimestamps() {
		if s.CameraMidExposure, err = d.r.Int64(); err != nil {
			return err
		}
		if s.DataReceived, err = d.r.Int64(); err != nil {
			return err
		}
		if s.Transmit, err = d.r.Int64(); err != nil {
			return err
		}
	}
	if d.v.HasPrecisionTimestamp() {
		if s.PrecisionSeconds, err = d.r.Int32(); err != nil {
			return err
		}
		if s.PrecisionFraction, err = d.r.Int32(); err != nil {
			return err
		}
	}
	s.Params, err = d.r.Int16()
	return err
}
