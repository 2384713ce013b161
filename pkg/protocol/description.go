package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/fxamacker/cbor/v2"
)

// DatasetType is the wire tag in front of every dataset of a NAT_MODELDEF
// packet.
type DatasetType int32

const (
	DatasetMarkerSet  DatasetType = 0
	DatasetRigidBody  DatasetType = 1
	DatasetSkeleton   DatasetType = 2
	DatasetForcePlate DatasetType = 3
	DatasetDevice     DatasetType = 4
	DatasetCamera     DatasetType = 5
	DatasetAsset      DatasetType = 6
)

func (t DatasetType) String() string {
	switch t {
	case DatasetMarkerSet:
		return "marker_set"
	case DatasetRigidBody:
		return "rigid_body"
	case DatasetSkeleton:
		return "skeleton"
	case DatasetForcePlate:
		return "force_plate"
	case DatasetDevice:
		return "device"
	case DatasetCamera:
		return "camera"
	case DatasetAsset:
		return "asset"
	default:
		return fmt.Sprintf("unknown(%d)", int32(t))
	}
}

// Dataset is one entry of a description packet. The concrete type is one of
// the *Description types in this file.
type Dataset interface {
	Kind() DatasetType
	dataset()
}

type MarkerSetDescription struct {
	Name        string   `json:"name" cbor:"name"`
	MarkerNames []string `json:"marker_names" cbor:"marker_names"`
}

type RigidBodyDescription struct {
	Name     string `json:"name" cbor:"name"`
	ID       int32  `json:"id" cbor:"id"`
	ParentID int32  `json:"parent_id" cbor:"parent_id"`
	Offset   Vec3   `json:"offset" cbor:"offset"`
	// Rotation is only sent by 4.2+ servers; HasRotation tells it apart from
	// a zero quaternion.
	Rotation    Quat                         `json:"rotation" cbor:"rotation"`
	HasRotation bool                         `json:"has_rotation" cbor:"has_rotation"`
	Markers     []RigidBodyMarkerDescription `json:"markers,omitempty" cbor:"markers,omitempty"`
}

type RigidBodyMarkerDescription struct {
	Offset      Vec3   `json:"offset" cbor:"offset"`
	ActiveLabel int32  `json:"active_label" cbor:"active_label"`
	Name        string `json:"name,omitempty" cbor:"name,omitempty"`
}

type SkeletonDescription struct {
	Name        string                  `json:"name" cbor:"name"`
	ID          int32                   `json:"id" cbor:"id"`
	RigidBodies []*RigidBodyDescription `json:"rigid_bodies" cbor:"rigid_bodies"`
}

type ForcePlateDescription struct {
	ID                int32           `json:"id" cbor:"id"`
	SerialNumber      string          `json:"serial_number" cbor:"serial_number"`
	Width             float32         `json:"width" cbor:"width"`
	Length            float32         `json:"length" cbor:"length"`
	Origin            Vec3            `json:"origin" cbor:"origin"`
	CalibrationMatrix [12][12]float32 `json:"calibration_matrix" cbor:"calibration_matrix"`
	Corners           [4]Vec3         `json:"corners" cbor:"corners"`
	PlateType         int32           `json:"plate_type" cbor:"plate_type"`
	ChannelDataType   int32           `json:"channel_data_type" cbor:"channel_data_type"`
	ChannelNames      []string        `json:"channel_names" cbor:"channel_names"`
}

type DeviceDescription struct {
	ID              int32    `json:"id" cbor:"id"`
	Name            string   `json:"name" cbor:"name"`
	SerialNumber    string   `json:"serial_number" cbor:"serial_number"`
	DeviceType      int32    `json:"device_type" cbor:"device_type"`
	ChannelDataType int32    `json:"channel_data_type" cbor:"channel_data_type"`
	ChannelNames    []string `json:"channel_names" cbor:"channel_names"`
}

type CameraDescription struct {
	Name        string `json:"name" cbor:"name"`
	Position    Vec3   `json:"position" cbor:"position"`
	Orientation Quat   `json:"orientation" cbor:"orientation"`
}

type AssetDescription struct {
	Name        string                  `json:"name" cbor:"name"`
	AssetType   int32                   `json:"asset_type" cbor:"asset_type"`
	ID          int32                   `json:"id" cbor:"id"`
	RigidBodies []*RigidBodyDescription `json:"rigid_bodies" cbor:"rigid_bodies"`
	Markers     []MarkerDescription     `json:"markers" cbor:"markers"`
}

type MarkerDescription struct {
	Name     string  `json:"name" cbor:"name"`
	ID       int32   `json:"id" cbor:"id"`
	Position Vec3    `json:"position" cbor:"position"`
	Size     float32 `json:"size" cbor:"size"`
	Params   int16   `json:"params" cbor:"params"`
}

func (*MarkerSetDescription) Kind() DatasetType { return DatasetMarkerSet }
func (*RigidBodyDescription) Kind() DatasetType { return DatasetRigidBody }
func (*SkeletonDescription) Kind() DatasetType { return DatasetSkeleton }
func (*ForcePlateDescription) Kind() DatasetType { return DatasetForcePlate }
func (*DeviceDescription) Kind() DatasetType { return DatasetDevice }
func (*CameraDescription) Kind() DatasetType { return DatasetCamera }
func (*AssetDescription) Kind() DatasetType { return DatasetAsset }

func (*MarkerSetDescription) dataset() {}
func (*RigidBodyDescription) dataset() {}
func (*SkeletonDescription) dataset() {}
func (*ForcePlateDescription) dataset() {}
func (*DeviceDescription) dataset() {}
func (*CameraDescription) dataset() {}
func (*AssetDescription) dataset() {}

// SkippedDataset records a dataset of unknown type that was stepped over
// using its 4.1+ size prefix.
type SkippedDataset struct {
	Index int         `json:"index" cbor:"index"`
	Type  DatasetType `json:"type" cbor:"type"`
	Size  int32       `json:"size" cbor:"size"`
}

// Descriptions is a decoded NAT_MODELDEF packet, datasets in wire order.
type Descriptions struct {
	Datasets []Dataset
	Skipped  []SkippedDataset
}

func (d *Descriptions) RigidBodies() []*RigidBodyDescription {
	var out []*RigidBodyDescription
	for _, ds := range d.Datasets {
		if rb, ok := ds.(*RigidBodyDescription); ok {
			out = append(out, rb)
		}
	}
	return out
}

func (d *Descriptions) Skeletons() []*SkeletonDescription {
	var out []*SkeletonDescription
	for _, ds := range d.Datasets {
		if sk, ok := ds.(*SkeletonDescription); ok {
			out = append(out, sk)
		}
	}
	return out
}

// RigidBodyNames maps top-level rigid body ids to their names.
func (d *Descriptions) RigidBodyNames() map[int32]string {
	names := make(map[int32]string)
	for _, rb := range d.RigidBodies() {
		names[rb.ID] = rb.Name
	}
	return names
}

// BoneNames maps bone ids to names with the "<skeleton>_" prefix removed.
func (s *SkeletonDescription) BoneNames() map[int32]string {
	names := make(map[int32]string, len(s.RigidBodies))
	for _, rb := range s.RigidBodies {
		names[rb.ID] = strings.TrimPrefix(rb.Name, s.Name+"_")
	}
	return names
}

type taggedDataset struct {
	Type string  `json:"type" cbor:"type"`
	Data Dataset `json:"data" cbor:"data"`
}

type taggedDescriptions struct {
	Datasets []taggedDataset  `json:"datasets" cbor:"datasets"`
	Skipped  []SkippedDataset `json:"skipped,omitempty" cbor:"skipped,omitempty"`
}

func (d *Descriptions) tagged() taggedDescriptions {
	out := taggedDescriptions{
		Datasets: make([]taggedDataset, 0, len(d.Datasets)),
		Skipped:  d.Skipped,
	}
	for _, ds := range d.Datasets {
		out.Datasets = append(out.Datasets, taggedDataset{Type: ds.Kind().String(), Data: ds})
	}
	return out
}

func (d *Descriptions) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.tagged())
}

// MarshalCBOR uses the same tagged layout as MarshalJSON.
func (d *Descriptions) MarshalCBOR() ([]byte, error) {
	return cbor.Marshal(d.tagged())
}

type datasetDecoder func(r *Reader, v Version) (Dataset, error)

var datasetDecoders = map[DatasetType]datasetDecoder{
	DatasetMarkerSet:  decodeMarkerSetDescription,
	DatasetRigidBody:  func(r *Reader, v Version) (Dataset, error) { return decodeRigidBodyDescription(r, v) },
	DatasetSkeleton:   decodeSkeletonDescription,
	DatasetForcePlate: decodeForcePlateDescription,
	DatasetDevice:     decodeDeviceDescription,
	DatasetCamera:     decodeCameraDescription,
	DatasetAsset:      decodeAssetDescription,
}

// DecodeDescriptions decodes a NAT_MODELDEF payload (header stripped).
//
// An unknown dataset type is skipped when the 4.1+ size prefix says how long
// it is; on older streams it ends decoding with ErrUnknownDataset because the
// position of the next dataset cannot be recovered.
func DecodeDescriptions(payload []byte, v Version) (*Descriptions, int, error) {
	r := NewReader(payload)
	out := &Descriptions{}

	fail := func(index int, err error) (*Descriptions, int, error) {
		derr := decodeErr("descriptions", index, r.Offset(), err)
		r.Drain()
		return out, r.Offset(), derr
	}

	count, err := r.Count(4)
	if err != nil {
		return fail(-1, err)
	}
	out.Datasets = make([]Dataset, 0, count)
	for i := 0; i < count; i++ {
		tag, err := r.Int32()
		if err != nil {
			return fail(i, err)
		}
		kind := DatasetType(tag)
		size, sized, err := r.SizePrefix(v)
		if err != nil {
			return fail(i, err)
		}

		decode, known := datasetDecoders[kind]
		if !known {
			if sized && size >= 0 && r.Skip(int(size)) == nil {
				out.Skipped = append(out.Skipped, SkippedDataset{Index: i, Type: kind, Size: size})
				continue
			}
			return fail(i, fmt.Errorf("%w %d (dataset %d of %d)", ErrUnknownDataset, tag, i+1, count))
		}

		ds, err := decode(r, v)
		if err != nil {
			return fail(i, fmt.Errorf("%s: %w", kind, err))
		}
		out.Datasets = append(out.Datasets, ds)
	}
	return out, r.Offset(), nil
}

func decodeMarkerSetDescription(r *Reader, _ Version) (Dataset, error) {
	ms := &MarkerSetDescription{}
	var err error
	if ms.Name, err = r.CString(); err != nil {
		return nil, err
	}
	n, err := r.Count(1)
	if err != nil {
		return nil, err
	}
	ms.MarkerNames = make([]string, n)
	for i := range ms.MarkerNames {
		if ms.MarkerNames[i], err = r.CString(); err != nil {
			return nil, err
		}
	}
	return ms, nil
}

func decodeRigidBodyDescription(r *Reader, v Version) (*RigidBodyDescription, error) {
	rb := &RigidBodyDescription{}
	var err error
	if v.HasRigidBodyName() {
		if rb.Name, err = r.CString(); err != nil {
			return nil, err
		}
	}
	if rb.ID, err = r.Int32(); err != nil {
		return nil, err
	}
	if rb.ParentID, err = r.Int32(); err != nil {
		return nil, err
	}
	if rb.Offset, err = r.Vec3(); err != nil {
		return nil, err
	}
	if v.HasRigidBodyRotation() {
		if rb.Rotation, err = r.Quat(); err != nil {
			return nil, err
		}
		rb.HasRotation = true
	}
	if !v.HasDescriptionMarkers() {
		return rb, nil
	}

	// offsets, then active labels, then (4.0+) names
	n, err := r.Count(vec3Size + 4)
	if err != nil {
		return nil, err
	}
	rb.Markers = make([]RigidBodyMarkerDescription, n)
	for i := range rb.Markers {
		if rb.Markers[i].Offset, err = r.Vec3(); err != nil {
			return nil, err
		}
	}
	for i := range rb.Markers {
		if rb.Markers[i].ActiveLabel, err = r.Int32(); err != nil {
			return nil, err
		}
	}
	if v.HasDescriptionMarkerNames() {
		for i := range rb.Markers {
			if rb.Markers[i].Name, err = r.CString(); err != nil {
				return nil, err
			}
		}
	}
	return rb, nil
}

func decodeRigidBodyDescriptions(r *Reader, v Version) ([]*RigidBodyDescription, error) {
	n, err := r.Count(4 + 4 + vec3Size)
	if err != nil {
		return nil, err
	}
	out := make([]*RigidBodyDescription, 0, n)
	for i := 0; i < n; i++ {
		rb, err := decodeRigidBodyDescription(r, v)
		if err != nil {
			return nil, fmt.Errorf("rigid body %d: %w", i, err)
		}
		out = append(out, rb)
	}
	return out, nil
}

func decodeSkeletonDescription(r *Reader, v Version) (Dataset, error) {
	sk := &SkeletonDescription{}
	var err error
	if sk.Name, err = r.CString(); err != nil {
		return nil, err
	}
	if sk.ID, err = r.Int32(); err != nil {
		return nil, err
	}
	if sk.RigidBodies, err = decodeRigidBodyDescriptions(r, v); err != nil {
		return nil, err
	}
	return sk, nil
}

var ErrDescriptionTooOld = errors.New("natnet: description requires protocol 3.0 or later")

func decodeForcePlateDescription(r *Reader, v Version) (Dataset, error) {
	if !v.HasForcePlateDescriptions() {
		return nil, ErrDescriptionTooOld
	}
	fp := &ForcePlateDescription{}
	var err error
	if fp.ID, err = r.Int32(); err != nil {
		return nil, err
	}
	if fp.SerialNumber, err = r.CString(); err != nil {
		return nil, err
	}
	if fp.Width, err = r.Float32(); err != nil {
		return nil, err
	}
	if fp.Length, err = r.Float32(); err != nil {
		return nil, err
	}
	if fp.Origin, err = r.Vec3(); err != nil {
		return nil, err
	}
	for row := range fp.CalibrationMatrix {
		vals, err := r.Float32s(12)
		if err != nil {
			return nil, err
		}
		copy(fp.CalibrationMatrix[row][:], vals)
	}
	for i := range fp.Corners {
		if fp.Corners[i], err = r.Vec3(); err != nil {
			return nil, err
		}
	}
	if fp.PlateType, err = r.Int32(); err != nil {
		return nil, err
	}
	if fp.ChannelDataType, err = r.Int32(); err != nil {
		return nil, err
	}
	if fp.ChannelNames, err = readNames(r); err != nil {
		return nil, err
	}
	return fp, nil
}

func decodeDeviceDescription(r *Reader, v Version) (Dataset, error) {
	if !v.HasDeviceDescriptions() {
		return nil, ErrDescriptionTooOld
	}
	dev := &DeviceDescription{}
	var err error
	if dev.ID, err = r.Int32(); err != nil {
		return nil, err
	}
	if dev.Name, err = r.CString(); err != nil {
		return nil, err
	}
	if dev.SerialNumber, err = r.CString(); err != nil {
		return nil, err
	}
	if dev.DeviceType, err = r.Int32(); err != nil {
		return nil, err
	}
	if dev.ChannelDataType, err = r.Int32(); err != nil {
		return nil, err
	}
	if dev.ChannelNames, err = readNames(r); err != nil {
		return nil, err
	}
	return dev, nil
}

func decodeCameraDescription(r *Reader, _ Version) (Dataset, error) {
	cam := &CameraDescription{}
	var err error
	if cam.Name, err = r.CString(); err != nil {
		return nil, err
	}
	if cam.Position, err = r.Vec3(); err != nil {
		return nil, err
	}
	if cam.Orientation, err = r.Quat(); err != nil {
		return nil, err
	}
	return cam, nil
}

func decodeAssetDescription(r *Reader, v Version) (Dataset, error) {
	a := &AssetDescription{}
	var err error
	if a.Name, err = r.CString(); err != nil {
		return nil, err
	}
	if a.AssetType, err = r.Int32(); err != nil {
		return nil, err
	}
	if a.ID, err = r.Int32(); err != nil {
		return nil, err
	}
	if a.RigidBodies, err = decodeRigidBodyDescriptions(r, v); err != nil {
		return nil, err
	}

	n, err := r.Count(1 + 4 + vec3Size + 4 + 2)
	if err != nil {
		return nil, err
	}
	a.Markers = make([]MarkerDescription, n)
	for i := range a.Markers {
		m := &a.Markers[i]
		if m.Name, err = r.CString(); err != nil {
			return nil, err
		}
		if m.ID, err = r.Int32(); err != nil {
			return nil, err
		}
		if m.Position, err = r.Vec3(); err != nil {
			return nil, err
		}
		if m.Size, err = r.Float32(); err != nil {
			return nil, err
		}
		if m.Params, err = r.Int16(); err != nil {
			return nil, err
		}
	}
	return a, nil
}

func readNames(r *Reader) ([]string, error) {
	n, err := r.Count(1)
	if err != nil {
		return nil, err
	}
	names := make([]string, n)
	for i := range names {
		if names[i], err = r.CString(); err != nil {
			return nil, err
		}
	}
	return names, nil
}
