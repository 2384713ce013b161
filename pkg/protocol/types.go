package protocol

// Vec3 is a position or offset in server units (meters).
type Vec3 struct {
	X float32 `json:"x" cbor:"x"`
	Y float32 `json:"y" cbor:"y"`
	Z float32 `json:"z" cbor:"z"`
}

// Quat mirrors the wire order of NatNet orientations: x, y, z, w.
type Quat struct {
	X float32 `json:"x" cbor:"x"`
	Y float32 `json:"y" cbor:"y"`
	Z float32 `json:"z" cbor:"z"`
	W float32 `json:"w" cbor:"w"`
}

// Frame is one decoded NAT_FRAMEOFDATA packet. It is owned by the receive
// loop that decoded it and handed to listeners as-is.
type Frame struct {
	FrameNumber      int32           `json:"frame_number" cbor:"frame_number"`
	MarkerSets       []MarkerSet     `json:"marker_sets,omitempty" cbor:"marker_sets,omitempty"`
	UnlabeledMarkers []Vec3          `json:"unlabeled_markers,omitempty" cbor:"unlabeled_markers,omitempty"`
	RigidBodies      []RigidBody     `json:"rigid_bodies,omitempty" cbor:"rigid_bodies,omitempty"`
	Skeletons        []Skeleton      `json:"skeletons,omitempty" cbor:"skeletons,omitempty"`
	Assets           []Asset         `json:"assets,omitempty" cbor:"assets,omitempty"`
	LabeledMarkers   []LabeledMarker `json:"labeled_markers,omitempty" cbor:"labeled_markers,omitempty"`
	ForcePlates      []ForcePlate    `json:"force_plates,omitempty" cbor:"force_plates,omitempty"`
	Devices          []Device        `json:"devices,omitempty" cbor:"devices,omitempty"`
	Suffix           FrameSuffix     `json:"suffix" cbor:"suffix"`
}

type MarkerSet struct {
	Name    string `json:"name" cbor:"name"`
	Markers []Vec3 `json:"markers" cbor:"markers"`
}

type RigidBody struct {
	ID            int32             `json:"id" cbor:"id"`
	Position      Vec3              `json:"position" cbor:"position"`
	Rotation      Quat              `json:"rotation" cbor:"rotation"`
	MeanError     float32           `json:"mean_error" cbor:"mean_error"`
	TrackingValid bool              `json:"tracking_valid" cbor:"tracking_valid"`
	Markers       []RigidBodyMarker `json:"markers,omitempty" cbor:"markers,omitempty"`
}

// RigidBodyMarker is inline marker geometry sent before protocol 3.0.
// ID and Size are zero for 1.x streams.
type RigidBodyMarker struct {
	ID       int32   `json:"id" cbor:"id"`
	Position Vec3    `json:"position" cbor:"position"`
	Size     float32 `json:"size" cbor:"size"`
}

type Skeleton struct {
	ID          int32       `json:"id" cbor:"id"`
	RigidBodies []RigidBody `json:"rigid_bodies" cbor:"rigid_bodies"`
}

type Asset struct {
	ID          int32            `json:"id" cbor:"id"`
	RigidBodies []AssetRigidBody `json:"rigid_bodies" cbor:"rigid_bodies"`
	Markers     []AssetMarker    `json:"markers" cbor:"markers"`
}

type AssetRigidBody struct {
	ID        int32   `json:"id" cbor:"id"`
	Position  Vec3    `json:"position" cbor:"position"`
	Rotation  Quat    `json:"rotation" cbor:"rotation"`
	MeanError float32 `json:"mean_error" cbor:"mean_error"`
	Params    int16   `json:"params" cbor:"params"`
}

type AssetMarker struct {
	ID       int32   `json:"id" cbor:"id"`
	Position Vec3    `json:"position" cbor:"position"`
	Size     float32 `json:"size" cbor:"size"`
	Params   int16   `json:"params" cbor:"params"`
	Residual float32 `json:"residual" cbor:"residual"`
}

// LabeledMarker carries a composite id: model id in the high 16 bits,
// marker id in the low 16 bits.
type LabeledMarker struct {
	ID       int32   `json:"id" cbor:"id"`
	Position Vec3    `json:"position" cbor:"position"`
	Size     float32 `json:"size" cbor:"size"`
	Params   int16   `json:"params" cbor:"params"`
	Residual float32 `json:"residual" cbor:"residual"`
}

const (
	markerParamOccluded         = 0x01
	markerParamPointCloudSolved = 0x02
	markerParamModelSolved      = 0x04
)

func (m LabeledMarker) ModelID() int32 { return int32(uint32(m.ID) >> 16) }
func (m LabeledMarker) MarkerID() int32 { return m.ID & 0xFFFF }
func (m LabeledMarker) Occluded() bool { return m.Params&markerParamOccluded != 0 }
func (m LabeledMarker) PointCloudSolved() bool { return m.Params&markerParamPointCloudSolved != 0 }
func (m LabeledMarker) ModelSolved() bool { return m.Params&markerParamModelSolved != 0 }

// PackMarkerID builds the composite labeled marker id.
func PackMarkerID(modelID, markerID uint16) int32 {
	return int32(uint32(modelID)<<16 | uint32(markerID))
}

// UnpackMarkerID splits a composite labeled marker id.
func UnpackMarkerID(id int32) (modelID, markerID uint16) {
	return uint16(uint32(id) >> 16), uint16(uint32(id) & 0xFFFF)
}

// ForcePlate and Device share the analog channel layout.
type ForcePlate struct {
	ID       int32           `json:"id" cbor:"id"`
	Channels []AnalogChannel `json:"channels" cbor:"channels"`
}

type Device struct {
	ID       int32           `json:"id" cbor:"id"`
	Channels []AnalogChannel `json:"channels" cbor:"channels"`
}

type AnalogChannel struct {
	Frames []float32 `json:"frames" cbor:"frames"`
}

type FrameSuffix struct {
	Timecode          int32   `json:"timecode" cbor:"timecode"`
	TimecodeSub       int32   `json:"timecode_sub" cbor:"timecode_sub"`
	Timestamp         float64 `json:"timestamp" cbor:"timestamp"`
	CameraMidExposure int64   `json:"camera_mid_exposure" cbor:"camera_mid_exposure"`
	DataReceived      int64   `json:"data_received" cbor:"data_received"`
	Transmit          int64   `json:"transmit" cbor:"transmit"`
	PrecisionSeconds  int32   `json:"precision_seconds" cbor:"precision_seconds"`
	PrecisionFraction int32   `json:"precision_fraction" cbor:"precision_fraction"`
	Params            int16   `json:"params" cbor:"params"`
	// HasTimestamp is false when the packet ended right after the timecode.
	HasTimestamp bool `json:"has_timestamp" cbor:"has_timestamp"`
}

const (
	suffixParamRecording     = 0x01
	suffixParamModelsChanged = 0x02
	suffixParamEditMode      = 0x04
)

func (s FrameSuffix) IsRecording() bool { return s.Params&suffixParamRecording != 0 }
func (s FrameSuffix) TrackedModelsChanged() bool { return s.Params&suffixParamModelsChanged != 0 }
func (s FrameSuffix) EditMode() bool { return s.Params&suffixParamEditMode != 0 }
