package protocol_test

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"natnet/internal/natnettest"
	"natnet/pkg/protocol"
)

func sampleDatasets() []protocol.Dataset {
	return []protocol.Dataset{
		&protocol.MarkerSetDescription{Name: "Wand", MarkerNames: []string{"Marker1", "Marker2"}},
		&protocol.RigidBodyDescription{
			Name:     "Tracker",
			ID:       7,
			ParentID: -1,
			Offset:   protocol.Vec3{X: 0.5},
			Rotation: protocol.Quat{W: 1},
			Markers: []protocol.RigidBodyMarkerDescription{
				{Offset: protocol.Vec3{X: 0.01}, ActiveLabel: 0, Name: "Tracker_1"},
				{Offset: protocol.Vec3{Y: 0.02}, ActiveLabel: 3, Name: "Tracker_2"},
			},
		},
		&protocol.SkeletonDescription{
			Name: "Bob",
			ID:   1,
			RigidBodies: []*protocol.RigidBodyDescription{
				{Name: "Bob_Hip", ID: 1, ParentID: 0},
				{Name: "Bob_Ab", ID: 2, ParentID: 1},
			},
		},
		&protocol.ForcePlateDescription{
			ID:           1,
			SerialNumber: "FP-001",
			Width:        0.6,
			Length:       0.4,
			Corners:      [4]protocol.Vec3{{X: 1}, {X: 2}, {X: 3}, {X: 4}},
			PlateType:    2,
			ChannelNames: []string{"Fx", "Fy", "Fz"},
		},
		&protocol.DeviceDescription{ID: 3, Name: "EMG", SerialNumber: "D-9", DeviceType: 1, ChannelNames: []string{"ch0"}},
		&protocol.CameraDescription{Name: "Cam 1", Position: protocol.Vec3{Z: 2}, Orientation: protocol.Quat{W: 1}},
	}
}

func TestDecodeDescriptionsAllKinds(t *testing.T) {
	v := protocol.Version{Major: 4, Minor: 1}
	payload := natnettest.EncodeDescriptions(sampleDatasets(), v)

	descs, consumed, err := protocol.DecodeDescriptions(payload, v)
	if err != nil {
		t.Fatalf("decode descriptions: %v", err)
	}
	if consumed != len(payload) {
		t.Fatalf("consumed %d of %d", consumed, len(payload))
	}
	if len(descs.Datasets) != 6 {
		t.Fatalf("expected 6 datasets, got %d", len(descs.Datasets))
	}

	kinds := []protocol.DatasetType{protocol.DatasetMarkerSet, protocol.DatasetRigidBody, protocol.DatasetSkeleton, protocol.DatasetForcePlate, protocol.DatasetDevice, protocol.DatasetCamera}
	for i, want := range kinds {
		if got := descs.Datasets[i].Kind(); got != want {
			t.Fatalf("dataset %d: kind %s, want %s", i, got, want)
		}
	}

	rb := descs.Datasets[1].(*protocol.RigidBodyDescription)
	if rb.Name != "Tracker" || rb.ID != 7 || rb.ParentID != -1 {
		t.Fatalf("unexpected rigid body: %+v", rb)
	}
	if rb.HasRotation {
		t.Fatalf("4.1 carries no rotation offset")
	}
	if len(rb.Markers) != 2 || rb.Markers[1].ActiveLabel != 3 || rb.Markers[1].Name != "Tracker_2" {
		t.Fatalf("unexpected rigid body markers: %+v", rb.Markers)
	}

	fp := descs.Datasets[3].(*protocol.ForcePlateDescription)
	if fp.SerialNumber != "FP-001" || fp.Corners[3].X != 4 || len(fp.ChannelNames) != 3 {
		t.Fatalf("unexpected force plate: %+v", fp)
	}

	names := descs.RigidBodyNames()
	if names[7] != "Tracker" || len(names) != 1 {
		t.Fatalf("unexpected rigid body names: %v", names)
	}
	bones := descs.Skeletons()[0].BoneNames()
	if bones[1] != "Hip" || bones[2] != "Ab" {
		t.Fatalf("unexpected bone names: %v", bones)
	}
}

func TestDecodeDescriptionsRigidBodyRotationAt42(t *testing.T) {
	v := protocol.Version{Major: 4, Minor: 2}
	src := []protocol.Dataset{&protocol.RigidBodyDescription{Name: "Head", ID: 2, Rotation: protocol.Quat{Z: 0.7071068, W: 0.7071068}}}
	descs, _, err := protocol.DecodeDescriptions(natnettest.EncodeDescriptions(src, v), v)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	rb := descs.RigidBodies()[0]
	if !rb.HasRotation || !near(rb.Rotation.Z, 0.7071068) {
		t.Fatalf("rotation offset not decoded: %+v", rb)
	}
}

func TestDecodeDescriptionsOldLayouts(t *testing.T) {
	src := []protocol.Dataset{
		&protocol.MarkerSetDescription{Name: "all", MarkerNames: []string{"a"}},
		&protocol.RigidBodyDescription{Name: "Body", ID: 4, Markers: []protocol.RigidBodyMarkerDescription{{Offset: protocol.Vec3{X: 1}}}},
	}
	for _, v := range []protocol.Version{{1, 0}, {2, 5}, {3, 0}, {4, 0}} {
		payload := natnettest.EncodeDescriptions(src, v)
		descs, consumed, err := protocol.DecodeDescriptions(payload, v)
		if err != nil {
			t.Fatalf("%s: decode: %v", v, err)
		}
		if consumed != len(payload) {
			t.Fatalf("%s: consumed %d of %d", v, consumed, len(payload))
		}
		rb := descs.RigidBodies()[0]
		if rb.ID != 4 {
			t.Fatalf("%s: unexpected id %d", v, rb.ID)
		}
		if wantName := v.Major >= 2; (rb.Name == "Body") != wantName {
			t.Fatalf("%s: name %q", v, rb.Name)
		}
		if wantMarkers := v.Major >= 3; (len(rb.Markers) == 1) != wantMarkers {
			t.Fatalf("%s: markers %+v", v, rb.Markers)
		}
	}
}

func TestDecodeDescriptionsSkipsUnknownSizedDataset(t *testing.T) {
	v := protocol.Version{Major: 4, Minor: 1}
	b := &natnettest.Builder{}
	b.I32(2)
	b.I32(42).I32(6).Raw([]byte{1, 2, 3, 4, 5, 6})
	body := natnettest.EncodeDataset(&protocol.CameraDescription{Name: "Cam", Orientation: protocol.Quat{W: 1}}, v)
	b.I32(int32(protocol.DatasetCamera)).I32(int32(len(body))).Raw(body)

	descs, consumed, err := protocol.DecodeDescriptions(b.Buf, v)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if consumed != len(b.Buf) {
		t.Fatalf("consumed %d of %d", consumed, len(b.Buf))
	}
	if len(descs.Skipped) != 1 || descs.Skipped[0].Type != 42 || descs.Skipped[0].Size != 6 {
		t.Fatalf("unexpected skipped list: %+v", descs.Skipped)
	}
	if len(descs.Datasets) != 1 || descs.Datasets[0].Kind() != protocol.DatasetCamera {
		t.Fatalf("dataset after the unknown one was lost: %+v", descs.Datasets)
	}
}

func TestDecodeDescriptionsUnknownDatasetWithoutSize(t *testing.T) {
	v := protocol.Version{Major: 3, Minor: 1}
	b := &natnettest.Builder{}
	b.Raw(natnettest.EncodeDescriptions([]protocol.Dataset{&protocol.MarkerSetDescription{Name: "all"}}, v))
	// bump the count to two and append an unknown tag
	b.Buf[0] = 2
	b.I32(9).Raw([]byte{0xde, 0xad})

	descs, consumed, err := protocol.DecodeDescriptions(b.Buf, v)
	if !errors.Is(err, protocol.ErrUnknownDataset) {
		t.Fatalf("expected ErrUnknownDataset, got %v", err)
	}
	if !strings.Contains(err.Error(), "9 (dataset 2 of 2)") {
		t.Fatalf("error lacks tag and position: %v", err)
	}
	if consumed != len(b.Buf) {
		t.Fatalf("consumed %d of %d", consumed, len(b.Buf))
	}
	if len(descs.Datasets) != 1 {
		t.Fatalf("expected the first dataset to survive, got %d", len(descs.Datasets))
	}
}

func TestDecodeDescriptionsForcePlateRequires3(t *testing.T) {
	v := protocol.Version{Major: 2, Minor: 9}
	b := &natnettest.Builder{}
	b.I32(1).I32(int32(protocol.DatasetForcePlate)).I32(1)
	b.Raw(make([]byte, 64))

	_, consumed, err := protocol.DecodeDescriptions(b.Buf, v)
	if !errors.Is(err, protocol.ErrDescriptionTooOld) {
		t.Fatalf("expected ErrDescriptionTooOld, got %v", err)
	}
	if consumed != len(b.Buf) {
		t.Fatalf("consumed %d of %d", consumed, len(b.Buf))
	}
}

func TestDecodeDescriptionsTruncated(t *testing.T) {
	v := protocol.Version{Major: 4, Minor: 0}
	payload := natnettest.EncodeDescriptions(sampleDatasets()[:2], v)
	cut := payload[:len(payload)-3]

	descs, consumed, err := protocol.DecodeDescriptions(cut, v)
	if !errors.Is(err, protocol.ErrShortBuffer) {
		t.Fatalf("expected ErrShortBuffer, got %v", err)
	}
	var derr *protocol.DecodeError
	if !errors.As(err, &derr) || derr.Index != 1 {
		t.Fatalf("expected failure on dataset 1, got %v", err)
	}
	if consumed != len(cut) || len(descs.Datasets) != 1 {
		t.Fatalf("consumed=%d datasets=%d", consumed, len(descs.Datasets))
	}
}

func TestDescriptionsMarshalJSON(t *testing.T) {
	descs := &protocol.Descriptions{
		Datasets: []protocol.Dataset{&protocol.CameraDescription{Name: "Cam"}},
		Skipped:  []protocol.SkippedDataset{{Index: 1, Type: 12, Size: 4}},
	}
	raw, err := json.Marshal(descs)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	text := string(raw)
	if !strings.Contains(text, `"type":"camera"`) || !strings.Contains(text, `"name":"Cam"`) {
		t.Fatalf("unexpected json: %s", text)
	}
	if !strings.Contains(text, `"skipped":[{"index":1,"type":12,"size":4}]`) {
		t.Fatalf("skipped entries missing: %s", text)
	}
}
