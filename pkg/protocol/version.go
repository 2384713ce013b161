package protocol

import (
	"fmt"
	"strconv"
	"strings"
)

// Version is the negotiated bitstream (major, minor) pair that selects the
// binary layout of every frame and description packet.
//
// Major 0 is the "unknown" sentinel; a few description gates treat it as
// "newest" because the server sends descriptions before the version is known.
type Version struct {
	Major uint8
	Minor uint8
}

func (v Version) String() string {
	return fmt.Sprintf("%d.%d", v.Major, v.Minor)
}

func (v Version) IsZero() bool {
	return v.Major == 0 && v.Minor == 0
}

func (v Version) atLeast(major, minor uint8) bool {
	return v.Major > major || (v.Major == major && v.Minor >= minor)
}

// Frame gates.

func (v Version) HasRigidBodyMarkers() bool { return v.Major < 3 && v.Major != 0 }
func (v Version) HasRigidBodyMarkerDetail() bool { return v.Major >= 2 }
func (v Version) HasMeanError() bool { return v.Major >= 2 }
func (v Version) HasTrackingValid() bool { return v.atLeast(2, 6) }
func (v Version) HasSkeletons() bool { return v.atLeast(2, 1) }
func (v Version) HasAssets() bool { return v.atLeast(4, 1) }
func (v Version) HasLabeledMarkers() bool { return v.atLeast(2, 4) }
func (v Version) HasLabeledMarkerParams() bool { return v.atLeast(2, 6) }
func (v Version) HasLabeledMarkerResidual() bool { return v.Major >= 3 }
func (v Version) HasForcePlates() bool { return v.atLeast(2, 9) }
func (v Version) HasDevices() bool { return v.atLeast(2, 11) }
func (v Version) HasSizePrefix() bool { return v.atLeast(4, 1) }
func (v Version) HasDoubleTimestamp() bool { return v.atLeast(2, 7) }
func (v Version) HasHighResTimestamps() bool { return v.Major >= 3 }
func (v Version) HasPrecisionTimestamp() bool { return v.Major >= 4 }

// Description gates.

func (v Version) HasRigidBodyName() bool { return v.Major >= 2 || v.Major == 0 }

// HasRigidBodyRotation reports the 4.2 rotation offset. Only the 4.x line
// carries it.
func (v Version) HasRigidBodyRotation() bool {
	return (v.Major == 4 && v.Minor >= 2) || v.Major == 0
}

func (v Version) HasDescriptionMarkers() bool { return v.Major >= 3 || v.Major == 0 }
func (v Version) HasDescriptionMarkerNames() bool { return v.Major >= 4 || v.Major == 0 }
func (v Version) HasForcePlateDescriptions() bool { return v.Major >= 3 }
func (v Version) HasDeviceDescriptions() bool { return v.Major >= 3 }

// Version4 is the four byte major.minor.build.revision form used by the
// connect handshake and server info.
type Version4 [4]uint8

func (v Version4) Stream() Version {
	return Version{Major: v[0], Minor: v[1]}
}

func (v Version4) IsZero() bool {
	return v == Version4{}
}

func (v Version4) String() string {
	return fmt.Sprintf("%d.%d.%d.%d", v[0], v[1], v[2], v[3])
}

// ParseVersion4 parses "4.1", "4.1.0" or "4.1.0.0". Missing parts are zero.
func ParseVersion4(s string) (Version4, error) {
	var out Version4
	parts := strings.Split(strings.TrimSpace(s), ".")
	if len(parts) == 0 || len(parts) > 4 || parts[0] == "" {
		return out, fmt.Errorf("invalid version %q", s)
	}
	for i, part := range parts {
		n, err := strconv.ParseUint(strings.TrimSpace(part), 10, 8)
		if err != nil {
			return Version4{}, fmt.Errorf("invalid version %q: %w", s, err)
		}
		out[i] = uint8(n)
	}
	return out, nil
}
