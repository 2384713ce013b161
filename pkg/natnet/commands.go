package natnet

import "fmt"

// Text commands understood by Motive. The client frames them but does not
// interpret them beyond Bitstream replies.
const (
	CmdTimelinePlay = "TimelinePlay"
	CmdTimelineStop = "TimelineStop"
	CmdBitstream    = "Bitstream"
)

func SetPropertyCommand(name, value string) string {
	return fmt.Sprintf("SetProperty,,%s,%s", name, value)
}

func BitstreamCommand(major, minor uint8) string {
	return fmt.Sprintf("%s,%d.%d", CmdBitstream, major, minor)
}

func SetPlaybackFrameCommand(frame int) string {
	return fmt.Sprintf("SetPlaybackCurrentFrame,%d", frame)
}

// StreamRigidBodiesCommands enables rigid body streaming with Z up.
func StreamRigidBodiesCommands() []string {
	return []string{
		SetPropertyCommand("Rigid Bodies", "true"),
		SetPropertyCommand("Up Axis", "Z-Axis"),
	}
}

// resyncCommands makes the server resend descriptions after a bitstream
// change.
func resyncCommands() []string {
	return []string{CmdTimelinePlay, CmdTimelineStop, SetPlaybackFrameCommand(0), CmdTimelineStop}
}
