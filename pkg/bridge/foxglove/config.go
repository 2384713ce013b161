package foxglove

const frameSchema = `{
  "type": "object",
  "properties": {
    "frame_number": { "type": "integer" },
    "ts": { "type": "string" },
    "timestamp": { "type": "number" },
    "timecode": { "type": "integer" },
    "rigid_bodies": { "type": "integer" },
    "skeletons": { "type": "integer" },
    "labeled_markers": { "type": "integer" },
    "unlabeled_markers": { "type": "integer" },
    "recording": { "type": "boolean" },
    "tracked_models_changed": { "type": "boolean" }
  },
  "required": ["frame_number"]
}`

const transformSchema = `{
  "type": "object",
  "properties": {
    "transforms": {
      "type": "array",
      "items": {
        "type": "object",
        "properties": {
          "timestamp": { "type": "object" },
          "parent_frame_id": { "type": "string" },
          "child_frame_id": { "type": "string" },
          "translation": { "type": "object" },
          "rotation": { "type": "object" }
        }
      }
    }
  }
}`

const markerSchema = `{
  "type": "object",
  "properties": {
    "markers": { "type": "array", "items": { "type": "object" } }
  }
}`

const logSchema = `{
  "type": "object",
  "properties": {
    "timestamp": { "type": "object" },
    "level": { "type": "integer" },
    "message": { "type": "string" },
    "name": { "type": "string" },
    "file": { "type": "string" },
    "line": { "type": "integer" }
  }
}`

type Config struct {
	WSAddr         string
	Name           string
	Topic          string
	TransformTopic string
	MarkerTopic    string
	LogTopic       string
	// ParentFrameID is the fixed frame every rigid body transform hangs off.
	ParentFrameID string
	// FramePrefix names rigid bodies that have no description yet.
	FramePrefix string
	MarkerScale float64
	SendBuf     int
}

func DefaultConfig() Config {
	return Config{
		WSAddr:         "127.0.0.1:8765",
		Name:           "natnet",
		Topic:          "/natnet/frame",
		TransformTopic: "/tf",
		MarkerTopic:    "/natnet/markers",
		LogTopic:       "/natnet/log",
		ParentFrameID:  "world",
		FramePrefix:    "rigid_body_",
		MarkerScale:    0.014,
		SendBuf:        256,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.WSAddr == "" {
		c.WSAddr = def.WSAddr
	}
	if c.Name == "" {
		c.Name = def.Name
	}
	if c.Topic == "" {
		c.Topic = def.Topic
	}
	if c.TransformTopic == "" {
		c.TransformTopic = def.TransformTopic
	}
	if c.MarkerTopic == "" {
		c.MarkerTopic = def.MarkerTopic
	}
	if c.LogTopic == "" {
		c.LogTopic = def.LogTopic
	}
	if c.ParentFrameID == "" {
		c.ParentFrameID = def.ParentFrameID
	}
	if c.FramePrefix == "" {
		c.FramePrefix = def.FramePrefix
	}
	if c.MarkerScale <= 0 {
		c.MarkerScale = def.MarkerScale
	}
	if c.SendBuf <= 0 {
		c.SendBuf = def.SendBuf
	}
	return c
}
