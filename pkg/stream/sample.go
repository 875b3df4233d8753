// Package stream defines the canonical sample model and the bounded
// time-ordered buffer that every sensor source feeds into.
package stream

import "encoding/json"

// Kind identifies the schema family of a sample payload.
type Kind string

// The closed set of stream kinds the core routes on.
const (
	KindGaze      Kind = "gaze"
	KindFace      Kind = "face"
	KindTelemetry Kind = "telemetry"
	KindEvent     Kind = "event"
)

// Valid reports whether k is one of the known stream kinds.
func (k Kind) Valid() bool {
	switch k {
	case KindGaze, KindFace, KindTelemetry, KindEvent:
		return true
	default:
		return false
	}
}

// NoConfidence marks a sample whose producer did not report confidence.
const NoConfidence = -1.0

// Payload is the typed payload sum. The core never inspects payload
// internals; it only dispatches on the stream kind.
type Payload interface {
	StreamKind() Kind
}

// GazePayload is one eye-tracking observation in normalized screen
// coordinates.
type GazePayload struct {
	X             float64 `json:"x"`
	Y             float64 `json:"y"`
	PupilDiameter float64 `json:"pupil_diameter,omitempty"`
	LeftValid     bool    `json:"left_valid"`
	RightValid    bool    `json:"right_valid"`
}

// StreamKind implements Payload.
func (GazePayload) StreamKind() Kind { return KindGaze }

// FaceDetection is one detected face within a video frame.
type FaceDetection struct {
	// Box is [x, y, width, height] in normalized frame coordinates.
	Box        [4]float64 `json:"box"`
	Emotion    string     `json:"emotion,omitempty"`
	Confidence float64    `json:"confidence"`
}

// FacePayload carries the detections of a single analyzed video frame.
type FacePayload struct {
	FrameIndex int64           `json:"frame_index"`
	Faces      []FaceDetection `json:"faces"`
}

// StreamKind implements Payload.
func (FacePayload) StreamKind() Kind { return KindFace }

// TelemetryPayload wraps a normalized simulator frame. The frame schema is
// owned by the connector layer; the core treats it as opaque bytes.
type TelemetryPayload struct {
	Simulator string          `json:"simulator"`
	Frame     json.RawMessage `json:"frame"`
}

// StreamKind implements Payload.
func (TelemetryPayload) StreamKind() Kind { return KindTelemetry }

// EventPayload is a discrete, named occurrence (scenario marker, user
// action, simulator event).
type EventPayload struct {
	Name       string            `json:"name"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

// StreamKind implements Payload.
func (EventPayload) StreamKind() Kind { return KindEvent }

// Sample is the atomic stream element. Timestamps are monotonic
// microseconds; CaptureTS comes from the producer (possibly hardware),
// IngestTS is assigned on arrival.
type Sample struct {
	SourceID   string
	Kind       Kind
	CaptureTS  int64
	IngestTS   int64
	Payload    Payload
	Confidence float64
	Seq        uint64
}

// HasConfidence reports whether the producer supplied a confidence value.
func (s Sample) HasConfidence() bool {
	return s.Confidence >= 0
}
