package pipeline

import (
	"time"

	"github.com/google/uuid"

	"vigil/internal/vision"
)

// FrameJob is one captured frame travelling from ingestion to detection.
type FrameJob struct {
	FrameID    uuid.UUID
	Camera     string
	CapturedAt time.Time
	Data       []byte // JPEG bytes
}

// DetectionBundle carries the surviving detections of one frame to an
// event writer. The person and vehicle queues both transport this shape;
// the writer bound to the queue decides the event kind.
type DetectionBundle struct {
	FrameID    uuid.UUID
	Camera     string
	CapturedAt time.Time
	FrameData  []byte
	Detections []vision.Detection
}

// NotificationJob asks the notifier to announce one committed event.
type NotificationJob struct {
	EventID    uuid.UUID
	EventType  string // "person" or "vehicle"
	Camera     string
	OccurredAt time.Time
	CropPath   string
}

// EventAnnouncement describes one committed event for live subscribers.
type EventAnnouncement struct {
	EventID      uuid.UUID `json:"event_id"`
	EventType    string    `json:"event_type"`
	Camera       string    `json:"camera"`
	OccurredAt   time.Time `json:"occurred_at"`
	Label        string    `json:"label,omitempty"`
	Score        *int      `json:"score,omitempty"`
	FrameAssetID uuid.UUID `json:"frame_asset_id"`
	CropAssetID  uuid.UUID `json:"crop_asset_id"`
}
