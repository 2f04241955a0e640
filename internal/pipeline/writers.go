package pipeline

import (
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"vigil/internal/database"
	"vigil/internal/media"
	"vigil/internal/metrics"
)

// EventWriter persists the detection bundles of one lane: frame asset,
// per-detection crop assets, event rows and a job ledger row, all in one
// transaction. Notifications enqueue only after commit.
type EventWriter struct {
	kind   database.EventKind
	in     *Queue[DetectionBundle]
	notifQ *Queue[NotificationJob]
	stop   *Flag
	dbPath string
	db     *database.Database
	store  *media.Store
	bus    *EventBus
	logger *zap.Logger
}

// NewEventWriter builds a writer for one event kind. The worker opens its
// own database handle when it starts so restarts never share connections.
func NewEventWriter(kind database.EventKind, in *Queue[DetectionBundle], notifQ *Queue[NotificationJob], stop *Flag, dbPath string, store *media.Store, bus *EventBus, logger *zap.Logger) *EventWriter {
	return &EventWriter{
		kind:   kind,
		in:     in,
		notifQ: notifQ,
		stop:   stop,
		dbPath: dbPath,
		store:  store,
		bus:    bus,
		logger: logger,
	}
}

// Name identifies the worker to the supervisor.
func (w *EventWriter) Name() string {
	return string(w.kind) + "_writer"
}

// Run consumes bundles until a poison pill arrives, then forwards one pill
// to the notification queue.
func (w *EventWriter) Run() {
	db, err := database.New(w.dbPath)
	if err != nil {
		w.logger.Error("failed to open database", zap.Error(err))
		return
	}
	defer db.Close()
	w.db = db

	w.logger.Info("event writer started", zap.String("kind", string(w.kind)))
	for {
		bundle, pill := w.in.Get()
		if pill {
			w.notifQ.TryPoison("shutdown")
			w.logger.Info("event writer stopped", zap.String("kind", string(w.kind)))
			return
		}
		w.handle(bundle)
	}
}

func (w *EventWriter) handle(b DetectionBundle) {
	if len(b.Detections) == 0 {
		return
	}
	jobs, err := w.persist(b)
	if err != nil {
		w.logger.Error("failed to persist events",
			zap.String("kind", string(w.kind)),
			zap.String("camera", b.Camera),
			zap.String("frame_id", b.FrameID.String()),
			zap.Error(err))
		return
	}
	for _, job := range jobs {
		if !w.notifQ.TryPut(job) {
			w.logger.Warn("notification queue full, dropping",
				zap.String("camera", b.Camera))
			metrics.NotificationsSkipped.WithLabelValues("queue_full").Inc()
		}
	}
}

// persist writes the media files, then commits all rows of the bundle in a
// single transaction. The unique path index de-duplicates the frame asset
// against the sibling writer and against retried bundles.
func (w *EventWriter) persist(b DetectionBundle) ([]NotificationJob, error) {
	now := time.Now().UTC()

	framePath, err := w.store.SaveFrame(b.FrameID, b.FrameData, w.frameTag())
	if err != nil {
		return nil, fmt.Errorf("save frame: %w", err)
	}

	tx, err := w.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	frameAsset, err := w.db.GetOrCreateFrameAssetTx(tx, &database.MediaAsset{
		ID:        uuid.New(),
		MediaType: database.MediaTypeFrame,
		Path:      framePath,
		Attributes: map[string]string{
			"camera":      b.Camera,
			"captured_at": b.CapturedAt.Format(time.RFC3339Nano),
		},
		CreatedAt: now,
	})
	if err != nil {
		return nil, err
	}

	var jobs []NotificationJob
	var announcements []EventAnnouncement
	for _, det := range b.Detections {
		cropPath, err := w.saveCrop(b.FrameID, det.Crop)
		if err != nil {
			return nil, fmt.Errorf("save crop: %w", err)
		}
		cropAsset := &database.MediaAsset{
			ID:        uuid.New(),
			MediaType: w.cropMediaType(),
			Path:      cropPath,
			Attributes: map[string]string{
				"camera":   b.Camera,
				"frame_id": b.FrameID.String(),
			},
			CreatedAt: now,
		}
		if err := w.db.InsertMediaAssetTx(tx, cropAsset); err != nil {
			return nil, err
		}

		score := int(math.Round(float64(det.Score) * 100))
		ev := &database.EventRecord{
			ID:           uuid.New(),
			Camera:       b.Camera,
			OccurredAt:   b.CapturedAt,
			FrameAssetID: frameAsset.ID,
			CropAssetID:  cropAsset.ID,
			Score:        &score,
			Label:        det.Label,
			CreatedAt:    now,
		}
		if err := w.db.InsertEventTx(tx, w.kind, ev); err != nil {
			return nil, err
		}

		jobs = append(jobs, NotificationJob{
			EventID:    ev.ID,
			EventType:  string(w.kind),
			Camera:     b.Camera,
			OccurredAt: b.CapturedAt,
			CropPath:   cropPath,
		})
		announcements = append(announcements, EventAnnouncement{
			EventID:      ev.ID,
			EventType:    string(w.kind),
			Camera:       b.Camera,
			OccurredAt:   b.CapturedAt,
			Label:        ev.Label,
			Score:        ev.Score,
			FrameAssetID: frameAsset.ID,
			CropAssetID:  cropAsset.ID,
		})
	}

	ledger := &database.JobRecord{
		ID:      uuid.New(),
		JobType: string(w.kind) + "_event",
		Status:  database.JobStatusFinished,
		Payload: map[string]string{
			"frame_id": b.FrameID.String(),
			"camera":   b.Camera,
		},
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := w.db.InsertJobTx(tx, ledger); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}

	metrics.EventsWritten.WithLabelValues(string(w.kind)).Add(float64(len(b.Detections)))
	if w.bus != nil {
		for _, a := range announcements {
			w.bus.Publish(a)
		}
	}
	w.logger.Info("events committed",
		zap.String("kind", string(w.kind)),
		zap.String("camera", b.Camera),
		zap.String("frame_id", b.FrameID.String()),
		zap.Int("count", len(b.Detections)))
	return jobs, nil
}

func (w *EventWriter) frameTag() string {
	if w.kind == database.EventKindVehicle {
		return "_vehicle"
	}
	return "_person"
}

func (w *EventWriter) cropMediaType() string {
	if w.kind == database.EventKindVehicle {
		return database.MediaTypeVehicleCrop
	}
	return database.MediaTypePersonCrop
}

func (w *EventWriter) saveCrop(frameID uuid.UUID, data []byte) (string, error) {
	if w.kind == database.EventKindVehicle {
		return w.store.SaveVehicleCrop(frameID, data)
	}
	return w.store.SavePersonCrop(frameID, data)
}
