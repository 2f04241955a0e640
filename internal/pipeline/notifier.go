package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"vigil/internal/database"
	"vigil/internal/media"
	"vigil/internal/metrics"
)

const deliveryTimeout = 10 * time.Second

// Sender delivers one notification to an external channel.
type Sender interface {
	SendMessage(ctx context.Context, text string) error
	SendPhoto(ctx context.Context, caption string, photo []byte) error
}

// NotificationWorker drains the notification queue and delivers at most one
// message per camera per debounce window. A nil sender keeps the worker
// draining so the queue never backs up when notifications are off.
type NotificationWorker struct {
	in       *Queue[NotificationJob]
	sender   Sender
	dbPath   string
	debounce time.Duration
	clock    clock.Clock
	mute     *MuteSwitch
	lastSent map[string]time.Time
	store    *media.Store
	logger   *zap.Logger

	db       *database.Database
	dbWarned bool
}

// NewNotificationWorker builds the notifier. sender may be nil when
// notifications are disabled.
func NewNotificationWorker(in *Queue[NotificationJob], sender Sender, dbPath string, debounce time.Duration, store *media.Store, logger *zap.Logger) *NotificationWorker {
	return &NotificationWorker{
		in:       in,
		sender:   sender,
		dbPath:   dbPath,
		debounce: debounce,
		clock:    clock.New(),
		lastSent: make(map[string]time.Time),
		store:    store,
		logger:   logger,
	}
}

// SetClock replaces the wall clock, used by tests to drive the debounce.
func (n *NotificationWorker) SetClock(c clock.Clock) {
	n.clock = c
}

// SetMuteSwitch attaches a shared mute switch. A nil switch never mutes.
func (n *NotificationWorker) SetMuteSwitch(m *MuteSwitch) {
	n.mute = m
}

// Name identifies the worker to the supervisor.
func (n *NotificationWorker) Name() string {
	return "notifier"
}

// Run consumes jobs until a poison pill arrives.
func (n *NotificationWorker) Run() {
	if n.dbPath != "" {
		db, err := database.New(n.dbPath)
		if err != nil {
			n.logger.Warn("notification ledger unavailable", zap.Error(err))
		} else {
			n.db = db
			defer db.Close()
		}
	}

	n.logger.Info("notifier started", zap.Bool("enabled", n.sender != nil))
	for {
		job, pill := n.in.Get()
		if pill {
			n.logger.Info("notifier stopped")
			return
		}
		n.handle(job)
	}
}

func (n *NotificationWorker) handle(job NotificationJob) {
	if n.sender == nil {
		metrics.NotificationsSkipped.WithLabelValues("disabled").Inc()
		return
	}
	if n.mute != nil && n.mute.Muted() {
		n.logger.Debug("notification muted",
			zap.String("camera", job.Camera),
			zap.String("event_id", job.EventID.String()))
		metrics.NotificationsSkipped.WithLabelValues("muted").Inc()
		return
	}

	now := n.clock.Now().UTC()
	if last, ok := n.lastSent[job.Camera]; ok && now.Sub(last) < n.debounce {
		n.logger.Debug("notification debounced",
			zap.String("camera", job.Camera),
			zap.String("event_id", job.EventID.String()))
		metrics.NotificationsSkipped.WithLabelValues("debounce").Inc()
		return
	}
	// Mark the attempt before knowing the outcome so a failing channel
	// cannot be hammered once per event.
	n.lastSent[job.Camera] = now

	err := n.deliver(job)
	if err != nil {
		n.logger.Warn("notification delivery failed",
			zap.String("camera", job.Camera),
			zap.String("event_id", job.EventID.String()),
			zap.Error(err))
		metrics.NotificationsSkipped.WithLabelValues("failed").Inc()
		n.record(job, database.NotificationStatusFailed, now, err)
		return
	}
	metrics.NotificationsSent.Inc()
	n.record(job, database.NotificationStatusSent, now, nil)
	n.logger.Info("notification sent",
		zap.String("camera", job.Camera),
		zap.String("event_type", job.EventType))
}

func (n *NotificationWorker) deliver(job NotificationJob) error {
	ctx, cancel := context.WithTimeout(context.Background(), deliveryTimeout)
	defer cancel()

	text := n.messageText(job)
	if job.CropPath != "" && n.store.Exists(job.CropPath) {
		photo, err := n.store.Load(job.CropPath)
		if err != nil {
			n.logger.Warn("failed to load crop, sending text",
				zap.String("path", job.CropPath), zap.Error(err))
			return n.sender.SendMessage(ctx, text)
		}
		return n.sender.SendPhoto(ctx, text, photo)
	}
	return n.sender.SendMessage(ctx, text)
}

func (n *NotificationWorker) messageText(job NotificationJob) string {
	var title string
	switch job.EventType {
	case string(database.EventKindPerson):
		title = "Person detected"
	case string(database.EventKindVehicle):
		title = "Vehicle detected"
	default:
		title = "Event detected"
	}
	return fmt.Sprintf("%s\nCamera: %s\nWhen: %s",
		title, job.Camera, job.OccurredAt.Format(time.RFC3339))
}

// record appends a ledger row. Ledger failures never affect delivery.
func (n *NotificationWorker) record(job NotificationJob, status string, sentAt time.Time, sendErr error) {
	if n.db == nil {
		if !n.dbWarned && n.dbPath != "" {
			n.logger.Warn("notification ledger disabled")
			n.dbWarned = true
		}
		return
	}
	rec := &database.NotificationRecord{
		ID:        uuid.New(),
		EventType: job.EventType,
		EventID:   job.EventID,
		Status:    status,
		Payload: map[string]string{
			"camera":    job.Camera,
			"crop_path": job.CropPath,
		},
		CreatedAt: sentAt,
	}
	if sendErr != nil {
		rec.Error = sendErr.Error()
	} else {
		rec.SentAt = &sentAt
	}
	if err := n.db.InsertNotification(rec); err != nil {
		n.logger.Warn("failed to record notification", zap.Error(err))
	}
}
