package janitor

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"vigil/internal/database"
	"vigil/internal/media"
)

// Janitor removes events older than the retention window together with
// their notifications, media rows and media files.
type Janitor struct {
	db        *database.Database
	store     *media.Store
	retention time.Duration
	interval  time.Duration
	clock     clock.Clock
	logger    *zap.Logger
}

// SweepStats reports what one sweep removed.
type SweepStats struct {
	PersonEvents  int64
	VehicleEvents int64
	Notifications int64
	Assets        int64
	FilesRemoved  int
}

// New creates a janitor that keeps retentionDays of events and sweeps
// every interval.
func New(db *database.Database, store *media.Store, retentionDays int, interval time.Duration, logger *zap.Logger) *Janitor {
	return &Janitor{
		db:        db,
		store:     store,
		retention: time.Duration(retentionDays) * 24 * time.Hour,
		interval:  interval,
		clock:     clock.New(),
		logger:    logger,
	}
}

// SetClock replaces the wall clock, used by tests to pick the cutoff.
func (j *Janitor) SetClock(c clock.Clock) {
	j.clock = c
}

// Run sweeps once at startup and then on every interval until ctx is
// cancelled.
func (j *Janitor) Run(ctx context.Context) error {
	j.logger.Info("janitor started",
		zap.Duration("retention", j.retention),
		zap.Duration("interval", j.interval))

	if _, err := j.Sweep(); err != nil {
		j.logger.Error("retention sweep failed", zap.Error(err))
	}

	ticker := j.clock.Ticker(j.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			j.logger.Info("janitor stopped")
			return nil
		case <-ticker.C:
			if _, err := j.Sweep(); err != nil {
				j.logger.Error("retention sweep failed", zap.Error(err))
			}
		}
	}
}

// Sweep deletes everything older than the cutoff in one transaction, then
// unlinks the orphaned media files. Files are only removed after commit so
// a failed transaction never loses media.
func (j *Janitor) Sweep() (SweepStats, error) {
	var stats SweepStats
	cutoff := j.clock.Now().UTC().Add(-j.retention)

	kinds := []database.EventKind{database.EventKindPerson, database.EventKindVehicle}
	expired := make(map[database.EventKind][]*database.EventRecord, len(kinds))
	total := 0
	for _, kind := range kinds {
		events, err := j.db.ExpiredEvents(kind, cutoff)
		if err != nil {
			return stats, fmt.Errorf("list expired %s events: %w", kind, err)
		}
		expired[kind] = events
		total += len(events)
	}
	if total == 0 {
		return stats, nil
	}

	var allEventIDs []uuid.UUID
	eventIDs := make(map[database.EventKind][]uuid.UUID, len(kinds))
	assetSet := make(map[uuid.UUID]struct{})
	for _, kind := range kinds {
		for _, ev := range expired[kind] {
			allEventIDs = append(allEventIDs, ev.ID)
			eventIDs[kind] = append(eventIDs[kind], ev.ID)
			assetSet[ev.FrameAssetID] = struct{}{}
			if ev.CropAssetID != uuid.Nil {
				assetSet[ev.CropAssetID] = struct{}{}
			}
		}
	}
	assetIDs := make([]uuid.UUID, 0, len(assetSet))
	for id := range assetSet {
		assetIDs = append(assetIDs, id)
	}

	tx, err := j.db.Begin()
	if err != nil {
		return stats, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	if stats.Notifications, err = j.db.DeleteNotificationsByEventTx(tx, allEventIDs); err != nil {
		return stats, fmt.Errorf("delete notifications: %w", err)
	}
	if stats.PersonEvents, err = j.db.DeleteEventsTx(tx, database.EventKindPerson, eventIDs[database.EventKindPerson]); err != nil {
		return stats, fmt.Errorf("delete person events: %w", err)
	}
	if stats.VehicleEvents, err = j.db.DeleteEventsTx(tx, database.EventKindVehicle, eventIDs[database.EventKindVehicle]); err != nil {
		return stats, fmt.Errorf("delete vehicle events: %w", err)
	}
	paths, err := j.db.MediaAssetPathsTx(tx, assetIDs)
	if err != nil {
		return stats, fmt.Errorf("collect media paths: %w", err)
	}
	if stats.Assets, err = j.db.DeleteMediaAssetsTx(tx, assetIDs); err != nil {
		return stats, fmt.Errorf("delete media assets: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return stats, fmt.Errorf("commit: %w", err)
	}

	for _, p := range paths {
		resolved, err := j.store.Resolve(p)
		if err != nil {
			j.logger.Warn("skipping file outside media root", zap.String("path", p))
			continue
		}
		if err := os.Remove(resolved); err != nil {
			if !errors.Is(err, fs.ErrNotExist) {
				j.logger.Warn("failed to remove media file",
					zap.String("path", resolved), zap.Error(err))
			}
			continue
		}
		stats.FilesRemoved++
	}

	j.logger.Info("retention sweep complete",
		zap.Int64("person_events", stats.PersonEvents),
		zap.Int64("vehicle_events", stats.VehicleEvents),
		zap.Int64("notifications", stats.Notifications),
		zap.Int64("assets", stats.Assets),
		zap.Int("files_removed", stats.FilesRemoved))
	return stats, nil
}
