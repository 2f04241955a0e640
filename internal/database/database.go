package database

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// Database handles SQLite storage for events, media assets, notifications,
// jobs and settings.
type Database struct {
	db *sql.DB
}

// EventKind selects between the person and vehicle event tables.
type EventKind string

const (
	EventKindPerson  EventKind = "person"
	EventKindVehicle EventKind = "vehicle"
)

func (k EventKind) table() string {
	if k == EventKindVehicle {
		return "vehicle_events"
	}
	return "person_events"
}

// Media asset types.
const (
	MediaTypeFrame       = "frame"
	MediaTypePersonCrop  = "person_crop"
	MediaTypeVehicleCrop = "vehicle_crop"
)

// Job statuses recorded in the processing ledger.
const (
	JobStatusQueued   = "queued"
	JobStatusStarted  = "started"
	JobStatusFinished = "finished"
	JobStatusFailed   = "failed"
	JobStatusDropped  = "dropped"
)

// Notification statuses.
const (
	NotificationStatusPending = "pending"
	NotificationStatusSent    = "sent"
	NotificationStatusFailed  = "failed"
)

// MediaAsset is one stored file reference.
type MediaAsset struct {
	ID         uuid.UUID
	MediaType  string
	Path       string
	Attributes map[string]string
	CreatedAt  time.Time
}

// EventRecord is one person or vehicle event row. Label is only meaningful
// for vehicles. The json tags are the API wire format.
type EventRecord struct {
	ID           uuid.UUID `json:"id"`
	Camera       string    `json:"camera"`
	OccurredAt   time.Time `json:"occurred_at"`
	FrameAssetID uuid.UUID `json:"frame_asset_id"`
	CropAssetID  uuid.UUID `json:"crop_asset_id"`
	Score        *int      `json:"score,omitempty"`
	Label        string    `json:"label,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// JobRecord is one row in the processing ledger.
type JobRecord struct {
	ID        uuid.UUID
	JobType   string
	Status    string
	Payload   map[string]string
	CreatedAt time.Time
	UpdatedAt time.Time
	Error     string
}

// NotificationRecord is one delivery attempt.
type NotificationRecord struct {
	ID        uuid.UUID
	EventType string
	EventID   uuid.UUID
	Status    string
	Payload   map[string]string
	CreatedAt time.Time
	SentAt    *time.Time
	Error     string
}

// New opens the database and applies connection pragmas.
func New(dbPath string) (*Database, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", pragma, err)
		}
	}

	// The pragmas above are per-connection, so the pool must not grow past
	// the connection they were applied on.
	db.SetMaxOpenConns(1)

	return &Database{db: db}, nil
}

// Close closes the database connection.
func (d *Database) Close() error {
	return d.db.Close()
}

// Begin starts a transaction.
func (d *Database) Begin() (*sql.Tx, error) {
	return d.db.Begin()
}

// Migrate runs database migrations.
func (d *Database) Migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS media_assets (
			id TEXT PRIMARY KEY,
			media_type TEXT NOT NULL,
			path TEXT NOT NULL UNIQUE,
			attributes TEXT,
			created_at DATETIME NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS person_events (
			id TEXT PRIMARY KEY,
			camera TEXT NOT NULL,
			occurred_at DATETIME NOT NULL,
			frame_asset_id TEXT NOT NULL REFERENCES media_assets(id),
			crop_asset_id TEXT REFERENCES media_assets(id),
			score INTEGER,
			created_at DATETIME NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS vehicle_events (
			id TEXT PRIMARY KEY,
			camera TEXT NOT NULL,
			occurred_at DATETIME NOT NULL,
			frame_asset_id TEXT NOT NULL REFERENCES media_assets(id),
			crop_asset_id TEXT REFERENCES media_assets(id),
			score INTEGER,
			label TEXT NOT NULL DEFAULT 'vehicle',
			created_at DATETIME NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS notifications (
			id TEXT PRIMARY KEY,
			event_type TEXT NOT NULL,
			event_id TEXT NOT NULL,
			status TEXT NOT NULL DEFAULT 'pending',
			payload TEXT,
			created_at DATETIME NOT NULL,
			sent_at DATETIME,
			error TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS jobs (
			id TEXT PRIMARY KEY,
			job_type TEXT NOT NULL,
			status TEXT NOT NULL DEFAULT 'queued',
			payload TEXT,
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL,
			error TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS settings (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			key TEXT NOT NULL UNIQUE,
			value TEXT NOT NULL,
			updated_at DATETIME NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_person_events_occurred ON person_events(occurred_at DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_person_events_camera ON person_events(camera)`,
		`CREATE INDEX IF NOT EXISTS idx_vehicle_events_occurred ON vehicle_events(occurred_at DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_vehicle_events_camera ON vehicle_events(camera)`,
		`CREATE INDEX IF NOT EXISTS idx_notifications_event ON notifications(event_id)`,
	}

	for _, migration := range migrations {
		if _, err := d.db.Exec(migration); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}
	return nil
}

func marshalAttributes(attrs map[string]string) (any, error) {
	if len(attrs) == 0 {
		return nil, nil
	}
	data, err := json.Marshal(attrs)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal attributes: %w", err)
	}
	return string(data), nil
}

func unmarshalAttributes(raw sql.NullString) (map[string]string, error) {
	if !raw.Valid || raw.String == "" {
		return nil, nil
	}
	var attrs map[string]string
	if err := json.Unmarshal([]byte(raw.String), &attrs); err != nil {
		return nil, fmt.Errorf("failed to unmarshal attributes: %w", err)
	}
	return attrs, nil
}

// InsertMediaAssetTx inserts an asset row inside an open transaction.
func (d *Database) InsertMediaAssetTx(tx *sql.Tx, asset *MediaAsset) error {
	attrs, err := marshalAttributes(asset.Attributes)
	if err != nil {
		return err
	}
	_, err = tx.Exec(`INSERT INTO media_assets (id, media_type, path, attributes, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		asset.ID.String(), asset.MediaType, asset.Path, attrs, asset.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert media asset: %w", err)
	}
	return nil
}

// GetOrCreateFrameAssetTx inserts the frame asset unless a row with the same
// path already exists, and returns the surviving row. Concurrent writers
// racing on the same frame converge on one asset id.
func (d *Database) GetOrCreateFrameAssetTx(tx *sql.Tx, asset *MediaAsset) (*MediaAsset, error) {
	attrs, err := marshalAttributes(asset.Attributes)
	if err != nil {
		return nil, err
	}
	_, err = tx.Exec(`INSERT INTO media_assets (id, media_type, path, attributes, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(path) DO NOTHING`,
		asset.ID.String(), asset.MediaType, asset.Path, attrs, asset.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to upsert frame asset: %w", err)
	}

	existing, err := scanMediaAsset(tx.QueryRow(`SELECT id, media_type, path, attributes, created_at
		FROM media_assets WHERE path = ?`, asset.Path))
	if err != nil {
		return nil, fmt.Errorf("failed to read frame asset by path: %w", err)
	}
	return existing, nil
}

// GetMediaAsset retrieves an asset by id. Returns nil when absent.
func (d *Database) GetMediaAsset(id uuid.UUID) (*MediaAsset, error) {
	asset, err := scanMediaAsset(d.db.QueryRow(`SELECT id, media_type, path, attributes, created_at
		FROM media_assets WHERE id = ?`, id.String()))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get media asset: %w", err)
	}
	return asset, nil
}

// LatestFrameAsset returns the newest stored frame for a camera, or nil
// when none exists. Attributes are opaque JSON, so the camera match
// happens here over a bounded window of recent rows rather than in SQL.
func (d *Database) LatestFrameAsset(camera string) (*MediaAsset, error) {
	rows, err := d.db.Query(`SELECT id, media_type, path, attributes, created_at
		FROM media_assets WHERE media_type = ? ORDER BY created_at DESC LIMIT 100`, MediaTypeFrame)
	if err != nil {
		return nil, fmt.Errorf("failed to list frame assets: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		asset, err := scanMediaAsset(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan frame asset: %w", err)
		}
		if asset.Attributes["camera"] == camera {
			return asset, nil
		}
	}
	return nil, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMediaAsset(row rowScanner) (*MediaAsset, error) {
	var asset MediaAsset
	var id string
	var attrs sql.NullString
	if err := row.Scan(&id, &asset.MediaType, &asset.Path, &attrs, &asset.CreatedAt); err != nil {
		return nil, err
	}
	parsed, err := uuid.Parse(id)
	if err != nil {
		return nil, fmt.Errorf("invalid asset id %q: %w", id, err)
	}
	asset.ID = parsed
	if asset.Attributes, err = unmarshalAttributes(attrs); err != nil {
		return nil, err
	}
	return &asset, nil
}

// InsertEventTx inserts a person or vehicle event row inside an open
// transaction.
func (d *Database) InsertEventTx(tx *sql.Tx, kind EventKind, ev *EventRecord) error {
	var err error
	if kind == EventKindVehicle {
		label := ev.Label
		if label == "" {
			label = "vehicle"
		}
		_, err = tx.Exec(`INSERT INTO vehicle_events
			(id, camera, occurred_at, frame_asset_id, crop_asset_id, score, label, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			ev.ID.String(), ev.Camera, ev.OccurredAt, ev.FrameAssetID.String(),
			nullableID(ev.CropAssetID), nullableInt(ev.Score), label, ev.CreatedAt)
	} else {
		_, err = tx.Exec(`INSERT INTO person_events
			(id, camera, occurred_at, frame_asset_id, crop_asset_id, score, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			ev.ID.String(), ev.Camera, ev.OccurredAt, ev.FrameAssetID.String(),
			nullableID(ev.CropAssetID), nullableInt(ev.Score), ev.CreatedAt)
	}
	if err != nil {
		return fmt.Errorf("failed to insert %s event: %w", kind, err)
	}
	return nil
}

// InsertJobTx records a ledger row inside an open transaction.
func (d *Database) InsertJobTx(tx *sql.Tx, job *JobRecord) error {
	payload, err := marshalAttributes(job.Payload)
	if err != nil {
		return err
	}
	_, err = tx.Exec(`INSERT INTO jobs (id, job_type, status, payload, created_at, updated_at, error)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		job.ID.String(), job.JobType, job.Status, payload,
		job.CreatedAt, job.UpdatedAt, nullableString(job.Error))
	if err != nil {
		return fmt.Errorf("failed to insert job: %w", err)
	}
	return nil
}

// InsertNotification records one delivery attempt.
func (d *Database) InsertNotification(n *NotificationRecord) error {
	payload, err := marshalAttributes(n.Payload)
	if err != nil {
		return err
	}
	_, err = d.db.Exec(`INSERT INTO notifications
		(id, event_type, event_id, status, payload, created_at, sent_at, error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		n.ID.String(), n.EventType, n.EventID.String(), n.Status, payload,
		n.CreatedAt, n.SentAt, nullableString(n.Error))
	if err != nil {
		return fmt.Errorf("failed to insert notification: %w", err)
	}
	return nil
}

// RecentEvents returns the newest events of one kind, newest first.
func (d *Database) RecentEvents(kind EventKind, limit int) ([]*EventRecord, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s ORDER BY occurred_at DESC LIMIT ?`,
		eventColumns(kind), kind.table())
	rows, err := d.db.Query(query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list %s events: %w", kind, err)
	}
	defer rows.Close()
	return collectEvents(rows, kind)
}

// EventFilter narrows FilterEvents output. Zero values mean "any".
type EventFilter struct {
	Camera string
	Start  *time.Time
	End    *time.Time
	Limit  int
}

// FilterEvents returns events of one kind matching the filter, newest first.
func (d *Database) FilterEvents(kind EventKind, filter EventFilter) ([]*EventRecord, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE 1=1`, eventColumns(kind), kind.table())
	args := []any{}

	if filter.Camera != "" {
		query += " AND camera = ?"
		args = append(args, filter.Camera)
	}
	if filter.Start != nil {
		query += " AND occurred_at >= ?"
		args = append(args, *filter.Start)
	}
	if filter.End != nil {
		query += " AND occurred_at <= ?"
		args = append(args, *filter.End)
	}
	query += " ORDER BY occurred_at DESC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := d.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to filter %s events: %w", kind, err)
	}
	defer rows.Close()
	return collectEvents(rows, kind)
}

// ExpiredEvents returns events of one kind older than the cutoff.
func (d *Database) ExpiredEvents(kind EventKind, cutoff time.Time) ([]*EventRecord, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE occurred_at < ?`, eventColumns(kind), kind.table())
	rows, err := d.db.Query(query, cutoff)
	if err != nil {
		return nil, fmt.Errorf("failed to select expired %s events: %w", kind, err)
	}
	defer rows.Close()
	return collectEvents(rows, kind)
}

func eventColumns(kind EventKind) string {
	if kind == EventKindVehicle {
		return "id, camera, occurred_at, frame_asset_id, crop_asset_id, score, label, created_at"
	}
	return "id, camera, occurred_at, frame_asset_id, crop_asset_id, score, created_at"
}

func collectEvents(rows *sql.Rows, kind EventKind) ([]*EventRecord, error) {
	var events []*EventRecord
	for rows.Next() {
		ev, err := scanEvent(rows, kind)
		if err != nil {
			return nil, fmt.Errorf("failed to scan %s event: %w", kind, err)
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

func scanEvent(row rowScanner, kind EventKind) (*EventRecord, error) {
	var ev EventRecord
	var id, frameID string
	var cropID sql.NullString
	var score sql.NullInt64

	var err error
	if kind == EventKindVehicle {
		err = row.Scan(&id, &ev.Camera, &ev.OccurredAt, &frameID, &cropID, &score, &ev.Label, &ev.CreatedAt)
	} else {
		err = row.Scan(&id, &ev.Camera, &ev.OccurredAt, &frameID, &cropID, &score, &ev.CreatedAt)
	}
	if err != nil {
		return nil, err
	}

	if ev.ID, err = uuid.Parse(id); err != nil {
		return nil, fmt.Errorf("invalid event id %q: %w", id, err)
	}
	if ev.FrameAssetID, err = uuid.Parse(frameID); err != nil {
		return nil, fmt.Errorf("invalid frame asset id %q: %w", frameID, err)
	}
	if cropID.Valid {
		if ev.CropAssetID, err = uuid.Parse(cropID.String); err != nil {
			return nil, fmt.Errorf("invalid crop asset id %q: %w", cropID.String, err)
		}
	}
	if score.Valid {
		v := int(score.Int64)
		ev.Score = &v
	}
	return &ev, nil
}

// DeleteEventsTx removes event rows by id inside an open transaction.
func (d *Database) DeleteEventsTx(tx *sql.Tx, kind EventKind, ids []uuid.UUID) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	query := fmt.Sprintf(`DELETE FROM %s WHERE id IN (%s)`, kind.table(), placeholders(len(ids)))
	res, err := tx.Exec(query, idArgs(ids)...)
	if err != nil {
		return 0, fmt.Errorf("failed to delete %s events: %w", kind, err)
	}
	return res.RowsAffected()
}

// DeleteNotificationsByEventTx removes notification rows referencing the
// given events inside an open transaction.
func (d *Database) DeleteNotificationsByEventTx(tx *sql.Tx, eventIDs []uuid.UUID) (int64, error) {
	if len(eventIDs) == 0 {
		return 0, nil
	}
	query := fmt.Sprintf(`DELETE FROM notifications WHERE event_id IN (%s)`, placeholders(len(eventIDs)))
	res, err := tx.Exec(query, idArgs(eventIDs)...)
	if err != nil {
		return 0, fmt.Errorf("failed to delete notifications: %w", err)
	}
	return res.RowsAffected()
}

// MediaAssetPathsTx returns the paths of the given assets inside an open
// transaction.
func (d *Database) MediaAssetPathsTx(tx *sql.Tx, ids []uuid.UUID) ([]string, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	query := fmt.Sprintf(`SELECT path FROM media_assets WHERE id IN (%s)`, placeholders(len(ids)))
	rows, err := tx.Query(query, idArgs(ids)...)
	if err != nil {
		return nil, fmt.Errorf("failed to select asset paths: %w", err)
	}
	defer rows.Close()

	var paths []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, fmt.Errorf("failed to scan asset path: %w", err)
		}
		paths = append(paths, p)
	}
	return paths, rows.Err()
}

// DeleteMediaAssetsTx removes asset rows by id inside an open transaction.
func (d *Database) DeleteMediaAssetsTx(tx *sql.Tx, ids []uuid.UUID) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	query := fmt.Sprintf(`DELETE FROM media_assets WHERE id IN (%s)`, placeholders(len(ids)))
	res, err := tx.Exec(query, idArgs(ids)...)
	if err != nil {
		return 0, fmt.Errorf("failed to delete media assets: %w", err)
	}
	return res.RowsAffected()
}

// UpsertSetting stores a JSON value under a unique key.
func (d *Database) UpsertSetting(key string, value json.RawMessage) error {
	if !json.Valid(value) {
		return fmt.Errorf("setting %q: value is not valid JSON", key)
	}
	_, err := d.db.Exec(`INSERT INTO settings (key, value, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			value = excluded.value,
			updated_at = excluded.updated_at`,
		key, string(value), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to upsert setting: %w", err)
	}
	return nil
}

// GetSetting retrieves a setting value. Returns nil when the key is absent.
func (d *Database) GetSetting(key string) (json.RawMessage, error) {
	var value string
	err := d.db.QueryRow(`SELECT value FROM settings WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get setting: %w", err)
	}
	return json.RawMessage(value), nil
}

// Counts returns per-table row counts for the stats endpoint.
func (d *Database) Counts() (map[string]int64, error) {
	counts := make(map[string]int64)
	for _, table := range []string{"person_events", "vehicle_events", "media_assets", "notifications", "jobs"} {
		var n int64
		if err := d.db.QueryRow("SELECT COUNT(*) FROM " + table).Scan(&n); err != nil {
			return nil, fmt.Errorf("failed to count %s: %w", table, err)
		}
		counts[table] = n
	}
	return counts, nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func idArgs(ids []uuid.UUID) []any {
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id.String()
	}
	return args
}

func nullableID(id uuid.UUID) any {
	if id == uuid.Nil {
		return nil
	}
	return id.String()
}

func nullableInt(v *int) any {
	if v == nil {
		return nil
	}
	return *v
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
