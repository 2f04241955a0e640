package pipeline

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"go.viam.com/test"

	"vigil/internal/database"
	"vigil/internal/media"
	"vigil/internal/vision"
)

type writerFixture struct {
	dbPath string
	store  *media.Store
	in     *Queue[DetectionBundle]
	notifQ *Queue[NotificationJob]
	bus    *EventBus
}

func newWriterFixture(t *testing.T) *writerFixture {
	t.Helper()
	tmp := t.TempDir()
	dbPath := filepath.Join(tmp, "vigil.db")

	db, err := database.New(dbPath)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, db.Migrate(), test.ShouldBeNil)
	test.That(t, db.Close(), test.ShouldBeNil)

	store, err := media.NewStore(filepath.Join(tmp, "media"))
	test.That(t, err, test.ShouldBeNil)

	return &writerFixture{
		dbPath: dbPath,
		store:  store,
		in:     NewQueue[DetectionBundle]("in", 8),
		notifQ: NewQueue[NotificationJob]("notifications", 8),
		bus:    NewEventBus(),
	}
}

func (f *writerFixture) runWriter(t *testing.T, kind database.EventKind, bundles ...DetectionBundle) {
	t.Helper()
	w := NewEventWriter(kind, f.in, f.notifQ, &Flag{}, f.dbPath, f.store, f.bus, zap.NewNop())
	for _, b := range bundles {
		test.That(t, f.in.TryPut(b), test.ShouldBeTrue)
	}
	test.That(t, f.in.TryPoison("shutdown"), test.ShouldBeTrue)

	done := make(chan struct{})
	go func() {
		w.Run()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("writer did not stop")
	}
}

func (f *writerFixture) openDB(t *testing.T) *database.Database {
	t.Helper()
	db, err := database.New(f.dbPath)
	test.That(t, err, test.ShouldBeNil)
	t.Cleanup(func() { db.Close() })
	return db
}

func personBundle(capturedAt time.Time) DetectionBundle {
	return DetectionBundle{
		FrameID:    uuid.New(),
		Camera:     "front",
		CapturedAt: capturedAt,
		FrameData:  []byte("frame-bytes"),
		Detections: []vision.Detection{{
			Box:   vision.Box{X: 10, Y: 10, W: 20, H: 40},
			Score: 0.875,
			Label: "person",
			Crop:  []byte("crop-bytes"),
		}},
	}
}

func TestEventWriterPersistsBundle(t *testing.T) {
	f := newWriterFixture(t)
	events, cancel := f.bus.Subscribe("", 8)
	defer cancel()

	capturedAt := time.Now().UTC().Truncate(time.Second)
	bundle := personBundle(capturedAt)
	f.runWriter(t, database.EventKindPerson, bundle)

	job, pill := f.notifQ.Get()
	test.That(t, pill, test.ShouldBeFalse)
	test.That(t, job.EventType, test.ShouldEqual, "person")
	test.That(t, job.Camera, test.ShouldEqual, "front")
	test.That(t, job.OccurredAt.Equal(capturedAt), test.ShouldBeTrue)
	test.That(t, f.store.Exists(job.CropPath), test.ShouldBeTrue)

	_, pill = f.notifQ.Get()
	test.That(t, pill, test.ShouldBeTrue)

	select {
	case a := <-events:
		test.That(t, a.EventType, test.ShouldEqual, "person")
		test.That(t, a.Camera, test.ShouldEqual, "front")
		test.That(t, a.Label, test.ShouldEqual, "person")
		test.That(t, *a.Score, test.ShouldEqual, 88)
	case <-time.After(time.Second):
		t.Fatal("no event announcement")
	}

	db := f.openDB(t)
	records, err := db.RecentEvents(database.EventKindPerson, 10)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, records, test.ShouldHaveLength, 1)
	ev := records[0]
	test.That(t, ev.Camera, test.ShouldEqual, "front")
	test.That(t, ev.Label, test.ShouldEqual, "person")
	test.That(t, *ev.Score, test.ShouldEqual, 88)
	test.That(t, ev.OccurredAt.Equal(capturedAt), test.ShouldBeTrue)

	frameAsset, err := db.GetMediaAsset(ev.FrameAssetID)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, frameAsset, test.ShouldNotBeNil)
	test.That(t, frameAsset.MediaType, test.ShouldEqual, database.MediaTypeFrame)
	test.That(t, frameAsset.Attributes["camera"], test.ShouldEqual, "front")
	data, err := os.ReadFile(frameAsset.Path)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, string(data), test.ShouldEqual, "frame-bytes")

	cropAsset, err := db.GetMediaAsset(ev.CropAssetID)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, cropAsset, test.ShouldNotBeNil)
	test.That(t, cropAsset.MediaType, test.ShouldEqual, database.MediaTypePersonCrop)
	data, err = os.ReadFile(cropAsset.Path)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, string(data), test.ShouldEqual, "crop-bytes")

	counts, err := db.Counts()
	test.That(t, err, test.ShouldBeNil)
	test.That(t, counts["jobs"], test.ShouldEqual, 1)
	test.That(t, counts["media_assets"], test.ShouldEqual, 2)
}

func TestEventWriterVehicleKind(t *testing.T) {
	f := newWriterFixture(t)

	bundle := personBundle(time.Now().UTC())
	bundle.Detections[0].Label = "car"
	f.runWriter(t, database.EventKindVehicle, bundle)

	job, pill := f.notifQ.Get()
	test.That(t, pill, test.ShouldBeFalse)
	test.That(t, job.EventType, test.ShouldEqual, "vehicle")

	db := f.openDB(t)
	records, err := db.RecentEvents(database.EventKindVehicle, 10)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, records, test.ShouldHaveLength, 1)
	test.That(t, records[0].Label, test.ShouldEqual, "car")

	frameAsset, err := db.GetMediaAsset(records[0].FrameAssetID)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, strings.Contains(frameAsset.Path, "_vehicle"), test.ShouldBeTrue)

	cropAsset, err := db.GetMediaAsset(records[0].CropAssetID)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, cropAsset.MediaType, test.ShouldEqual, database.MediaTypeVehicleCrop)
}

func TestEventWriterFrameAssetDedup(t *testing.T) {
	f := newWriterFixture(t)

	// The same frame processed twice, as after a writer restart, must not
	// duplicate the frame asset row.
	bundle := personBundle(time.Now().UTC())
	f.runWriter(t, database.EventKindPerson, bundle)
	f.runWriter(t, database.EventKindPerson, bundle)

	db := f.openDB(t)
	records, err := db.RecentEvents(database.EventKindPerson, 10)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, records, test.ShouldHaveLength, 2)
	test.That(t, records[0].FrameAssetID.String(), test.ShouldEqual, records[1].FrameAssetID.String())
}

func TestEventWriterNotifQueueFullDropsJob(t *testing.T) {
	f := newWriterFixture(t)
	f.notifQ = NewQueue[NotificationJob]("notifications", 1)
	test.That(t, f.notifQ.TryPut(NotificationJob{Camera: "placeholder"}), test.ShouldBeTrue)

	f.runWriter(t, database.EventKindPerson, personBundle(time.Now().UTC()))

	// The placeholder is still the only job; the event made it to the
	// database regardless.
	job, pill := f.notifQ.Get()
	test.That(t, pill, test.ShouldBeFalse)
	test.That(t, job.Camera, test.ShouldEqual, "placeholder")
	test.That(t, f.notifQ.Len(), test.ShouldEqual, 0)

	db := f.openDB(t)
	records, err := db.RecentEvents(database.EventKindPerson, 10)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, records, test.ShouldHaveLength, 1)
}

func TestEventWriterSkipsEmptyBundles(t *testing.T) {
	f := newWriterFixture(t)

	bundle := personBundle(time.Now().UTC())
	bundle.Detections = nil
	f.runWriter(t, database.EventKindPerson, bundle)

	test.That(t, f.notifQ.Len(), test.ShouldEqual, 1) // just the pill
	db := f.openDB(t)
	counts, err := db.Counts()
	test.That(t, err, test.ShouldBeNil)
	test.That(t, counts["person_events"], test.ShouldEqual, 0)
	test.That(t, counts["media_assets"], test.ShouldEqual, 0)
}
