package telegram

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"go.viam.com/test"

	"vigil/internal/database"
	"vigil/internal/media"
	"vigil/internal/pipeline"
	"vigil/internal/stream"
)

type listenerFixture struct {
	listener *CommandListener
	db       *database.Database
	store    *media.Store
	live     *stream.FrameCache
	mute     *pipeline.MuteSwitch
	clk      *clock.Mock

	mu       sync.Mutex
	messages []string
	captions []string
	photos   [][]byte
	offsets  []string
	updates  chan []Update
}

func newListenerFixture(t *testing.T) *listenerFixture {
	t.Helper()
	f := &listenerFixture{updates: make(chan []Update, 4)}

	bot := newTestBot(t, func(w http.ResponseWriter, r *http.Request) {
		switch {
		case strings.HasSuffix(r.URL.Path, "/getUpdates"):
			var batch []Update
			select {
			case batch = <-f.updates:
			default:
			}
			f.mu.Lock()
			f.offsets = append(f.offsets, r.URL.Query().Get("offset"))
			f.mu.Unlock()
			json.NewEncoder(w).Encode(getUpdatesResponse{OK: true, Result: batch})
		case strings.HasSuffix(r.URL.Path, "/sendMessage"):
			var body map[string]interface{}
			json.NewDecoder(r.Body).Decode(&body)
			f.mu.Lock()
			f.messages = append(f.messages, body["text"].(string))
			f.mu.Unlock()
			json.NewEncoder(w).Encode(Response{OK: true})
		case strings.HasSuffix(r.URL.Path, "/sendPhoto"):
			test.That(t, r.ParseMultipartForm(1<<20), test.ShouldBeNil)
			file, _, err := r.FormFile("photo")
			test.That(t, err, test.ShouldBeNil)
			data, err := io.ReadAll(file)
			test.That(t, err, test.ShouldBeNil)
			file.Close()
			f.mu.Lock()
			f.captions = append(f.captions, r.FormValue("caption"))
			f.photos = append(f.photos, data)
			f.mu.Unlock()
			json.NewEncoder(w).Encode(Response{OK: true})
		default:
			json.NewEncoder(w).Encode(Response{OK: true})
		}
	})

	root := t.TempDir()
	db, err := database.New(filepath.Join(root, "vigil.db"))
	test.That(t, err, test.ShouldBeNil)
	test.That(t, db.Migrate(), test.ShouldBeNil)
	t.Cleanup(func() { db.Close() })

	store, err := media.NewStore(filepath.Join(root, "media"))
	test.That(t, err, test.ShouldBeNil)

	f.db = db
	f.store = store
	f.live = stream.NewFrameCache()
	f.clk = clock.NewMock()
	f.mute = pipeline.NewMuteSwitch(f.clk)
	f.listener = NewCommandListener(bot, db, store, f.live, f.mute, zap.NewNop())
	return f
}

func (f *listenerFixture) sentMessages() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.messages...)
}

func (f *listenerFixture) sentOffsets() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.offsets...)
}

func chatMessage(text string) *Message {
	return &Message{MessageID: 1, Chat: Chat{ID: 12345}, Text: text}
}

func TestListenerHelp(t *testing.T) {
	f := newListenerFixture(t)
	f.listener.handleMessage(context.Background(), chatMessage("/help"))

	msgs := f.sentMessages()
	test.That(t, msgs, test.ShouldHaveLength, 1)
	test.That(t, msgs[0], test.ShouldContainSubstring, "/status")
	test.That(t, msgs[0], test.ShouldContainSubstring, "/mute")
}

func TestListenerIgnoresUnauthorizedChat(t *testing.T) {
	f := newListenerFixture(t)
	msg := &Message{MessageID: 1, Chat: Chat{ID: 999}, Text: "/help"}
	f.listener.handleMessage(context.Background(), msg)
	test.That(t, f.sentMessages(), test.ShouldBeEmpty)
}

func TestListenerIgnoresPlainText(t *testing.T) {
	f := newListenerFixture(t)
	f.listener.handleMessage(context.Background(), chatMessage("good morning"))
	test.That(t, f.sentMessages(), test.ShouldBeEmpty)
}

func TestListenerUnknownCommand(t *testing.T) {
	f := newListenerFixture(t)
	f.listener.handleMessage(context.Background(), chatMessage("/reboot"))

	msgs := f.sentMessages()
	test.That(t, msgs, test.ShouldHaveLength, 1)
	test.That(t, msgs[0], test.ShouldContainSubstring, "Unknown command: /reboot")
}

func TestListenerStripsBotSuffix(t *testing.T) {
	f := newListenerFixture(t)
	f.listener.handleMessage(context.Background(), chatMessage("/help@vigil_bot"))

	msgs := f.sentMessages()
	test.That(t, msgs, test.ShouldHaveLength, 1)
	test.That(t, msgs[0], test.ShouldContainSubstring, "/status")
}

func TestListenerStatus(t *testing.T) {
	f := newListenerFixture(t)
	f.live.Publish("front", time.Now(), []byte("jpeg"))
	f.mute.MuteFor(10 * time.Minute)

	f.listener.handleMessage(context.Background(), chatMessage("/status"))

	msgs := f.sentMessages()
	test.That(t, msgs, test.ShouldHaveLength, 1)
	test.That(t, msgs[0], test.ShouldContainSubstring, "Cameras: front")
	test.That(t, msgs[0], test.ShouldContainSubstring, "muted until")
	test.That(t, msgs[0], test.ShouldContainSubstring, "Persons: 0, vehicles: 0, notifications: 0")
}

func seedListenerEvent(t *testing.T, db *database.Database, kind database.EventKind, camera string, occurredAt time.Time, label string) {
	t.Helper()
	tx, err := db.Begin()
	test.That(t, err, test.ShouldBeNil)
	defer tx.Rollback()

	frame, err := db.GetOrCreateFrameAssetTx(tx, &database.MediaAsset{
		ID:         uuid.New(),
		MediaType:  database.MediaTypeFrame,
		Path:       "frame/" + uuid.New().String() + ".jpg",
		Attributes: map[string]string{"camera": camera},
		CreatedAt:  occurredAt,
	})
	test.That(t, err, test.ShouldBeNil)

	ev := &database.EventRecord{
		ID:           uuid.New(),
		Camera:       camera,
		OccurredAt:   occurredAt,
		FrameAssetID: frame.ID,
		Label:        label,
		CreatedAt:    occurredAt,
	}
	test.That(t, db.InsertEventTx(tx, kind, ev), test.ShouldBeNil)
	test.That(t, tx.Commit(), test.ShouldBeNil)
}

func TestListenerEvents(t *testing.T) {
	f := newListenerFixture(t)
	base := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	seedListenerEvent(t, f.db, database.EventKindPerson, "front", base, "")
	seedListenerEvent(t, f.db, database.EventKindVehicle, "back", base.Add(time.Minute), "car")

	f.listener.handleMessage(context.Background(), chatMessage("/events"))

	msgs := f.sentMessages()
	test.That(t, msgs, test.ShouldHaveLength, 1)
	lines := strings.Split(msgs[0], "\n")
	test.That(t, lines, test.ShouldHaveLength, 2)
	// Newest first across both kinds.
	test.That(t, lines[0], test.ShouldContainSubstring, "09:01:00")
	test.That(t, lines[0], test.ShouldContainSubstring, "car")
	test.That(t, lines[1], test.ShouldContainSubstring, "09:00:00")
	test.That(t, lines[1], test.ShouldContainSubstring, "person")
}

func TestListenerEventsValidation(t *testing.T) {
	f := newListenerFixture(t)

	f.listener.handleMessage(context.Background(), chatMessage("/events abc"))
	f.listener.handleMessage(context.Background(), chatMessage("/events 0"))
	f.listener.handleMessage(context.Background(), chatMessage("/events"))

	msgs := f.sentMessages()
	test.That(t, msgs, test.ShouldHaveLength, 3)
	test.That(t, msgs[0], test.ShouldContainSubstring, "Usage: /events")
	test.That(t, msgs[1], test.ShouldContainSubstring, "Usage: /events")
	test.That(t, msgs[2], test.ShouldEqual, "No events recorded.")
}

func TestListenerSnapshotFromLive(t *testing.T) {
	f := newListenerFixture(t)
	f.live.Publish("front", time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC), []byte("live-jpeg"))

	// A single camera needs no argument.
	f.listener.handleMessage(context.Background(), chatMessage("/snapshot"))

	f.mu.Lock()
	defer f.mu.Unlock()
	test.That(t, f.photos, test.ShouldHaveLength, 1)
	test.That(t, f.photos[0], test.ShouldResemble, []byte("live-jpeg"))
	test.That(t, f.captions[0], test.ShouldContainSubstring, "Camera front")
	test.That(t, f.captions[0], test.ShouldContainSubstring, "2026-05-01T09:00:00Z")
}

func TestListenerSnapshotFallsBackToStore(t *testing.T) {
	f := newListenerFixture(t)

	frameID := uuid.New()
	path, err := f.store.SaveFrame(frameID, []byte("stored-jpeg"), "")
	test.That(t, err, test.ShouldBeNil)

	tx, err := f.db.Begin()
	test.That(t, err, test.ShouldBeNil)
	test.That(t, f.db.InsertMediaAssetTx(tx, &database.MediaAsset{
		ID:         frameID,
		MediaType:  database.MediaTypeFrame,
		Path:       path,
		Attributes: map[string]string{"camera": "front"},
		CreatedAt:  time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC),
	}), test.ShouldBeNil)
	test.That(t, tx.Commit(), test.ShouldBeNil)

	f.listener.handleMessage(context.Background(), chatMessage("/snapshot front"))

	f.mu.Lock()
	defer f.mu.Unlock()
	test.That(t, f.photos, test.ShouldHaveLength, 1)
	test.That(t, f.photos[0], test.ShouldResemble, []byte("stored-jpeg"))
}

func TestListenerSnapshotNoFrame(t *testing.T) {
	f := newListenerFixture(t)

	f.listener.handleMessage(context.Background(), chatMessage("/snapshot ghost"))

	msgs := f.sentMessages()
	test.That(t, msgs, test.ShouldHaveLength, 1)
	test.That(t, msgs[0], test.ShouldContainSubstring, "No frame available for camera ghost")

	// No cameras at all means the bare command cannot pick one.
	f.listener.handleMessage(context.Background(), chatMessage("/snapshot"))
	msgs = f.sentMessages()
	test.That(t, msgs[1], test.ShouldContainSubstring, "Usage: /snapshot")
}

func TestListenerMuteUnmute(t *testing.T) {
	f := newListenerFixture(t)

	f.listener.handleMessage(context.Background(), chatMessage("/mute 30"))
	test.That(t, f.mute.Muted(), test.ShouldBeTrue)
	test.That(t, f.mute.MutedUntil().Equal(f.clk.Now().Add(30*time.Minute)), test.ShouldBeTrue)

	f.listener.handleMessage(context.Background(), chatMessage("/unmute"))
	test.That(t, f.mute.Muted(), test.ShouldBeFalse)

	f.listener.handleMessage(context.Background(), chatMessage("/mute abc"))
	test.That(t, f.mute.Muted(), test.ShouldBeFalse)

	msgs := f.sentMessages()
	test.That(t, msgs, test.ShouldHaveLength, 3)
	test.That(t, msgs[0], test.ShouldContainSubstring, "muted until")
	test.That(t, msgs[1], test.ShouldEqual, "Notifications unmuted.")
	test.That(t, msgs[2], test.ShouldContainSubstring, "Usage: /mute")
}

func TestListenerRunPollsWithOffset(t *testing.T) {
	f := newListenerFixture(t)
	f.listener.SetPollInterval(10 * time.Millisecond)
	f.updates <- []Update{{UpdateID: 7, Message: chatMessage("/help")}}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		f.listener.Run(ctx)
		close(done)
	}()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if len(f.sentMessages()) > 0 && len(f.sentOffsets()) >= 2 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("listener did not stop")
	}

	msgs := f.sentMessages()
	test.That(t, msgs, test.ShouldNotBeEmpty)
	test.That(t, msgs[0], test.ShouldContainSubstring, "/status")

	// The first poll starts at offset 1; after update 7 it resumes at 8.
	offsets := f.sentOffsets()
	test.That(t, offsets[0], test.ShouldEqual, "1")
	test.That(t, offsets, test.ShouldContain, "8")
}
