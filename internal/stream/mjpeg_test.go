package stream

import (
	"context"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"go.viam.com/test"
)

func TestPublishAndLatest(t *testing.T) {
	cache := NewFrameCache()

	_, ok := cache.Latest("front")
	test.That(t, ok, test.ShouldBeFalse)

	at := time.Date(2026, 4, 1, 12, 0, 0, 0, time.UTC)
	cache.Publish("front", at, []byte("jpeg-1"))
	cache.Publish("front", at.Add(time.Second), []byte("jpeg-2"))

	frame, ok := cache.Latest("front")
	test.That(t, ok, test.ShouldBeTrue)
	test.That(t, string(frame.Data), test.ShouldEqual, "jpeg-2")
	test.That(t, frame.Camera, test.ShouldEqual, "front")
	test.That(t, frame.CapturedAt.Equal(at.Add(time.Second)), test.ShouldBeTrue)
}

func TestPublishIgnoresEmpty(t *testing.T) {
	cache := NewFrameCache()
	cache.Publish("front", time.Now(), nil)
	_, ok := cache.Latest("front")
	test.That(t, ok, test.ShouldBeFalse)
}

func TestCamerasSorted(t *testing.T) {
	cache := NewFrameCache()
	cache.Publish("yard", time.Now(), []byte("a"))
	cache.Publish("front", time.Now(), []byte("b"))
	test.That(t, cache.Cameras(), test.ShouldResemble, []string{"front", "yard"})
}

func TestSubscribeLatestWins(t *testing.T) {
	cache := NewFrameCache()
	frames, cancel := cache.Subscribe("front")
	defer cancel()

	now := time.Now()
	cache.Publish("front", now, []byte("old"))
	cache.Publish("front", now.Add(time.Second), []byte("new"))

	// The viewer never read "old", so it was replaced in place.
	frame := <-frames
	test.That(t, string(frame.Data), test.ShouldEqual, "new")
	select {
	case <-frames:
		t.Fatal("expected a single pending frame")
	default:
	}
}

func TestSubscribeCancelDetaches(t *testing.T) {
	cache := NewFrameCache()
	_, cancel := cache.Subscribe("front")
	test.That(t, cache.ViewerCount("front"), test.ShouldEqual, 1)
	cancel()
	test.That(t, cache.ViewerCount("front"), test.ShouldEqual, 0)
}

func TestServeMJPEGUnknownCamera(t *testing.T) {
	cache := NewFrameCache()
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cache.ServeMJPEG(w, r, "front")
	}))
	defer ts.Close()

	resp, err := http.Get(ts.URL)
	test.That(t, err, test.ShouldBeNil)
	defer resp.Body.Close()
	test.That(t, resp.StatusCode, test.ShouldEqual, http.StatusNotFound)
	test.That(t, cache.ViewerCount("front"), test.ShouldEqual, 0)
}

func TestServeMJPEGStreamsFrames(t *testing.T) {
	cache := NewFrameCache()
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cache.ServeMJPEG(w, r, "front")
	}))
	defer ts.Close()

	first := []byte("first-frame")
	cache.Publish("front", time.Now(), first)

	ctx, cancelReq := context.WithCancel(context.Background())
	defer cancelReq()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL, nil)
	test.That(t, err, test.ShouldBeNil)
	resp, err := ts.Client().Do(req)
	test.That(t, err, test.ShouldBeNil)
	defer resp.Body.Close()

	test.That(t, resp.Header.Get("Content-Type"), test.ShouldEqual, "multipart/x-mixed-replace; boundary=frame")

	reader := multipart.NewReader(resp.Body, "frame")
	part, err := reader.NextPart()
	test.That(t, err, test.ShouldBeNil)
	test.That(t, part.Header.Get("Content-Type"), test.ShouldEqual, "image/jpeg")

	// The first part's body only terminates once the next boundary
	// arrives, so publish the second frame before draining it.
	second := []byte("second-frame")
	cache.Publish("front", time.Now(), second)

	body, err := io.ReadAll(part)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, body, test.ShouldResemble, first)

	part, err = reader.NextPart()
	test.That(t, err, test.ShouldBeNil)
	test.That(t, part.Header.Get("Content-Length"), test.ShouldEqual, strconv.Itoa(len(second)))

	resp.Body.Close()
	cancelReq()
	deadline := time.Now().Add(2 * time.Second)
	for cache.ViewerCount("front") != 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	test.That(t, cache.ViewerCount("front"), test.ShouldEqual, 0)
}

func TestServeSnapshot(t *testing.T) {
	cache := NewFrameCache()

	rec := httptest.NewRecorder()
	cache.ServeSnapshot(rec, "front")
	test.That(t, rec.Code, test.ShouldEqual, http.StatusNotFound)

	cache.Publish("front", time.Now(), []byte("jpeg"))
	rec = httptest.NewRecorder()
	cache.ServeSnapshot(rec, "front")
	test.That(t, rec.Code, test.ShouldEqual, http.StatusOK)
	test.That(t, rec.Header().Get("Content-Type"), test.ShouldEqual, "image/jpeg")
	test.That(t, rec.Body.Bytes(), test.ShouldResemble, []byte("jpeg"))
}
