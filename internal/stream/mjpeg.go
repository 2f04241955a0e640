// Package stream fans captured camera frames out to live HTTP viewers.
//
// The ingestion stage publishes every encoded frame into a FrameCache.
// Viewers attach to one camera and receive frames as an MJPEG stream
// (multipart/x-mixed-replace), which browsers render without a player.
package stream

import (
	"fmt"
	"io"
	"net/http"
	"sort"
	"strconv"
	"sync"
	"time"
)

// Frame is one JPEG-encoded camera frame.
type Frame struct {
	Camera     string
	CapturedAt time.Time
	Data       []byte
}

// FrameCache holds the most recent frame per camera and forwards new
// frames to subscribed viewers. A viewer that falls behind has its
// pending frame replaced rather than queued behind, so every read
// yields the newest frame available.
type FrameCache struct {
	mu      sync.RWMutex
	latest  map[string]Frame
	viewers map[string]map[chan Frame]struct{}
}

// NewFrameCache builds an empty cache.
func NewFrameCache() *FrameCache {
	return &FrameCache{
		latest:  make(map[string]Frame),
		viewers: make(map[string]map[chan Frame]struct{}),
	}
}

// Publish stores the frame as the camera's latest and hands it to every
// attached viewer. Empty payloads are ignored.
func (c *FrameCache) Publish(camera string, capturedAt time.Time, data []byte) {
	if len(data) == 0 {
		return
	}
	frame := Frame{Camera: camera, CapturedAt: capturedAt, Data: data}

	c.mu.Lock()
	c.latest[camera] = frame
	targets := make([]chan Frame, 0, len(c.viewers[camera]))
	for ch := range c.viewers[camera] {
		targets = append(targets, ch)
	}
	c.mu.Unlock()

	for _, ch := range targets {
		select {
		case ch <- frame:
		default:
			// The viewer still holds an undelivered frame; swap it
			// for the newer one.
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- frame:
			default:
			}
		}
	}
}

// Latest returns the camera's most recent frame.
func (c *FrameCache) Latest(camera string) (Frame, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	frame, ok := c.latest[camera]
	return frame, ok
}

// Cameras lists every camera that has published a frame, sorted.
func (c *FrameCache) Cameras() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	names := make([]string, 0, len(c.latest))
	for name := range c.latest {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Subscribe attaches a viewer to a camera. The returned cancel func
// detaches it. The channel is never closed; readers stop on their own
// signal.
func (c *FrameCache) Subscribe(camera string) (<-chan Frame, func()) {
	ch := make(chan Frame, 1)
	c.mu.Lock()
	if c.viewers[camera] == nil {
		c.viewers[camera] = make(map[chan Frame]struct{})
	}
	c.viewers[camera][ch] = struct{}{}
	c.mu.Unlock()

	cancel := func() {
		c.mu.Lock()
		delete(c.viewers[camera], ch)
		c.mu.Unlock()
	}
	return ch, cancel
}

// ViewerCount reports how many viewers are attached to a camera.
func (c *FrameCache) ViewerCount(camera string) int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.viewers[camera])
}

// ServeMJPEG streams the camera's frames to one HTTP client until the
// client disconnects. Cameras that have never published yield 404.
func (c *FrameCache) ServeMJPEG(w http.ResponseWriter, r *http.Request, camera string) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	// Attach first: frames published after the snapshot read land in
	// the channel instead of being lost.
	frames, cancel := c.Subscribe(camera)
	defer cancel()

	last, found := c.Latest(camera)
	if !found {
		http.Error(w, fmt.Sprintf("no frames for camera %s", camera), http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", "multipart/x-mixed-replace; boundary=frame")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	if err := writePart(w, last.Data); err != nil {
		return
	}
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case frame := <-frames:
			if err := writePart(w, frame.Data); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

// ServeSnapshot writes the camera's most recent frame as a plain JPEG.
func (c *FrameCache) ServeSnapshot(w http.ResponseWriter, camera string) {
	frame, ok := c.Latest(camera)
	if !ok {
		http.Error(w, fmt.Sprintf("no frames for camera %s", camera), http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "image/jpeg")
	w.Header().Set("Content-Length", strconv.Itoa(len(frame.Data)))
	w.Write(frame.Data)
}

func writePart(w io.Writer, data []byte) error {
	if _, err := fmt.Fprintf(w, "--frame\r\nContent-Type: image/jpeg\r\nContent-Length: %d\r\n\r\n", len(data)); err != nil {
		return err
	}
	if _, err := w.Write(data); err != nil {
		return err
	}
	_, err := io.WriteString(w, "\r\n")
	return err
}
