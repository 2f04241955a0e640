package pipeline

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gocv.io/x/gocv"

	"vigil/internal/metrics"
	"vigil/internal/vision"
)

// captureErrorInterval throttles repeated capture failures per camera so a
// dead stream logs once a minute instead of once a tick.
const captureErrorInterval = time.Minute

// CameraSource is one configured camera: a name and either a stream URI or
// a directory/file path.
type CameraSource struct {
	Name string
	URI  string
}

// ParseCameraSources splits a CAMERA_SOURCES value such as
// "front=rtsp://cam/stream,back=/data/input/back" into camera sources.
// Entries without a name get a positional one.
func ParseCameraSources(raw string) []CameraSource {
	var sources []CameraSource
	for _, entry := range strings.Split(raw, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		name, uri, found := strings.Cut(entry, "=")
		if !found || strings.TrimSpace(name) == "" {
			sources = append(sources, CameraSource{
				Name: fmt.Sprintf("cam%d", len(sources)),
				URI:  entry,
			})
			continue
		}
		sources = append(sources, CameraSource{
			Name: strings.TrimSpace(name),
			URI:  strings.TrimSpace(uri),
		})
	}
	return sources
}

// IsStreamURI reports whether a source is read via capture rather than
// directory polling.
func IsStreamURI(uri string) bool {
	lower := strings.ToLower(uri)
	return strings.HasPrefix(lower, "rtsp://") ||
		strings.HasPrefix(lower, "http://") ||
		strings.HasPrefix(lower, "https://")
}

// CaptureFunc grabs one encoded frame from a stream URI.
type CaptureFunc func(uri string) ([]byte, error)

// CaptureStreamFrame opens the stream, reads a single frame, closes the
// stream and returns the frame re-encoded as JPEG.
func CaptureStreamFrame(uri string) ([]byte, error) {
	capture, err := gocv.OpenVideoCapture(uri)
	if err != nil {
		return nil, fmt.Errorf("open stream: %w", err)
	}
	defer capture.Close()

	img := gocv.NewMat()
	defer img.Close()
	if ok := capture.Read(&img); !ok || img.Empty() {
		return nil, fmt.Errorf("no frame available")
	}
	return vision.EncodeJPEG(img)
}

// FrameListener receives every captured frame before it is queued for
// detection. Used to feed the live view.
type FrameListener func(camera string, capturedAt time.Time, data []byte)

// IngestionWorker visits every camera once per poll interval: stream
// sources yield one captured frame, directory sources yield every image
// file whose mtime moved past the per-camera cursor.
type IngestionWorker struct {
	cameras  []CameraSource
	frameQ   *Queue[FrameJob]
	stop     *Flag
	interval time.Duration
	capture  CaptureFunc
	listener FrameListener
	cursors  map[string]time.Time
	lastErr  map[string]time.Time
	logger   *zap.Logger
}

// NewIngestionWorker builds the ingestion stage.
func NewIngestionWorker(cameras []CameraSource, frameQ *Queue[FrameJob], stop *Flag, interval time.Duration, logger *zap.Logger) *IngestionWorker {
	return &IngestionWorker{
		cameras:  cameras,
		frameQ:   frameQ,
		stop:     stop,
		interval: interval,
		capture:  CaptureStreamFrame,
		cursors:  make(map[string]time.Time),
		lastErr:  make(map[string]time.Time),
		logger:   logger,
	}
}

// SetCapture swaps the stream capture implementation.
func (w *IngestionWorker) SetCapture(capture CaptureFunc) {
	w.capture = capture
}

// SetFrameListener registers a tap on captured frames.
func (w *IngestionWorker) SetFrameListener(listener FrameListener) {
	w.listener = listener
}

// Name identifies the worker to the supervisor.
func (w *IngestionWorker) Name() string {
	return "ingestion"
}

// Run polls until the stop flag is set, then forwards one poison pill.
func (w *IngestionWorker) Run() {
	w.logger.Info("ingestion started", zap.Int("cameras", len(w.cameras)))
	for !w.stop.IsSet() {
		for _, cam := range w.cameras {
			if w.stop.IsSet() {
				break
			}
			if IsStreamURI(cam.URI) {
				w.pollStream(cam)
			} else {
				w.pollFiles(cam)
			}
		}
		w.sleep(w.interval)
	}
	w.frameQ.TryPoison("shutdown")
	w.logger.Info("ingestion stopped")
}

func (w *IngestionWorker) pollStream(cam CameraSource) {
	data, err := w.capture(cam.URI)
	if err != nil {
		w.warnThrottled(cam.Name, "stream capture failed", err)
		return
	}
	if len(data) == 0 {
		return
	}
	w.enqueue(cam.Name, data)
}

func (w *IngestionWorker) pollFiles(cam CameraSource) {
	info, err := os.Stat(cam.URI)
	if err != nil {
		w.warnThrottled(cam.Name, "source not accessible", err)
		return
	}

	var files []string
	if info.IsDir() {
		for _, pattern := range []string{"*.jpg", "*.png"} {
			matches, err := filepath.Glob(filepath.Join(cam.URI, pattern))
			if err != nil {
				continue
			}
			files = append(files, matches...)
		}
		sort.Strings(files)
	} else {
		files = []string{cam.URI}
	}

	for _, path := range files {
		if w.stop.IsSet() {
			return
		}
		st, err := os.Stat(path)
		if err != nil {
			continue
		}
		// Strictly newer than the cursor, so a re-scan never re-emits
		if !st.ModTime().After(w.cursors[cam.Name]) {
			continue
		}
		data, err := os.ReadFile(path)
		if err != nil {
			w.logger.Warn("failed to read frame file",
				zap.String("camera", cam.Name), zap.String("path", path), zap.Error(err))
			continue
		}
		if w.enqueue(cam.Name, data) {
			w.cursors[cam.Name] = st.ModTime()
		}
	}
}

func (w *IngestionWorker) enqueue(camera string, data []byte) bool {
	job := FrameJob{
		FrameID:    uuid.New(),
		Camera:     camera,
		CapturedAt: time.Now().UTC(),
		Data:       data,
	}
	if w.listener != nil {
		w.listener(job.Camera, job.CapturedAt, job.Data)
	}
	if !w.frameQ.Put(job, w.stop) {
		w.logger.Warn("frame dropped during shutdown", zap.String("camera", camera))
		metrics.FramesDropped.WithLabelValues("shutdown").Inc()
		return false
	}
	metrics.FramesIngested.WithLabelValues(camera).Inc()
	return true
}

func (w *IngestionWorker) warnThrottled(camera, msg string, err error) {
	now := time.Now()
	if last, ok := w.lastErr[camera]; ok && now.Sub(last) < captureErrorInterval {
		return
	}
	w.lastErr[camera] = now
	w.logger.Warn(msg, zap.String("camera", camera), zap.Error(err))
}

func (w *IngestionWorker) sleep(d time.Duration) {
	deadline := time.Now().Add(d)
	for !w.stop.IsSet() {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return
		}
		if remaining > 100*time.Millisecond {
			remaining = 100 * time.Millisecond
		}
		time.Sleep(remaining)
	}
}
