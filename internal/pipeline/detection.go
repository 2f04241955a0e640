package pipeline

import (
	"image"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"
	"gocv.io/x/gocv"

	"vigil/internal/metrics"
	"vigil/internal/vision"
)

const (
	// queueWarnRatio is the frame queue fill level that triggers a
	// back-pressure warning.
	queueWarnRatio = 0.7
	// queueWarnInterval throttles back-pressure warnings.
	queueWarnInterval = 5 * time.Second
	// minOverlapRatio is the share of a detection box that must intersect
	// a motion box for the detection to survive.
	minOverlapRatio = 0.2
)

// Classifier produces classed detections for one decoded frame.
type Classifier interface {
	Predict(img gocv.Mat) (vision.Predictions, error)
}

// MotionGate produces motion boxes for one decoded frame. One gate per
// camera; frames must arrive in capture order.
type MotionGate interface {
	Detect(img gocv.Mat) []image.Rectangle
	Close() error
}

// MotionGateFactory builds a fresh gate for a camera.
type MotionGateFactory func(camera string) MotionGate

// DetectionWorker consumes frames, gates them on motion, classifies the
// interesting ones and fans the results out to the person and vehicle
// queues.
type DetectionWorker struct {
	frameQ     *Queue[FrameJob]
	personQ    *Queue[DetectionBundle]
	vehicleQ   *Queue[DetectionBundle]
	stop       *Flag
	classifier Classifier
	newGate    MotionGateFactory
	gates      map[string]MotionGate
	clock      clock.Clock
	lastWarn   time.Time
	logger     *zap.Logger
}

// NewDetectionWorker builds the detection stage.
func NewDetectionWorker(q *Queues, stop *Flag, classifier Classifier, newGate MotionGateFactory, clk clock.Clock, logger *zap.Logger) *DetectionWorker {
	return &DetectionWorker{
		frameQ:     q.Frames,
		personQ:    q.Persons,
		vehicleQ:   q.Vehicles,
		stop:       stop,
		classifier: classifier,
		newGate:    newGate,
		gates:      make(map[string]MotionGate),
		clock:      clk,
		logger:     logger,
	}
}

// Name identifies the worker to the supervisor.
func (w *DetectionWorker) Name() string {
	return "detection"
}

// Run consumes the frame queue until a poison pill arrives, then forwards
// one pill to each output queue. Motion state dies with the worker, so a
// restarted instance warms up from scratch.
func (w *DetectionWorker) Run() {
	defer w.closeGates()
	w.logger.Info("detection started")
	for {
		job, pill := w.frameQ.Get()
		if pill {
			w.personQ.TryPoison("shutdown")
			w.vehicleQ.TryPoison("shutdown")
			w.logger.Info("detection stopped")
			return
		}
		w.process(job)
	}
}

func (w *DetectionWorker) process(job FrameJob) {
	w.maybeWarnQueue(job.Camera)

	img, err := vision.Decode(job.Data)
	if err != nil {
		w.logger.Warn("failed to decode frame",
			zap.String("camera", job.Camera), zap.Error(err))
		metrics.FramesDropped.WithLabelValues("decode").Inc()
		return
	}
	defer img.Close()

	gate, ok := w.gates[job.Camera]
	if !ok {
		// First frame from this camera: no motion context yet, so nothing
		// goes downstream regardless of what the classifier would find.
		w.gates[job.Camera] = w.newGate(job.Camera)
		w.logger.Debug("motion detector created", zap.String("camera", job.Camera))
		metrics.FramesDropped.WithLabelValues("first_frame").Inc()
		return
	}

	motionBoxes := gate.Detect(img)
	if len(motionBoxes) == 0 {
		return
	}

	start := time.Now()
	preds, err := w.classifier.Predict(img)
	metrics.InferenceSeconds.Observe(time.Since(start).Seconds())
	if err != nil {
		w.logger.Error("classifier failed",
			zap.String("camera", job.Camera), zap.Error(err))
		return
	}

	persons := filterByMotion(preds.Persons, motionBoxes)
	vehicles := filterByMotion(preds.Vehicles, motionBoxes)

	if len(persons) > 0 {
		bundle := DetectionBundle{
			FrameID:    job.FrameID,
			Camera:     job.Camera,
			CapturedAt: job.CapturedAt,
			FrameData:  job.Data,
			Detections: persons,
		}
		if w.personQ.Put(bundle, w.stop) {
			metrics.DetectionsEmitted.WithLabelValues("person").Add(float64(len(persons)))
		}
	}
	if len(vehicles) > 0 {
		bundle := DetectionBundle{
			FrameID:    job.FrameID,
			Camera:     job.Camera,
			CapturedAt: job.CapturedAt,
			FrameData:  job.Data,
			Detections: vehicles,
		}
		if w.vehicleQ.Put(bundle, w.stop) {
			metrics.DetectionsEmitted.WithLabelValues("vehicle").Add(float64(len(vehicles)))
		}
	}
}

func (w *DetectionWorker) maybeWarnQueue(camera string) {
	capacity := w.frameQ.Cap()
	if capacity == 0 {
		return
	}
	depth := w.frameQ.Len()
	if float64(depth) < queueWarnRatio*float64(capacity) {
		return
	}
	now := w.clock.Now()
	if now.Sub(w.lastWarn) < queueWarnInterval {
		return
	}
	w.lastWarn = now
	w.logger.Warn("frame queue back-pressure",
		zap.String("camera", camera),
		zap.Int("depth", depth),
		zap.Int("capacity", capacity))
}

func (w *DetectionWorker) closeGates() {
	for camera, gate := range w.gates {
		if err := gate.Close(); err != nil {
			w.logger.Warn("failed to close motion detector",
				zap.String("camera", camera), zap.Error(err))
		}
	}
}

// overlapRatio returns the share of d covered by its intersection with m.
func overlapRatio(d, m image.Rectangle) float64 {
	inter := d.Intersect(m)
	if inter.Empty() {
		return 0
	}
	area := d.Dx() * d.Dy()
	if area <= 0 {
		return 0
	}
	return float64(inter.Dx()*inter.Dy()) / float64(area)
}

// filterByMotion keeps detections overlapping at least one motion box by
// minOverlapRatio of their own area.
func filterByMotion(dets []vision.Detection, motion []image.Rectangle) []vision.Detection {
	var kept []vision.Detection
	for _, det := range dets {
		rect := det.Box.Rect()
		for _, m := range motion {
			if overlapRatio(rect, m) >= minOverlapRatio {
				kept = append(kept, det)
				break
			}
		}
	}
	return kept
}
