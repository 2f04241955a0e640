package motion

import (
	"fmt"
	"image"
	"path/filepath"

	"go.uber.org/zap"
	"gocv.io/x/gocv"
)

// knnDist2Threshold is the squared distance threshold of the KNN background
// model, kept at the OpenCV default.
const knnDist2Threshold = 400.0

// Config holds the tunable parameters of the motion gate.
type Config struct {
	// History is the number of frames the background model learns from.
	History int
	// KernelSize is the side of the square opening kernel.
	KernelSize int
	// MinArea discards contours smaller than this many pixels.
	MinArea int
	// BinarizeThreshold maps foreground mask values above it to 255.
	BinarizeThreshold int
	// AreaThreshold is the minimum summed contour area for motion.
	AreaThreshold int
	// WarmupFrames suppresses output while the model settles.
	WarmupFrames int
	// MaxForegroundRatio suppresses frames where the foreground covers more
	// than this share of the mask, which is typical of lighting changes.
	MaxForegroundRatio float64
	// DebugDir, when set, receives the post-morphology mask of every frame.
	DebugDir string
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		History:            200,
		KernelSize:         5,
		MinArea:            1500,
		BinarizeThreshold:  200,
		AreaThreshold:      5000,
		WarmupFrames:       5,
		MaxForegroundRatio: 0.1,
	}
}

// Detector is a per-camera motion gate: KNN background subtraction,
// binarization, morphological opening and contour gating. It is not safe
// for concurrent use; each camera gets its own instance and frames must
// arrive in capture order.
type Detector struct {
	camera     string
	cfg        Config
	subtractor gocv.BackgroundSubtractorKNN
	kernel     gocv.Mat
	frameIndex int
	logger     *zap.Logger
}

// NewDetector creates a gate for one camera. Shadow detection stays off so
// the mask is strictly binary.
func NewDetector(camera string, cfg Config, logger *zap.Logger) *Detector {
	return &Detector{
		camera:     camera,
		cfg:        cfg,
		subtractor: gocv.NewBackgroundSubtractorKNNWithParams(cfg.History, knnDist2Threshold, false),
		kernel:     gocv.GetStructuringElement(gocv.MorphRect, image.Pt(cfg.KernelSize, cfg.KernelSize)),
		logger:     logger,
	}
}

// Close releases the background model and the kernel.
func (d *Detector) Close() error {
	if err := d.subtractor.Close(); err != nil {
		return err
	}
	return d.kernel.Close()
}

// Detect feeds one frame to the background model and returns the motion
// boxes, or nil when the gates suppress output. The model is always fed and
// the frame counter always advances, suppressed or not.
func (d *Detector) Detect(img gocv.Mat) []image.Rectangle {
	boxes, mask := d.DetectMask(img)
	mask.Close()
	return boxes
}

// DetectMask is Detect but also hands the caller the post-morphology mask.
// The caller owns the returned mat.
func (d *Detector) DetectMask(img gocv.Mat) ([]image.Rectangle, gocv.Mat) {
	gray := gocv.NewMat()
	defer gray.Close()
	gocv.CvtColor(img, &gray, gocv.ColorBGRToGray)

	fg := gocv.NewMat()
	defer fg.Close()
	d.subtractor.Apply(gray, &fg)

	mask := gocv.NewMat()
	gocv.Threshold(fg, &mask, float32(d.cfg.BinarizeThreshold), 255, gocv.ThresholdBinary)
	gocv.MorphologyEx(mask, &mask, gocv.MorphOpen, d.kernel)

	index := d.frameIndex
	d.frameIndex++

	boxes := d.evaluate(mask, index)
	d.dumpMask(mask, index)
	return boxes, mask
}

// evaluate applies the warmup, saturation and area gates to a binary mask.
func (d *Detector) evaluate(mask gocv.Mat, index int) []image.Rectangle {
	total := mask.Total()
	if total == 0 {
		return nil
	}
	fgRatio := float64(gocv.CountNonZero(mask)) / float64(total)

	if index < d.cfg.WarmupFrames {
		d.logger.Debug("motion suppressed during warmup",
			zap.String("camera", d.camera), zap.Int("frame_index", index))
		return nil
	}
	if fgRatio > d.cfg.MaxForegroundRatio {
		d.logger.Debug("motion suppressed by foreground ratio",
			zap.String("camera", d.camera),
			zap.Float64("fg_ratio", fgRatio),
			zap.Float64("max_ratio", d.cfg.MaxForegroundRatio))
		return nil
	}

	contours := gocv.FindContours(mask, gocv.RetrievalExternal, gocv.ChainApproxSimple)
	defer contours.Close()

	var boxes []image.Rectangle
	var totalArea float64
	for i := 0; i < contours.Size(); i++ {
		contour := contours.At(i)
		area := gocv.ContourArea(contour)
		if area < float64(d.cfg.MinArea) {
			continue
		}
		boxes = append(boxes, gocv.BoundingRect(contour))
		totalArea += area
	}

	if totalArea >= float64(d.cfg.AreaThreshold) && len(boxes) > 0 {
		d.logger.Debug("motion detected",
			zap.String("camera", d.camera),
			zap.Int("boxes", len(boxes)),
			zap.Float64("total_area", totalArea))
		return boxes
	}
	return nil
}

func (d *Detector) dumpMask(mask gocv.Mat, index int) {
	if d.cfg.DebugDir == "" {
		return
	}
	name := filepath.Join(d.cfg.DebugDir, fmt.Sprintf("%s_%06d.png", d.camera, index))
	if ok := gocv.IMWrite(name, mask); !ok {
		d.logger.Warn("failed to write debug mask",
			zap.String("camera", d.camera), zap.String("path", name))
	}
}
