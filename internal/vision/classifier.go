package vision

import (
	"fmt"
	"image"
	"os"
	"sort"
	"sync"

	ort "github.com/yalue/onnxruntime_go"
	"go.uber.org/zap"
	"gocv.io/x/gocv"
)

// YOLOv8 export geometry: one 640x640 input, one [1, 4+80, 8400] output.
const (
	inputSize   = 640
	outputAttrs = 84
	outputBoxes = 8400
)

// ClassifierConfig controls model loading and score gating.
type ClassifierConfig struct {
	ModelPath     string
	ConfThreshold float32
	IOUThreshold  float32
	// VehicleConf is an extra gate applied to vehicle classes after
	// classification. Persons use ConfThreshold alone.
	VehicleConf    float32
	SharedLibPath  string
	IntraOpThreads int
}

// Classifier runs a YOLOv8-class ONNX model and splits detections into
// person and vehicle lanes.
type Classifier struct {
	cfg     ClassifierConfig
	session *ort.AdvancedSession
	input   *ort.Tensor[float32]
	output  *ort.Tensor[float32]
	mu      sync.Mutex
	logger  *zap.Logger
}

var (
	ortInitOnce sync.Once
	ortInitErr  error
)

func initRuntime(sharedLib string) error {
	ortInitOnce.Do(func() {
		if sharedLib != "" {
			ort.SetSharedLibraryPath(sharedLib)
		}
		ortInitErr = ort.InitializeEnvironment()
	})
	return ortInitErr
}

// NewClassifier loads the model. An unreadable model file is a construction
// error so startup can fail fast.
func NewClassifier(cfg ClassifierConfig, logger *zap.Logger) (*Classifier, error) {
	if _, err := os.Stat(cfg.ModelPath); err != nil {
		return nil, fmt.Errorf("model not readable: %w", err)
	}
	if err := initRuntime(cfg.SharedLibPath); err != nil {
		return nil, fmt.Errorf("initialize onnxruntime: %w", err)
	}

	input, err := ort.NewEmptyTensor[float32](ort.NewShape(1, 3, inputSize, inputSize))
	if err != nil {
		return nil, fmt.Errorf("create input tensor: %w", err)
	}
	output, err := ort.NewEmptyTensor[float32](ort.NewShape(1, outputAttrs, outputBoxes))
	if err != nil {
		input.Destroy()
		return nil, fmt.Errorf("create output tensor: %w", err)
	}

	opts, err := ort.NewSessionOptions()
	if err != nil {
		input.Destroy()
		output.Destroy()
		return nil, fmt.Errorf("create session options: %w", err)
	}
	defer opts.Destroy()
	if cfg.IntraOpThreads > 0 {
		if err := opts.SetIntraOpNumThreads(cfg.IntraOpThreads); err != nil {
			input.Destroy()
			output.Destroy()
			return nil, fmt.Errorf("set intra_op_threads: %w", err)
		}
	}

	session, err := ort.NewAdvancedSession(cfg.ModelPath,
		[]string{"images"}, []string{"output0"},
		[]ort.ArbitraryTensor{input}, []ort.ArbitraryTensor{output}, opts)
	if err != nil {
		input.Destroy()
		output.Destroy()
		return nil, fmt.Errorf("load model %s: %w", cfg.ModelPath, err)
	}

	logger.Info("classifier ready",
		zap.String("model", cfg.ModelPath),
		zap.Float32("conf_threshold", cfg.ConfThreshold),
		zap.Float32("iou_threshold", cfg.IOUThreshold),
		zap.Float32("vehicle_conf", cfg.VehicleConf))

	return &Classifier{
		cfg:     cfg,
		session: session,
		input:   input,
		output:  output,
		logger:  logger,
	}, nil
}

// Close releases the ONNX session and its tensors.
func (c *Classifier) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	var first error
	if err := c.session.Destroy(); err != nil {
		first = err
	}
	if err := c.input.Destroy(); err != nil && first == nil {
		first = err
	}
	if err := c.output.Destroy(); err != nil && first == nil {
		first = err
	}
	return first
}

// Predict runs the model on a BGR frame and returns classified detections
// with boxes in original frame coordinates and per-detection JPEG crops.
func (c *Classifier) Predict(img gocv.Mat) (Predictions, error) {
	if img.Empty() {
		return Predictions{}, fmt.Errorf("empty image")
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	blob := gocv.BlobFromImage(img, 1.0/255.0, image.Pt(inputSize, inputSize),
		gocv.NewScalar(0, 0, 0, 0), true, false)
	defer blob.Close()

	data, err := blob.DataPtrFloat32()
	if err != nil {
		return Predictions{}, fmt.Errorf("read blob: %w", err)
	}
	copy(c.input.GetData(), data)

	if err := c.session.Run(); err != nil {
		return Predictions{}, fmt.Errorf("inference: %w", err)
	}

	return c.decodeOutput(img)
}

type candidate struct {
	rect  image.Rectangle
	score float32
}

// decodeOutput converts the [1, 84, 8400] tensor into gated, de-duplicated
// detections. Boxes are produced in model space, scaled back with the plain
// per-axis resize factors, then clipped.
func (c *Classifier) decodeOutput(img gocv.Mat) (Predictions, error) {
	out := c.output.GetData()
	scaleX := float32(img.Cols()) / float32(inputSize)
	scaleY := float32(img.Rows()) / float32(inputSize)

	byClass := make(map[int][]candidate)
	for j := 0; j < outputBoxes; j++ {
		classID := -1
		var best float32
		for k := 0; k < outputAttrs-4; k++ {
			if s := out[(4+k)*outputBoxes+j]; s > best {
				best = s
				classID = k
			}
		}
		if classID < 0 || best < c.cfg.ConfThreshold {
			continue
		}
		if classID != PersonClassID && !IsVehicleClass(classID) {
			continue
		}

		cx := out[0*outputBoxes+j]
		cy := out[1*outputBoxes+j]
		w := out[2*outputBoxes+j]
		h := out[3*outputBoxes+j]
		rect := image.Rect(
			int((cx-w/2)*scaleX), int((cy-h/2)*scaleY),
			int((cx+w/2)*scaleX), int((cy+h/2)*scaleY))
		byClass[classID] = append(byClass[classID], candidate{rect: rect, score: best})
	}

	var preds Predictions
	classIDs := make([]int, 0, len(byClass))
	for id := range byClass {
		classIDs = append(classIDs, id)
	}
	sort.Ints(classIDs)

	for _, classID := range classIDs {
		cands := byClass[classID]
		rects := make([]image.Rectangle, len(cands))
		scores := make([]float32, len(cands))
		for i, cand := range cands {
			rects[i] = cand.rect
			scores[i] = cand.score
		}
		for _, idx := range gocv.NMSBoxes(rects, scores, c.cfg.ConfThreshold, c.cfg.IOUThreshold) {
			cand := cands[idx]
			if IsVehicleClass(classID) && cand.score < c.cfg.VehicleConf {
				continue
			}
			clipped := ClipRect(cand.rect, img.Cols(), img.Rows())
			if clipped.Empty() {
				continue
			}
			crop, err := CropJPEG(img, clipped)
			if err != nil {
				c.logger.Warn("crop failed", zap.Error(err))
				continue
			}
			det := Detection{
				Box:   BoxFromRect(clipped),
				Score: cand.score,
				Label: ClassName(classID),
				Crop:  crop,
			}
			if classID == PersonClassID {
				preds.Persons = append(preds.Persons, det)
			} else {
				preds.Vehicles = append(preds.Vehicles, det)
			}
		}
	}
	return preds, nil
}
