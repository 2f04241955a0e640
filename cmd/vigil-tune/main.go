package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"image/color"
	"math/rand"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"gocv.io/x/gocv"
	"go.uber.org/zap"

	"vigil/internal/database"
	"vigil/internal/logging"
	"vigil/internal/motion"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "vigil-tune:", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		framesDir    = flag.String("frames", "", "directory of recorded frames, replayed in name order")
		generations  = flag.Int("generations", 20, "number of generations to evolve")
		popSize      = flag.Int("pop", 24, "population size")
		eliteSize    = flag.Int("elite", 4, "candidates carried over unchanged")
		motionStart  = flag.Int("motion-start", -1, "first frame index with expected motion")
		motionEnd    = flag.Int("motion-end", -1, "last frame index with expected motion")
		warmup       = flag.Int("warmup", 5, "frames excluded from scoring while the model settles")
		exportDir    = flag.String("export", "", "directory for winner masks and annotated frames")
		saveSettings = flag.Bool("save-settings", false, "store the winner as the motion_params setting")
		dbPath       = flag.String("db", "", "database path for -save-settings (defaults to DATABASE_PATH)")
		seed         = flag.Int64("seed", 0, "random seed, 0 means time-based")
		logLevel     = flag.String("log-level", "info", "log level")
	)
	flag.Parse()

	logger, err := logging.New(*logLevel)
	if err != nil {
		return err
	}
	defer logger.Sync()

	if *framesDir == "" {
		return fmt.Errorf("-frames is required")
	}
	if *popSize < 2 {
		return fmt.Errorf("-pop must be at least 2")
	}
	if *generations < 1 {
		return fmt.Errorf("-generations must be at least 1")
	}
	if (*motionStart < 0) != (*motionEnd < 0) {
		return fmt.Errorf("-motion-start and -motion-end must be set together")
	}
	if *motionStart >= 0 && *motionEnd < *motionStart {
		return fmt.Errorf("-motion-end must not precede -motion-start")
	}

	frames, names, err := loadFrames(*framesDir, logger)
	if err != nil {
		return err
	}
	defer func() {
		for _, m := range frames {
			m.Close()
		}
	}()
	if len(frames) == 0 {
		return fmt.Errorf("no frames found in %s", *framesDir)
	}
	logger.Info("frames loaded",
		zap.Int("count", len(frames)),
		zap.String("first", names[0]),
		zap.String("last", names[len(names)-1]))

	if *seed == 0 {
		*seed = time.Now().UnixNano()
	}
	rng := rand.New(rand.NewSource(*seed))
	window := motionWindow{start: *motionStart, end: *motionEnd}

	start := time.Now()
	best := evolve(rng, frames, window, *warmup, *generations, *popSize, *eliteSize, logger)
	logger.Info("tuning complete",
		zap.String("best", best.params.label()),
		zap.Int("invalid", best.invalid),
		zap.Int("frames", len(frames)),
		zap.Duration("elapsed", time.Since(start)))

	out, err := json.MarshalIndent(best.params, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))

	if *exportDir != "" {
		if err := exportWinner(best.params, frames, *warmup, *exportDir, logger); err != nil {
			return fmt.Errorf("export failed: %w", err)
		}
	}
	if *saveSettings {
		path := *dbPath
		if path == "" {
			path = os.Getenv("DATABASE_PATH")
		}
		if path == "" {
			path = "/data/vigil.db"
		}
		if err := storeParams(path, best.params); err != nil {
			return fmt.Errorf("save settings: %w", err)
		}
		logger.Info("motion params stored", zap.String("db", path))
	}
	return nil
}

// loadFrames decodes every image in dir, sorted by file name so replay
// order matches capture order.
func loadFrames(dir string, logger *zap.Logger) ([]gocv.Mat, []string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, nil, fmt.Errorf("read frames directory: %w", err)
	}
	var names []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		switch strings.ToLower(filepath.Ext(entry.Name())) {
		case ".jpg", ".jpeg", ".png":
			names = append(names, entry.Name())
		}
	}
	sort.Strings(names)

	var frames []gocv.Mat
	var kept []string
	for _, name := range names {
		img := gocv.IMRead(filepath.Join(dir, name), gocv.IMReadColor)
		if img.Empty() {
			img.Close()
			logger.Warn("skipping unreadable frame", zap.String("name", name))
			continue
		}
		frames = append(frames, img)
		kept = append(kept, name)
	}
	return frames, kept, nil
}

// exportWinner replays the frames with the winning parameters and writes
// the post-morphology masks plus annotated copies of every frame.
func exportWinner(params MotionParams, frames []gocv.Mat, warmup int, dir string, logger *zap.Logger) error {
	maskDir := filepath.Join(dir, "masks")
	annotatedDir := filepath.Join(dir, "annotated")
	for _, d := range []string{maskDir, annotatedDir} {
		if err := os.MkdirAll(d, 0o755); err != nil {
			return fmt.Errorf("create export directory: %w", err)
		}
	}

	detector := motion.NewDetector("tune", params.toConfig(warmup), logger)
	defer detector.Close()

	red := color.RGBA{R: 255, A: 255}
	for i, frame := range frames {
		boxes, mask := detector.DetectMask(frame)
		maskName := filepath.Join(maskDir, fmt.Sprintf("mask_%04d.png", i))
		if ok := gocv.IMWrite(maskName, mask); !ok {
			logger.Warn("failed to write mask", zap.String("name", maskName))
		}
		mask.Close()

		annotated := frame.Clone()
		for _, box := range boxes {
			gocv.Rectangle(&annotated, box, red, 4)
		}
		verdict := "nomotion"
		if len(boxes) > 0 {
			verdict = "motion"
		}
		frameName := filepath.Join(annotatedDir, fmt.Sprintf("frame_%04d_%s.jpg", i, verdict))
		if ok := gocv.IMWrite(frameName, annotated); !ok {
			logger.Warn("failed to write annotated frame", zap.String("name", frameName))
		}
		annotated.Close()
	}
	logger.Info("export complete", zap.String("dir", dir), zap.Int("frames", len(frames)))
	return nil
}

func storeParams(dbPath string, params MotionParams) error {
	db, err := database.New(dbPath)
	if err != nil {
		return err
	}
	defer db.Close()
	if err := db.Migrate(); err != nil {
		return err
	}
	value, err := json.Marshal(params)
	if err != nil {
		return err
	}
	return db.UpsertSetting("motion_params", value)
}
