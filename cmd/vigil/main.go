package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"vigil/internal/api"
	"vigil/internal/config"
	"vigil/internal/database"
	"vigil/internal/janitor"
	"vigil/internal/logging"
	"vigil/internal/media"
	"vigil/internal/motion"
	"vigil/internal/pipeline"
	"vigil/internal/stream"
	"vigil/internal/telegram"
	"vigil/internal/vision"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "vigil:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger, err := logging.New(cfg.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync()

	store, err := media.NewStore(cfg.MediaRoot)
	if err != nil {
		return fmt.Errorf("failed to open media store: %w", err)
	}

	db, err := database.New(cfg.DatabasePath)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer db.Close()
	if err := db.Migrate(); err != nil {
		return fmt.Errorf("failed to migrate database: %w", err)
	}

	motionCfg := motionConfig(cfg)
	if err := overlayMotionParams(db, &motionCfg); err != nil {
		logger.Warn("ignoring stored motion params", zap.Error(err))
	} else {
		logger.Info("motion config",
			zap.Int("history", motionCfg.History),
			zap.Int("area_threshold", motionCfg.AreaThreshold),
			zap.Int("warmup_frames", motionCfg.WarmupFrames))
	}

	classifier, err := vision.NewClassifier(vision.ClassifierConfig{
		ModelPath:     cfg.YOLOModelPath,
		ConfThreshold: cfg.YOLOConfThreshold,
		IOUThreshold:  cfg.YOLOIOUThreshold,
		VehicleConf:   cfg.YOLOVehicleConf,
		SharedLibPath: cfg.ONNXRuntimeLib,
	})
	if err != nil {
		return fmt.Errorf("failed to load classifier: %w", err)
	}
	defer classifier.Close()

	cameras := pipeline.ParseCameraSources(cfg.CameraSourcesRaw)
	if len(cameras) == 0 {
		cameras = discoverCameras(cfg.InputRoot)
	}
	logger.Info("cameras configured", zap.Int("count", len(cameras)))

	queues := pipeline.NewQueues(cfg.QueueSize)
	stop := &pipeline.Flag{}
	bus := pipeline.NewEventBus()
	defer bus.Close()
	live := stream.NewFrameCache()
	mute := pipeline.NewMuteSwitch(clock.New())

	var sender pipeline.Sender
	var bot *telegram.Bot
	if cfg.NotificationsActive() {
		bot = telegram.NewBot(cfg.TelegramBotToken, cfg.TelegramChatID)
		verifyCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if username, err := bot.Verify(verifyCtx); err != nil {
			logger.Warn("telegram bot verification failed", zap.Error(err))
		} else {
			logger.Info("telegram bot ready", zap.String("username", username))
		}
		cancel()
		sender = bot
	} else {
		logger.Info("notifications disabled")
	}

	newGate := func(camera string) pipeline.MotionGate {
		gateCfg := motionCfg
		if gateCfg.DebugDir != "" {
			gateCfg.DebugDir = filepath.Join(gateCfg.DebugDir, camera)
			os.MkdirAll(gateCfg.DebugDir, 0o755)
		}
		return motion.NewDetector(camera, gateCfg, logger.Named("motion"))
	}

	factories := []pipeline.WorkerFactory{
		func() pipeline.Worker {
			w := pipeline.NewIngestionWorker(cameras, queues.Frames, stop, cfg.FramePollInterval, logger.Named("ingestion"))
			w.SetFrameListener(live.Publish)
			return w
		},
		func() pipeline.Worker {
			return pipeline.NewDetectionWorker(queues, stop, classifier, newGate, clock.New(), logger.Named("detection"))
		},
		func() pipeline.Worker {
			return pipeline.NewEventWriter(database.EventKindPerson, queues.Persons, queues.Notifs, stop, cfg.DatabasePath, store, bus, logger.Named("person_writer"))
		},
		func() pipeline.Worker {
			return pipeline.NewEventWriter(database.EventKindVehicle, queues.Vehicles, queues.Notifs, stop, cfg.DatabasePath, store, bus, logger.Named("vehicle_writer"))
		},
		func() pipeline.Worker {
			w := pipeline.NewNotificationWorker(queues.Notifs, sender, cfg.DatabasePath, cfg.NotificationDebounce, store, logger.Named("notifier"))
			w.SetMuteSwitch(mute)
			return w
		},
	}
	supervisor := pipeline.NewSupervisor(queues, stop, factories, logger.Named("supervisor"))

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return supervisor.Run(ctx)
	})
	if cfg.APIListenAddr != "" {
		var validator *api.TokenValidator
		if cfg.APIAuthSecret != "" {
			validator = api.NewTokenValidator(cfg.APIAuthSecret, 24*time.Hour)
		}
		hub := api.NewEventHub(bus, logger.Named("ws"))
		server := api.NewServer(cfg.APIListenAddr, db, store, hub, live, validator, logger.Named("api"))
		g.Go(func() error {
			return server.Run(ctx)
		})
	}
	if bot != nil {
		listener := telegram.NewCommandListener(bot, db, store, live, mute, logger.Named("commands"))
		g.Go(func() error {
			return listener.Run(ctx)
		})
	}
	if cfg.RetentionEnabled {
		j := janitor.New(db, store, cfg.RetentionDays, cfg.RetentionInterval, logger.Named("janitor"))
		g.Go(func() error {
			return j.Run(ctx)
		})
	} else {
		logger.Info("retention disabled")
	}

	logger.Info("vigil started")
	return g.Wait()
}

func motionConfig(cfg *config.Config) motion.Config {
	return motion.Config{
		History:            cfg.MotionHistory,
		KernelSize:         cfg.MotionKernelSize,
		MinArea:            cfg.MotionMinArea,
		BinarizeThreshold:  cfg.MotionBinarizeThreshold,
		AreaThreshold:      cfg.MotionAreaThreshold,
		WarmupFrames:       cfg.MotionWarmupFrames,
		MaxForegroundRatio: cfg.MotionMaxForegroundRatio,
		DebugDir:           cfg.MotionDebugDir,
	}
}

// storedMotionParams is the settings overlay written by the tuner. Absent
// fields keep their environment value.
type storedMotionParams struct {
	History            *int     `json:"history"`
	KernelSize         *int     `json:"kernel_size"`
	MinArea            *int     `json:"min_area"`
	BinarizeThreshold  *int     `json:"binarize_threshold"`
	AreaThreshold      *int     `json:"area_threshold"`
	WarmupFrames       *int     `json:"warmup_frames"`
	MaxForegroundRatio *float64 `json:"max_foreground_ratio"`
}

func overlayMotionParams(db *database.Database, cfg *motion.Config) error {
	raw, err := db.GetSetting("motion_params")
	if err != nil {
		return err
	}
	if raw == nil {
		return nil
	}
	var params storedMotionParams
	if err := json.Unmarshal(raw, &params); err != nil {
		return fmt.Errorf("malformed motion_params setting: %w", err)
	}
	if params.History != nil {
		cfg.History = *params.History
	}
	if params.KernelSize != nil {
		cfg.KernelSize = *params.KernelSize
	}
	if params.MinArea != nil {
		cfg.MinArea = *params.MinArea
	}
	if params.BinarizeThreshold != nil {
		cfg.BinarizeThreshold = *params.BinarizeThreshold
	}
	if params.AreaThreshold != nil {
		cfg.AreaThreshold = *params.AreaThreshold
	}
	if params.WarmupFrames != nil {
		cfg.WarmupFrames = *params.WarmupFrames
	}
	if params.MaxForegroundRatio != nil {
		cfg.MaxForegroundRatio = *params.MaxForegroundRatio
	}
	return nil
}

// discoverCameras maps each subdirectory of the input root to a camera.
// A root with no subdirectories becomes a single camera watching the root
// itself.
func discoverCameras(inputRoot string) []pipeline.CameraSource {
	entries, err := os.ReadDir(inputRoot)
	if err != nil {
		return []pipeline.CameraSource{{Name: "cam0", URI: inputRoot}}
	}
	var cameras []pipeline.CameraSource
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		cameras = append(cameras, pipeline.CameraSource{
			Name: entry.Name(),
			URI:  filepath.Join(inputRoot, entry.Name()),
		})
	}
	if len(cameras) == 0 {
		cameras = []pipeline.CameraSource{{Name: "cam0", URI: inputRoot}}
	}
	return cameras
}
