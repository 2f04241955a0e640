package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds the full processor configuration, loaded from the
// environment. Zero-configuration startup works: every field has a default.
type Config struct {
	// CameraSourcesRaw is the raw CAMERA_SOURCES value, a comma separated
	// list of name=uri entries. Parsing lives with the ingestion worker.
	CameraSourcesRaw  string
	FramePollInterval time.Duration
	QueueSize         int

	MediaRoot    string
	InputRoot    string
	DatabasePath string

	MotionHistory            int
	MotionKernelSize         int
	MotionMinArea            int
	MotionBinarizeThreshold  int
	MotionAreaThreshold      int
	MotionWarmupFrames       int
	MotionMaxForegroundRatio float64
	MotionDebugDir           string

	YOLOModelPath     string
	YOLOConfThreshold float32
	YOLOIOUThreshold  float32
	YOLOVehicleConf   float32
	ONNXRuntimeLib    string

	NotificationsEnabled bool
	NotificationDebounce time.Duration
	TelegramBotToken     string
	TelegramChatID       string

	APIListenAddr string
	APIAuthSecret string

	RetentionEnabled  bool
	RetentionDays     int
	RetentionInterval time.Duration

	LogLevel string
}

// Load reads the configuration from the environment. Malformed values are
// fatal: the caller is expected to exit non-zero.
func Load() (*Config, error) {
	cfg := &Config{
		CameraSourcesRaw: os.Getenv("CAMERA_SOURCES"),
		MediaRoot:        envString("MEDIA_ROOT", "/data/media"),
		InputRoot:        envString("INPUT_ROOT", "/data/input"),
		DatabasePath:     envString("DATABASE_PATH", "/data/vigil.db"),
		MotionDebugDir:   os.Getenv("MOTION_DEBUG_DIR"),
		YOLOModelPath:    envString("YOLO_MODEL_PATH", "yolov8s.onnx"),
		ONNXRuntimeLib:   os.Getenv("ONNXRUNTIME_SHARED_LIB"),
		TelegramBotToken: os.Getenv("TELEGRAM_BOT_TOKEN"),
		TelegramChatID:   os.Getenv("TELEGRAM_CHAT_ID"),
		APIListenAddr:    os.Getenv("API_LISTEN_ADDR"),
		APIAuthSecret:    os.Getenv("API_AUTH_SECRET"),
		LogLevel:         envString("LOG_LEVEL", "info"),
	}

	var err error
	if cfg.FramePollInterval, err = envSeconds("FRAME_POLL_INTERVAL", 1.0); err != nil {
		return nil, err
	}
	if cfg.QueueSize, err = envInt("QUEUE_SIZE", 512); err != nil {
		return nil, err
	}
	if cfg.MotionHistory, err = envInt("MOTION_HISTORY", 200); err != nil {
		return nil, err
	}
	if cfg.MotionKernelSize, err = envInt("MOTION_KERNEL_SIZE", 5); err != nil {
		return nil, err
	}
	if cfg.MotionMinArea, err = envInt("MOTION_MIN_AREA", 1500); err != nil {
		return nil, err
	}
	if cfg.MotionBinarizeThreshold, err = envInt("MOTION_BINARIZE_THRESHOLD", 200); err != nil {
		return nil, err
	}
	if cfg.MotionAreaThreshold, err = envInt("MOTION_AREA_THRESHOLD", 5000); err != nil {
		return nil, err
	}
	if cfg.MotionWarmupFrames, err = envInt("MOTION_WARMUP_FRAMES", 5); err != nil {
		return nil, err
	}
	if cfg.MotionMaxForegroundRatio, err = envFloat("MOTION_MAX_FOREGROUND_RATIO", 0.1); err != nil {
		return nil, err
	}
	if cfg.YOLOConfThreshold, err = envFloat32("YOLO_CONF_THRESHOLD", 0.4); err != nil {
		return nil, err
	}
	if cfg.YOLOIOUThreshold, err = envFloat32("YOLO_IOU_THRESHOLD", 0.45); err != nil {
		return nil, err
	}
	if cfg.YOLOVehicleConf, err = envFloat32("YOLO_VEHICLE_CONF", 0.3); err != nil {
		return nil, err
	}
	if cfg.NotificationsEnabled, err = envBool("NOTIFICATIONS_ENABLED", true); err != nil {
		return nil, err
	}
	if cfg.NotificationDebounce, err = envSeconds("NOTIFICATION_DEBOUNCE_SECONDS", 60.0); err != nil {
		return nil, err
	}
	if cfg.RetentionEnabled, err = envBool("RETENTION_ENABLED", true); err != nil {
		return nil, err
	}
	if cfg.RetentionDays, err = envInt("RETENTION_DAYS", 14); err != nil {
		return nil, err
	}
	intervalSec, err := envInt("RETENTION_INTERVAL_SECONDS", 3600)
	if err != nil {
		return nil, err
	}
	if intervalSec < 60 {
		intervalSec = 60
	}
	cfg.RetentionInterval = time.Duration(intervalSec) * time.Second

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks ranges that would otherwise break the pipeline at runtime.
func (c *Config) Validate() error {
	if c.QueueSize <= 0 {
		return fmt.Errorf("QUEUE_SIZE must be positive, got %d", c.QueueSize)
	}
	if c.FramePollInterval <= 0 {
		return fmt.Errorf("FRAME_POLL_INTERVAL must be positive, got %s", c.FramePollInterval)
	}
	if c.MotionHistory < 1 {
		return fmt.Errorf("MOTION_HISTORY must be at least 1, got %d", c.MotionHistory)
	}
	if c.MotionKernelSize < 1 {
		return fmt.Errorf("MOTION_KERNEL_SIZE must be at least 1, got %d", c.MotionKernelSize)
	}
	if c.MotionMinArea < 0 {
		return fmt.Errorf("MOTION_MIN_AREA must not be negative, got %d", c.MotionMinArea)
	}
	if c.MotionWarmupFrames < 0 {
		return fmt.Errorf("MOTION_WARMUP_FRAMES must not be negative, got %d", c.MotionWarmupFrames)
	}
	if c.MotionMaxForegroundRatio <= 0 || c.MotionMaxForegroundRatio > 1 {
		return fmt.Errorf("MOTION_MAX_FOREGROUND_RATIO must be in (0, 1], got %g", c.MotionMaxForegroundRatio)
	}
	if c.MediaRoot == "" {
		return fmt.Errorf("MEDIA_ROOT must not be empty")
	}
	if c.DatabasePath == "" {
		return fmt.Errorf("DATABASE_PATH must not be empty")
	}
	if c.RetentionDays < 1 {
		return fmt.Errorf("RETENTION_DAYS must be at least 1, got %d", c.RetentionDays)
	}
	return nil
}

// NotificationsActive reports whether the notifier should deliver. Missing
// credentials degrade to disabled mode instead of failing.
func (c *Config) NotificationsActive() bool {
	return c.NotificationsEnabled && c.TelegramBotToken != "" && c.TelegramChatID != ""
}

func envString(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return n, nil
}

func envFloat(key string, fallback float64) (float64, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return f, nil
}

func envFloat32(key string, fallback float32) (float32, error) {
	f, err := envFloat(key, float64(fallback))
	return float32(f), err
}

func envBool(key string, fallback bool) (bool, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "yes", "on":
		return true, nil
	case "0", "false", "no", "off":
		return false, nil
	}
	return false, fmt.Errorf("invalid %s: %q is not a boolean", key, v)
}

// envSeconds reads a duration expressed as a float number of seconds, the
// unit every interval variable here uses.
func envSeconds(key string, fallback float64) (time.Duration, error) {
	f, err := envFloat(key, fallback)
	if err != nil {
		return 0, err
	}
	if f < 0 {
		return 0, fmt.Errorf("invalid %s: must not be negative", key)
	}
	return time.Duration(f * float64(time.Second)), nil
}
