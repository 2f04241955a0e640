package config

import (
	"testing"
	"time"

	"go.viam.com/test"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	test.That(t, err, test.ShouldBeNil)

	test.That(t, cfg.FramePollInterval, test.ShouldEqual, time.Second)
	test.That(t, cfg.QueueSize, test.ShouldEqual, 512)
	test.That(t, cfg.MediaRoot, test.ShouldEqual, "/data/media")
	test.That(t, cfg.InputRoot, test.ShouldEqual, "/data/input")
	test.That(t, cfg.DatabasePath, test.ShouldEqual, "/data/vigil.db")
	test.That(t, cfg.MotionHistory, test.ShouldEqual, 200)
	test.That(t, cfg.MotionKernelSize, test.ShouldEqual, 5)
	test.That(t, cfg.MotionMinArea, test.ShouldEqual, 1500)
	test.That(t, cfg.MotionBinarizeThreshold, test.ShouldEqual, 200)
	test.That(t, cfg.MotionAreaThreshold, test.ShouldEqual, 5000)
	test.That(t, cfg.MotionWarmupFrames, test.ShouldEqual, 5)
	test.That(t, cfg.MotionMaxForegroundRatio, test.ShouldEqual, 0.1)
	test.That(t, cfg.YOLOModelPath, test.ShouldEqual, "yolov8s.onnx")
	test.That(t, cfg.YOLOConfThreshold, test.ShouldEqual, float32(0.4))
	test.That(t, cfg.YOLOIOUThreshold, test.ShouldEqual, float32(0.45))
	test.That(t, cfg.YOLOVehicleConf, test.ShouldEqual, float32(0.3))
	test.That(t, cfg.NotificationsEnabled, test.ShouldBeTrue)
	test.That(t, cfg.NotificationDebounce, test.ShouldEqual, time.Minute)
	test.That(t, cfg.RetentionEnabled, test.ShouldBeTrue)
	test.That(t, cfg.RetentionDays, test.ShouldEqual, 14)
	test.That(t, cfg.RetentionInterval, test.ShouldEqual, time.Hour)
	test.That(t, cfg.LogLevel, test.ShouldEqual, "info")
}

func TestLoadParsesEnvironment(t *testing.T) {
	t.Setenv("CAMERA_SOURCES", "front=rtsp://cam/1,back=rtsp://cam/2")
	t.Setenv("FRAME_POLL_INTERVAL", "2.5")
	t.Setenv("QUEUE_SIZE", "64")
	t.Setenv("MOTION_HISTORY", " 100 ")
	t.Setenv("MOTION_MAX_FOREGROUND_RATIO", "0.25")
	t.Setenv("YOLO_CONF_THRESHOLD", "0.6")
	t.Setenv("NOTIFICATIONS_ENABLED", "yes")
	t.Setenv("NOTIFICATION_DEBOUNCE_SECONDS", "30")
	t.Setenv("RETENTION_ENABLED", "off")
	t.Setenv("RETENTION_DAYS", "7")
	t.Setenv("LOG_LEVEL", "debug")

	cfg, err := Load()
	test.That(t, err, test.ShouldBeNil)
	test.That(t, cfg.CameraSourcesRaw, test.ShouldEqual, "front=rtsp://cam/1,back=rtsp://cam/2")
	test.That(t, cfg.FramePollInterval, test.ShouldEqual, 2500*time.Millisecond)
	test.That(t, cfg.QueueSize, test.ShouldEqual, 64)
	test.That(t, cfg.MotionHistory, test.ShouldEqual, 100)
	test.That(t, cfg.MotionMaxForegroundRatio, test.ShouldEqual, 0.25)
	test.That(t, cfg.YOLOConfThreshold, test.ShouldEqual, float32(0.6))
	test.That(t, cfg.NotificationsEnabled, test.ShouldBeTrue)
	test.That(t, cfg.NotificationDebounce, test.ShouldEqual, 30*time.Second)
	test.That(t, cfg.RetentionEnabled, test.ShouldBeFalse)
	test.That(t, cfg.RetentionDays, test.ShouldEqual, 7)
	test.That(t, cfg.LogLevel, test.ShouldEqual, "debug")
}

func TestLoadRejectsMalformedValues(t *testing.T) {
	cases := []struct {
		name  string
		key   string
		value string
		want  string
	}{
		{"non-numeric int", "QUEUE_SIZE", "lots", "invalid QUEUE_SIZE"},
		{"non-numeric float", "MOTION_MAX_FOREGROUND_RATIO", "nope", "invalid MOTION_MAX_FOREGROUND_RATIO"},
		{"non-boolean", "NOTIFICATIONS_ENABLED", "maybe", "not a boolean"},
		{"negative interval", "FRAME_POLL_INTERVAL", "-1", "must not be negative"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Setenv(tc.key, tc.value)
			_, err := Load()
			test.That(t, err, test.ShouldNotBeNil)
			test.That(t, err.Error(), test.ShouldContainSubstring, tc.want)
		})
	}
}

func TestLoadValidatesRanges(t *testing.T) {
	cases := []struct {
		name  string
		key   string
		value string
		want  string
	}{
		{"zero queue", "QUEUE_SIZE", "0", "QUEUE_SIZE must be positive"},
		{"ratio above one", "MOTION_MAX_FOREGROUND_RATIO", "1.5", "must be in (0, 1]"},
		{"zero retention days", "RETENTION_DAYS", "0", "RETENTION_DAYS must be at least 1"},
		{"zero history", "MOTION_HISTORY", "0", "MOTION_HISTORY must be at least 1"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Setenv(tc.key, tc.value)
			_, err := Load()
			test.That(t, err, test.ShouldNotBeNil)
			test.That(t, err.Error(), test.ShouldContainSubstring, tc.want)
		})
	}
}

func TestRetentionIntervalClamp(t *testing.T) {
	t.Setenv("RETENTION_INTERVAL_SECONDS", "5")
	cfg, err := Load()
	test.That(t, err, test.ShouldBeNil)
	test.That(t, cfg.RetentionInterval, test.ShouldEqual, time.Minute)

	t.Setenv("RETENTION_INTERVAL_SECONDS", "120")
	cfg, err = Load()
	test.That(t, err, test.ShouldBeNil)
	test.That(t, cfg.RetentionInterval, test.ShouldEqual, 2*time.Minute)
}

func TestNotificationsActive(t *testing.T) {
	cfg := &Config{NotificationsEnabled: true, TelegramBotToken: "tok", TelegramChatID: "42"}
	test.That(t, cfg.NotificationsActive(), test.ShouldBeTrue)

	cfg.TelegramChatID = ""
	test.That(t, cfg.NotificationsActive(), test.ShouldBeFalse)

	cfg.TelegramChatID = "42"
	cfg.TelegramBotToken = ""
	test.That(t, cfg.NotificationsActive(), test.ShouldBeFalse)

	cfg.TelegramBotToken = "tok"
	cfg.NotificationsEnabled = false
	test.That(t, cfg.NotificationsActive(), test.ShouldBeFalse)
}
