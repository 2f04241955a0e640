package telegram

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"vigil/internal/database"
	"vigil/internal/media"
	"vigil/internal/pipeline"
	"vigil/internal/stream"
)

const (
	pollInterval   = 2 * time.Second
	pollRetryDelay = 5 * time.Second

	defaultEventsLimit = 5
	maxEventsLimit     = 20
	defaultMuteMinutes = 60
)

const helpText = `Vigil commands:
/status - pipeline status and event counts
/events [n] - most recent events (default 5)
/snapshot [camera] - latest frame from a camera
/mute [minutes] - silence notifications (default 60)
/unmute - lift the mute
/help - this message`

// Update is one entry from getUpdates.
type Update struct {
	UpdateID int64    `json:"update_id"`
	Message  *Message `json:"message,omitempty"`
}

// Message is the subset of a Telegram message the listener acts on.
type Message struct {
	MessageID int64  `json:"message_id"`
	From      *User  `json:"from,omitempty"`
	Chat      Chat   `json:"chat"`
	Date      int64  `json:"date"`
	Text      string `json:"text,omitempty"`
}

// User identifies a message author.
type User struct {
	ID       int64  `json:"id"`
	IsBot    bool   `json:"is_bot"`
	Username string `json:"username,omitempty"`
}

// Chat identifies the conversation a message belongs to.
type Chat struct {
	ID int64 `json:"id"`
}

type getUpdatesResponse struct {
	OK          bool     `json:"ok"`
	Result      []Update `json:"result,omitempty"`
	ErrorCode   int      `json:"error_code,omitempty"`
	Description string   `json:"description,omitempty"`
}

// CommandListener polls the Bot API for commands from the configured
// chat and answers them. Messages from any other chat are ignored.
type CommandListener struct {
	bot      *Bot
	db       *database.Database
	store    *media.Store
	live     *stream.FrameCache
	mute     *pipeline.MuteSwitch
	logger   *zap.Logger
	interval time.Duration
	lastSeen int64
	started  time.Time
}

// NewCommandListener wires the listener. All dependencies are required.
func NewCommandListener(bot *Bot, db *database.Database, store *media.Store, live *stream.FrameCache, mute *pipeline.MuteSwitch, logger *zap.Logger) *CommandListener {
	return &CommandListener{
		bot:      bot,
		db:       db,
		store:    store,
		live:     live,
		mute:     mute,
		logger:   logger,
		interval: pollInterval,
	}
}

// SetPollInterval shortens the update poll cadence, used by tests.
func (l *CommandListener) SetPollInterval(d time.Duration) {
	l.interval = d
}

// Run polls for updates until ctx is cancelled. Poll errors are logged
// and retried after a delay.
func (l *CommandListener) Run(ctx context.Context) error {
	l.started = time.Now()
	l.logger.Info("command listener started")
	defer l.logger.Info("command listener stopped")

	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := l.poll(ctx); err != nil && ctx.Err() == nil {
				l.logger.Warn("update poll failed", zap.Error(err))
				select {
				case <-ctx.Done():
					return nil
				case <-time.After(pollRetryDelay):
				}
			}
		}
	}
}

func (l *CommandListener) poll(ctx context.Context) error {
	url := fmt.Sprintf("%s?offset=%d&timeout=1", l.bot.methodURL("getUpdates"), l.lastSeen+1)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	resp, err := l.bot.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to fetch updates: %w", err)
	}
	defer resp.Body.Close()

	var parsed getUpdatesResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return fmt.Errorf("failed to decode updates: %w", err)
	}
	if !parsed.OK {
		return fmt.Errorf("telegram API error %d: %s", parsed.ErrorCode, parsed.Description)
	}

	for _, update := range parsed.Result {
		if update.UpdateID > l.lastSeen {
			l.lastSeen = update.UpdateID
		}
		if update.Message != nil {
			l.handleMessage(ctx, update.Message)
		}
	}
	return nil
}

func (l *CommandListener) handleMessage(ctx context.Context, msg *Message) {
	chatID := strconv.FormatInt(msg.Chat.ID, 10)
	if chatID != l.bot.chatID {
		l.logger.Warn("ignoring message from unauthorized chat", zap.String("chat_id", chatID))
		return
	}
	if msg.Text == "" || !strings.HasPrefix(msg.Text, "/") {
		return
	}

	parts := strings.Fields(msg.Text)
	command := parts[0]
	args := parts[1:]
	// A group chat may address the bot as /status@vigil_bot.
	if at := strings.Index(command, "@"); at != -1 {
		command = command[:at]
	}

	l.logger.Info("command received", zap.String("command", command))

	var reply string
	switch command {
	case "/start", "/help":
		reply = helpText
	case "/status":
		reply = l.statusText()
	case "/events":
		reply = l.eventsText(args)
	case "/snapshot":
		l.sendSnapshot(ctx, args)
		return
	case "/mute":
		reply = l.muteText(args)
	case "/unmute":
		l.mute.Unmute()
		reply = "Notifications unmuted."
	default:
		reply = fmt.Sprintf("Unknown command: %s\nUse /help to see available commands.", command)
	}
	l.reply(ctx, reply)
}

func (l *CommandListener) statusText() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Vigil up %s\n", time.Since(l.started).Round(time.Second))
	if cams := l.live.Cameras(); len(cams) > 0 {
		fmt.Fprintf(&b, "Cameras: %s\n", strings.Join(cams, ", "))
	}
	if l.mute.Muted() {
		fmt.Fprintf(&b, "Notifications muted until %s\n", l.mute.MutedUntil().UTC().Format(time.RFC3339))
	}
	counts, err := l.db.Counts()
	if err != nil {
		l.logger.Warn("failed to count rows", zap.Error(err))
		b.WriteString("Counts unavailable.")
		return b.String()
	}
	fmt.Fprintf(&b, "Persons: %d, vehicles: %d, notifications: %d",
		counts["person_events"], counts["vehicle_events"], counts["notifications"])
	return b.String()
}

func (l *CommandListener) eventsText(args []string) string {
	limit := defaultEventsLimit
	if len(args) > 0 {
		n, err := strconv.Atoi(args[0])
		if err != nil || n < 1 || n > maxEventsLimit {
			return fmt.Sprintf("Usage: /events [1-%d]", maxEventsLimit)
		}
		limit = n
	}

	var lines []string
	for _, kind := range []database.EventKind{database.EventKindPerson, database.EventKindVehicle} {
		events, err := l.db.RecentEvents(kind, limit)
		if err != nil {
			l.logger.Warn("failed to list events", zap.Error(err))
			return "Event lookup failed."
		}
		for _, ev := range events {
			label := string(kind)
			if ev.Label != "" {
				label = ev.Label
			}
			lines = append(lines, fmt.Sprintf("%s  %s  %s",
				ev.OccurredAt.UTC().Format("2006-01-02 15:04:05"), ev.Camera, label))
		}
	}
	if len(lines) == 0 {
		return "No events recorded."
	}
	// Timestamps prefix the lines, so a string sort orders them.
	sort.Sort(sort.Reverse(sort.StringSlice(lines)))
	if len(lines) > limit {
		lines = lines[:limit]
	}
	return strings.Join(lines, "\n")
}

func (l *CommandListener) muteText(args []string) string {
	minutes := defaultMuteMinutes
	if len(args) > 0 {
		n, err := strconv.Atoi(args[0])
		if err != nil || n < 1 {
			return "Usage: /mute [minutes]"
		}
		minutes = n
	}
	until := l.mute.MuteFor(time.Duration(minutes) * time.Minute)
	return fmt.Sprintf("Notifications muted until %s.", until.UTC().Format(time.RFC3339))
}

func (l *CommandListener) sendSnapshot(ctx context.Context, args []string) {
	camera := ""
	if len(args) > 0 {
		camera = args[0]
	} else if cams := l.live.Cameras(); len(cams) == 1 {
		camera = cams[0]
	}
	if camera == "" {
		l.reply(ctx, "Usage: /snapshot <camera>")
		return
	}

	data, capturedAt, err := l.latestFrame(camera)
	if err != nil {
		l.logger.Warn("snapshot lookup failed", zap.String("camera", camera), zap.Error(err))
		l.reply(ctx, fmt.Sprintf("No frame available for camera %s.", camera))
		return
	}

	caption := fmt.Sprintf("Camera %s at %s", camera, capturedAt.UTC().Format(time.RFC3339))
	if err := l.bot.SendPhoto(ctx, caption, data); err != nil {
		l.logger.Warn("failed to send snapshot", zap.Error(err))
	}
}

// latestFrame prefers the in-memory live frame and falls back to the
// newest stored frame asset.
func (l *CommandListener) latestFrame(camera string) ([]byte, time.Time, error) {
	if frame, ok := l.live.Latest(camera); ok {
		return frame.Data, frame.CapturedAt, nil
	}
	asset, err := l.db.LatestFrameAsset(camera)
	if err != nil {
		return nil, time.Time{}, err
	}
	if asset == nil {
		return nil, time.Time{}, fmt.Errorf("no stored frame for camera %s", camera)
	}
	data, err := l.store.Load(asset.Path)
	if err != nil {
		return nil, time.Time{}, err
	}
	return data, asset.CreatedAt, nil
}

func (l *CommandListener) reply(ctx context.Context, text string) {
	if err := l.bot.SendMessage(ctx, text); err != nil {
		l.logger.Warn("failed to send reply", zap.Error(err))
	}
}
