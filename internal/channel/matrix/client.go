// Package matrix is Iris's chat transport: a mautrix-go client that runs
// inside the daemon, forwards operator messages to the orchestration loop
// and delivers replies, image attachments and scheduled notifications.
package matrix

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/sethvargo/go-retry"
	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/irislabs/iris/pkg/channel"
)

// MaxMessageChars is the largest text chunk sent in one event.
const MaxMessageChars = 4000

// Config holds Matrix channel configuration.
type Config struct {
	Homeserver   string
	UserID       string // localpart, e.g. "iris"
	Password     string
	ServerName   string // e.g. "matrix.example.com"
	AllowedUsers []string
	DataDir      string
}

// Channel implements channel.Channel for Matrix.
type Channel struct {
	config    Config
	client    *mautrix.Client
	handler   channel.MessageHandler
	startTime int64

	mu       sync.Mutex
	lastRoom string

	credFile  string
	stateFile string

	chunkDelay time.Duration
}

type credentials struct {
	AccessToken string `json:"access_token"`
	UserID      string `json:"user_id"`
	DeviceID    string `json:"device_id"`
}

// state remembers the last room the operator wrote from, so scheduled
// notifications have somewhere to go after a restart.
type state struct {
	RoomID string `json:"room_id"`
}

// New creates a Matrix channel.
func New(cfg Config) *Channel {
	c := &Channel{
		config:     cfg,
		credFile:   filepath.Join(cfg.DataDir, "matrix_credentials.json"),
		stateFile:  filepath.Join(cfg.DataDir, "matrix_state.json"),
		chunkDelay: 500 * time.Millisecond,
	}
	if data, err := os.ReadFile(c.stateFile); err == nil {
		var st state
		if json.Unmarshal(data, &st) == nil {
			c.lastRoom = st.RoomID
		}
	}
	return c
}

// Name returns the channel identifier.
func (c *Channel) Name() string { return "matrix" }

// LastRoom returns the room the operator most recently wrote from, or "".
func (c *Channel) LastRoom() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastRoom
}

// Start logs in and syncs until ctx is cancelled, reconnecting after
// sync failures.
func (c *Channel) Start(ctx context.Context, handler channel.MessageHandler) error {
	c.handler = handler
	c.startTime = time.Now().UnixMilli()

	if err := os.MkdirAll(c.config.DataDir, 0o755); err != nil {
		return fmt.Errorf("create matrix data dir: %w", err)
	}

	fullUserID := fmt.Sprintf("@%s:%s", c.config.UserID, c.config.ServerName)
	client, err := mautrix.NewClient(c.config.Homeserver, id.UserID(fullUserID), "")
	if err != nil {
		return fmt.Errorf("create matrix client: %w", err)
	}
	client.Store = mautrix.NewMemorySyncStore()
	c.client = client

	if err := c.login(ctx, fullUserID); err != nil {
		return err
	}

	syncer := client.Syncer.(*mautrix.DefaultSyncer)
	syncer.OnEventType(event.EventMessage, c.onMessage)
	syncer.OnEventType(event.StateMember, c.onMemberEvent)

	slog.Info("matrix channel ready, starting sync")
	for {
		err := client.SyncWithContext(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if err != nil {
			slog.Warn("matrix sync error, reconnecting in 15s", "error", err)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(15 * time.Second):
			}
		}
	}
}

// login reuses saved credentials, falling back to password login with
// capped exponential backoff.
func (c *Channel) login(ctx context.Context, fullUserID string) error {
	if err := c.loadCredentials(); err == nil {
		slog.Info("loaded saved matrix credentials", "user", fullUserID)
		return nil
	}

	backoff := retry.WithMaxRetries(9, retry.WithCappedDuration(2*time.Minute, retry.NewExponential(2*time.Second)))
	attempt := 0
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		attempt++
		slog.Info("logging into matrix", "user", fullUserID, "homeserver", c.config.Homeserver, "attempt", attempt)

		resp, err := c.client.Login(ctx, &mautrix.ReqLogin{
			Type: mautrix.AuthTypePassword,
			Identifier: mautrix.UserIdentifier{
				Type: mautrix.IdentifierTypeUser,
				User: c.config.UserID,
			},
			Password:         c.config.Password,
			StoreCredentials: true,
		})
		if err == nil {
			slog.Info("logged into matrix", "user", resp.UserID, "device", resp.DeviceID)
			c.saveCredentials(credentials{
				AccessToken: resp.AccessToken,
				UserID:      string(resp.UserID),
				DeviceID:    string(resp.DeviceID),
			})
			return nil
		}
		if !retryableLoginError(err) {
			return fmt.Errorf("%w (non-retryable)", err)
		}
		slog.Warn("matrix login failed, retrying", "error", err, "attempt", attempt)
		return retry.RetryableError(err)
	})
	if err != nil {
		return fmt.Errorf("matrix login: %w", err)
	}
	return nil
}

func retryableLoginError(err error) bool {
	for _, code := range []string{"M_FORBIDDEN", "M_UNKNOWN_TOKEN", "M_INVALID_PARAM", "M_USER_DEACTIVATED"} {
		if strings.Contains(err.Error(), code) {
			return false
		}
	}
	return true
}

// Send uploads each attachment as an m.image (or m.file) event, then
// sends the text split into paragraph-aligned chunks.
func (c *Channel) Send(ctx context.Context, resp channel.Response) error {
	if c.client == nil {
		return errors.New("matrix channel not started")
	}
	roomID := id.RoomID(resp.RoomID)

	for _, a := range resp.Attachments {
		if err := c.sendAttachment(ctx, roomID, a); err != nil {
			slog.Error("matrix attachment failed", "room", roomID, "name", a.Name, "error", err)
		}
	}

	if strings.TrimSpace(resp.Content) == "" {
		return nil
	}
	chunks := SplitMessage(resp.Content, MaxMessageChars)
	for i, chunk := range chunks {
		if len(chunks) > 1 {
			chunk = fmt.Sprintf("[%d/%d] %s", i+1, len(chunks), chunk)
		}
		if _, err := c.client.SendText(ctx, roomID, chunk); err != nil {
			slog.Error("matrix send failed", "room", roomID, "chunk", i+1, "error", err)
			return err
		}
		if i < len(chunks)-1 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(c.chunkDelay):
			}
		}
	}
	slog.Info("matrix message sent", "room", roomID, "chunks", len(chunks), "len", len(resp.Content))
	return nil
}

// Notify sends a plain text message to destination. Scheduled jobs use it.
func (c *Channel) Notify(ctx context.Context, destination, text string) error {
	return c.Send(ctx, channel.Response{RoomID: destination, Content: text})
}

func (c *Channel) sendAttachment(ctx context.Context, roomID id.RoomID, a channel.Attachment) error {
	mime := a.MimeType
	if mime == "" {
		mime = "application/octet-stream"
	}
	up, err := c.client.UploadBytes(ctx, a.Data, mime)
	if err != nil {
		return fmt.Errorf("upload: %w", err)
	}

	msgType := event.MsgFile
	if strings.HasPrefix(mime, "image/") {
		msgType = event.MsgImage
	}
	content := &event.MessageEventContent{
		MsgType: msgType,
		Body:    a.Name,
		URL:     up.ContentURI.CUString(),
		Info: &event.FileInfo{
			MimeType: mime,
			Size:     len(a.Data),
		},
	}
	if _, err := c.client.SendMessageEvent(ctx, roomID, event.EventMessage, content); err != nil {
		return fmt.Errorf("send media event: %w", err)
	}
	slog.Info("matrix attachment sent", "room", roomID, "name", a.Name, "bytes", len(a.Data))
	return nil
}

// Stop stops syncing.
func (c *Channel) Stop() error {
	if c.client != nil {
		c.client.StopSync()
	}
	return nil
}

func (c *Channel) onMessage(ctx context.Context, evt *event.Event) {
	if evt.Sender == c.client.UserID || evt.Timestamp < c.startTime || !c.isAllowed(evt.Sender) {
		return
	}
	msgContent := evt.Content.AsMessage()
	if msgContent == nil || msgContent.Body == "" || msgContent.MsgType != event.MsgText {
		return
	}

	slog.Info("matrix message received",
		"sender", evt.Sender,
		"room", evt.RoomID,
		"content", truncate(msgContent.Body, 100),
	)
	c.rememberRoom(string(evt.RoomID))

	msg := channel.Message{
		Source:    "matrix",
		SenderID:  string(evt.Sender),
		RoomID:    string(evt.RoomID),
		Content:   msgContent.Body,
		Timestamp: evt.Timestamp,
	}
	if err := c.handler(ctx, msg); err != nil {
		slog.Error("message handler error", "error", err)
		c.Send(ctx, channel.Response{
			RoomID:  string(evt.RoomID),
			Content: fmt.Sprintf("(erro: %s)", err),
		})
	}
}

func (c *Channel) onMemberEvent(ctx context.Context, evt *event.Event) {
	if evt.GetStateKey() != string(c.client.UserID) {
		return
	}
	member := evt.Content.AsMember()
	if member == nil || member.Membership != event.MembershipInvite {
		return
	}
	if !c.isAllowed(evt.Sender) {
		slog.Warn("rejecting invite from unauthorized user", "sender", evt.Sender)
		return
	}

	slog.Info("accepting room invite", "room", evt.RoomID, "from", evt.Sender)
	if _, err := c.client.JoinRoomByID(ctx, evt.RoomID); err != nil {
		slog.Error("failed to join room", "room", evt.RoomID, "error", err)
	}
}

func (c *Channel) rememberRoom(roomID string) {
	c.mu.Lock()
	changed := c.lastRoom != roomID
	c.lastRoom = roomID
	c.mu.Unlock()
	if !changed {
		return
	}
	data, _ := json.Marshal(state{RoomID: roomID})
	if err := os.WriteFile(c.stateFile, data, 0o600); err != nil {
		slog.Warn("save matrix state failed", "error", err)
	}
}

func (c *Channel) loadCredentials() error {
	data, err := os.ReadFile(c.credFile)
	if err != nil {
		return err
	}
	var creds credentials
	if err := json.Unmarshal(data, &creds); err != nil {
		return err
	}
	if creds.AccessToken == "" {
		return errors.New("empty access token")
	}
	c.client.AccessToken = creds.AccessToken
	c.client.UserID = id.UserID(creds.UserID)
	c.client.DeviceID = id.DeviceID(creds.DeviceID)
	return nil
}

func (c *Channel) saveCredentials(creds credentials) {
	data, _ := json.MarshalIndent(creds, "", "  ")
	if err := os.WriteFile(c.credFile, data, 0o600); err != nil {
		slog.Warn("save matrix credentials failed", "error", err)
	}
}

func (c *Channel) isAllowed(sender id.UserID) bool {
	if len(c.config.AllowedUsers) == 0 || c.config.AllowedUsers[0] == "" {
		return true
	}
	for _, allowed := range c.config.AllowedUsers {
		if string(sender) == allowed {
			return true
		}
	}
	return false
}

// SplitMessage cuts s into chunks of at most limit runes, preferring to
// break at a blank line, then a newline, then a space.
func SplitMessage(s string, limit int) []string {
	var chunks []string
	for {
		r := []rune(s)
		if len(r) <= limit {
			break
		}
		window := string(r[:limit])
		cut := -1
		for _, sep := range []string{"\n\n", "\n", " "} {
			if i := strings.LastIndex(window, sep); i > len(window)/2 {
				cut = i
				break
			}
		}
		if cut < 0 {
			chunks = append(chunks, window)
			s = string(r[limit:])
			continue
		}
		chunks = append(chunks, strings.TrimRight(window[:cut], " \n"))
		s = strings.TrimLeft(s[cut:], " \n")
	}
	if s = strings.TrimRight(s, " \n"); s != "" {
		chunks = append(chunks, s)
	}
	return chunks
}

func truncate(s string, n int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if r := []rune(s); len(r) > n {
		return string(r[:n]) + "..."
	}
	return s
}
