// Workspace API handlers for local clients.
//
// These endpoints are served over a Unix socket (and TCP for containers):
//
//	POST /v1/chat          send message, get response
//	GET  /v1/events        SSE stream (chat, capability calls, jobs, reflection)
//	GET  /v1/history       stored conversation turns
//	GET  /v1/jobs          scheduled jobs
//	GET  /v1/reflection    latest reflection; POST runs one now
//	GET  /v1/capabilities  capability catalog
//	GET  /v1/recall        memory search
//	GET  /v1/health        health check (also /health)

package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strconv"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/irislabs/iris/pkg/channel"
	"github.com/irislabs/iris/pkg/events"
	"github.com/irislabs/iris/pkg/store"
)

const (
	// DefaultSocketPath is the default Unix socket for workspace clients.
	DefaultSocketPath = "/tmp/iris.sock"
	// DefaultTCPAddr is the default workspace TCP address.
	DefaultTCPAddr = ":8090"
)

func (d *Daemon) workspaceMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/chat", d.handleWorkspaceChat)
	mux.HandleFunc("/v1/events", d.handleWorkspaceEvents)
	mux.HandleFunc("/v1/history", d.handleWorkspaceHistory)
	mux.HandleFunc("/v1/jobs", d.handleWorkspaceJobs)
	mux.HandleFunc("/v1/reflection", d.handleWorkspaceReflection)
	mux.HandleFunc("/v1/capabilities", d.handleWorkspaceCapabilities)
	mux.HandleFunc("/v1/recall", d.handleRecall)
	mux.HandleFunc("/v1/health", d.handleWorkspaceHealth)
	mux.HandleFunc("/health", d.handleWorkspaceHealth)
	return mux
}

// serveWorkspace serves the workspace API on the Unix socket and the TCP
// address until ctx is cancelled. A listener that cannot be opened is
// skipped; it is an error only when neither can.
func (d *Daemon) serveWorkspace(ctx context.Context) error {
	mux := d.workspaceMux()
	var listeners []net.Listener

	sockPath := d.config.Workspace.SocketPath
	if _, err := os.Stat(sockPath); err == nil {
		os.Remove(sockPath)
	}
	if l, err := net.Listen("unix", sockPath); err != nil {
		slog.Warn("workspace unix socket failed, trying TCP only", "error", err)
	} else {
		os.Chmod(sockPath, 0o660)
		listeners = append(listeners, l)
		slog.Info("workspace API listening", "socket", sockPath)
	}

	if l, err := net.Listen("tcp", d.config.Workspace.TCPAddr); err != nil {
		slog.Warn("workspace TCP listener failed", "error", err)
	} else {
		listeners = append(listeners, l)
		slog.Info("workspace API listening", "tcp", d.config.Workspace.TCPAddr)
	}

	if len(listeners) == 0 {
		return errors.New("workspace API: no listener available")
	}
	d.events.Publish(events.Event{Type: events.TypeStatus, Message: "workspace API ready"})

	g, ctx := errgroup.WithContext(ctx)
	for _, l := range listeners {
		srv := &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}
		g.Go(func() error {
			<-ctx.Done()
			return srv.Close()
		})
		g.Go(func() error {
			if err := srv.Serve(l); err != http.ErrServerClosed {
				return fmt.Errorf("workspace server: %w", err)
			}
			return nil
		})
	}
	err := g.Wait()
	os.Remove(sockPath)
	return err
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// --- Chat Handler ---

// chatRequest is the JSON body for POST /v1/chat.
type chatRequest struct {
	Message string `json:"message"`
}

type attachmentInfo struct {
	Name     string `json:"name"`
	MimeType string `json:"mime_type"`
	Size     int    `json:"size"`
}

// chatResponse is the JSON response for POST /v1/chat.
type chatResponse struct {
	Content     string           `json:"content"`
	Attachments []attachmentInfo `json:"attachments,omitempty"`
	Elapsed     string           `json:"elapsed"`
}

// handleWorkspaceChat handles POST /v1/chat. The workspace shares the
// operator's history; notifications it schedules go to the event stream.
func (d *Daemon) handleWorkspaceChat(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed, use POST")
		return
	}
	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Message == "" {
		writeError(w, http.StatusBadRequest, "missing or invalid message field")
		return
	}

	start := time.Now()
	resp, err := d.HandleMessage(r.Context(), channel.Message{
		Source:    "workspace",
		SenderID:  "tui",
		RoomID:    WorkspaceDestination,
		Content:   req.Message,
		Timestamp: start.UnixMilli(),
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	out := chatResponse{
		Content: resp.Content,
		Elapsed: time.Since(start).Round(time.Millisecond).String(),
	}
	for _, a := range resp.Attachments {
		out.Attachments = append(out.Attachments, attachmentInfo{Name: a.Name, MimeType: a.MimeType, Size: len(a.Data)})
	}
	writeJSON(w, http.StatusOK, out)
}

// --- SSE Events Handler ---

// handleWorkspaceEvents handles GET /v1/events. Recent events are replayed
// on connect, after Last-Event-ID when the client sends one.
func (d *Daemon) handleWorkspaceEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	stream, done := d.events.Subscribe()
	defer d.events.Unsubscribe(done)
	slog.Info("workspace SSE client connected", "subscribers", d.events.SubscriberCount())

	for _, e := range replayAfter(d.events.Recent(50), r.Header.Get("Last-Event-ID")) {
		writeEvent(w, e)
	}
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			slog.Info("workspace SSE client disconnected")
			return
		case e, ok := <-stream:
			if !ok {
				return
			}
			writeEvent(w, e)
			flusher.Flush()
		}
	}
}

func writeEvent(w http.ResponseWriter, e events.Event) {
	fmt.Fprintf(w, "id: %s\ndata: %s\n\n", e.ID, e.Marshal())
}

// replayAfter drops the events up to and including lastID. An unknown ID
// replays everything.
func replayAfter(recent []events.Event, lastID string) []events.Event {
	if lastID == "" {
		return recent
	}
	for i, e := range recent {
		if e.ID == lastID {
			return recent[i+1:]
		}
	}
	return recent
}

// --- Read-only Handlers ---

func queryInt(r *http.Request, name string, fallback, limit int) int {
	if v := r.URL.Query().Get(name); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= limit {
			return n
		}
	}
	return fallback
}

type turnJSON struct {
	Role      string    `json:"role"`
	Text      string    `json:"text"`
	CreatedAt time.Time `json:"created_at"`
}

// handleWorkspaceHistory handles GET /v1/history?n=.
func (d *Daemon) handleWorkspaceHistory(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	turns, err := d.store.RecentTurns(r.Context(), queryInt(r, "n", d.store.HistoryCapacity(), d.store.HistoryCapacity()))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	out := make([]turnJSON, len(turns))
	for i, t := range turns {
		out[i] = turnJSON{Role: t.Role, Text: t.Text, CreatedAt: t.CreatedAt}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"turns":    out,
		"count":    len(out),
		"capacity": d.store.HistoryCapacity(),
	})
}

// handleWorkspaceJobs handles GET /v1/jobs.
func (d *Daemon) handleWorkspaceJobs(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	jobs := d.scheduler.Jobs()
	writeJSON(w, http.StatusOK, map[string]any{"jobs": jobs, "count": len(jobs)})
}

type capabilityJSON struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Params      map[string]any `json:"params"`
	Required    []string       `json:"required,omitempty"`
}

// handleWorkspaceCapabilities handles GET /v1/capabilities.
func (d *Daemon) handleWorkspaceCapabilities(w http.ResponseWriter, r *http.Request) {
	defs := d.dispatcher.Definitions()
	out := make([]capabilityJSON, len(defs))
	for i, def := range defs {
		out[i] = capabilityJSON{Name: def.Name, Description: def.Description, Params: def.InputSchema, Required: def.Required}
	}
	writeJSON(w, http.StatusOK, map[string]any{"capabilities": out, "count": len(out)})
}

// --- Reflection Handler ---

type reflectionJSON struct {
	Day       string    `json:"day"`
	Summary   string    `json:"summary"`
	CreatedAt time.Time `json:"created_at"`
}

// handleWorkspaceReflection handles GET /v1/reflection (latest stored
// reflection and the last run report) and POST /v1/reflection (run now).
func (d *Daemon) handleWorkspaceReflection(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		ref, err := d.store.LatestReflection(r.Context())
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "no reflection yet")
			return
		}
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"reflection":  reflectionJSON{Day: ref.Day, Summary: ref.Summary, CreatedAt: ref.CreatedAt},
			"last_report": d.reflector.LastReport(),
		})

	case http.MethodPost:
		report, err := d.reflector.ReflectOnce(r.Context())
		if err != nil {
			writeError(w, http.StatusBadGateway, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, report)

	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed, use GET or POST")
	}
}

// --- Recall Handler ---

// recallResponse is the JSON response for /v1/recall.
type recallResponse struct {
	Memories []recallMemory `json:"memories"`
	Method   string         `json:"method"`
	Query    string         `json:"query"`
	Count    int            `json:"count"`
}

// recallMemory is a single document in the recall response.
type recallMemory struct {
	ID        int64  `json:"id"`
	Kind      string `json:"kind"`
	Content   string `json:"content"`
	CreatedAt string `json:"created_at"`
}

// handleRecall serves memory search. Query params: q (required) and
// limit (default 10, max 100).
func (d *Daemon) handleRecall(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	query := r.URL.Query().Get("q")
	if query == "" {
		writeError(w, http.StatusBadRequest, "missing required parameter: q")
		return
	}
	limit := queryInt(r, "limit", 10, 100)

	docs, err := d.memory.SearchMemory(r.Context(), query, limit)
	if err != nil {
		slog.Warn("recall failed", "query", query, "error", err)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	out := recallResponse{Memories: make([]recallMemory, 0, len(docs)), Method: d.memory.method(), Query: query}
	for _, doc := range docs {
		out.Memories = append(out.Memories, recallMemory{
			ID:        doc.ID,
			Kind:      doc.Kind,
			Content:   doc.Content,
			CreatedAt: doc.CreatedAt.Format(time.RFC3339),
		})
	}
	out.Count = len(out.Memories)
	writeJSON(w, http.StatusOK, out)
}

// --- Health Handler ---

func (d *Daemon) handleWorkspaceHealth(w http.ResponseWriter, r *http.Request) {
	status, code := "ok", http.StatusOK
	if !d.healthy.Load() {
		status, code = "starting", http.StatusServiceUnavailable
	}
	stats := d.store.Stats()
	writeJSON(w, code, map[string]any{
		"status":      status,
		"uptime":      time.Since(d.startedAt).Round(time.Second).String(),
		"turns":       stats.Turns,
		"tasks":       stats.Tasks,
		"reminders":   stats.Reminders,
		"reflections": stats.Reflections,
		"jobs":        len(d.scheduler.Jobs()),
		"memory":      d.memory.method(),
		"matrix":      d.matrix != nil,
		"subscribers": d.events.SubscriberCount(),
	})
}
