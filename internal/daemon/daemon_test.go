package daemon

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/irislabs/iris/internal/llm"
	"github.com/irislabs/iris/pkg/channel"
	"github.com/irislabs/iris/pkg/events"
	"github.com/irislabs/iris/pkg/scheduler"
)

const testReflection = "RESUMO\nDia tranquilo.\n\nSUGESTOES\nDormir cedo.\n\nMELHORIA DO SISTEMA\nNenhuma.\n\nNOVAS TAREFAS\n- revisar metas"

func newTestDaemon(t *testing.T, model *fakeModel) *Daemon {
	t.Helper()
	cfg := &Config{DataDir: t.TempDir(), UTCOffset: DefaultUTCOffset}
	cfg.applyDefaults()
	if model.complete == "" {
		model.complete = testReflection
	}
	d, err := assemble(cfg, openTestStore(t), model, model)
	require.NoError(t, err)
	t.Cleanup(d.scheduler.Stop)
	return d
}

func doJSON(t *testing.T, d *Daemon, method, target, body string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
	} else {
		req = httptest.NewRequest(method, target, nil)
	}
	rec := httptest.NewRecorder()
	d.workspaceMux().ServeHTTP(rec, req)
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return rec, out
}

func TestWorkspaceChat(t *testing.T) {
	d := newTestDaemon(t, &fakeModel{next: answer("Ola!")})

	rec, out := doJSON(t, d, http.MethodPost, "/v1/chat", `{"message":"oi"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "Ola!", out["content"])
	assert.NotEmpty(t, out["elapsed"])

	rec, out = doJSON(t, d, http.MethodGet, "/v1/history", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 2, out["count"])
	assert.EqualValues(t, 30, out["capacity"])

	rec, _ = doJSON(t, d, http.MethodPost, "/v1/chat", `{"message":""}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec, _ = doJSON(t, d, http.MethodGet, "/v1/chat", "")
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestWorkspaceChatModelError(t *testing.T) {
	d := newTestDaemon(t, &fakeModel{next: func(int, []llm.ToolMessage) (*llm.CompletionResponse, error) {
		return nil, errors.New("connection refused")
	}})

	rec, out := doJSON(t, d, http.MethodPost, "/v1/chat", `{"message":"oi"}`)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Contains(t, out["error"], "model round 1")

	var sawError bool
	for _, e := range d.events.Recent(0) {
		if e.Type == events.TypeError {
			sawError = true
		}
	}
	assert.True(t, sawError)
}

func TestCommands(t *testing.T) {
	model := &fakeModel{next: answer("resposta")}
	d := newTestDaemon(t, model)
	ctx := context.Background()
	handle := func(text string) string {
		resp, err := d.HandleMessage(ctx, channel.Message{Source: "matrix", RoomID: "!r", Content: text})
		require.NoError(t, err)
		assert.Equal(t, "!r", resp.RoomID)
		return resp.Content
	}

	assert.Equal(t, "resposta", handle("oi"))
	n, err := d.store.HistoryLen(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	assert.Equal(t, helpText, handle("/start"))

	status := handle("/status")
	assert.Contains(t, status, "Historico: 2/30 turnos")
	assert.Contains(t, status, "Ultima reflexao: nenhuma")
	assert.Contains(t, status, "Memoria: keyword")

	assert.Equal(t, "Historico limpo.", handle("/limpar"))
	n, err = d.store.HistoryLen(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	reflected := handle("/refletir")
	assert.True(t, strings.HasPrefix(reflected, "REFLEXAO "))
	assert.Contains(t, reflected, "Dia tranquilo.")
	assert.Contains(t, handle("/status"), "Ultima reflexao: ")
	assert.NotContains(t, handle("/status"), "nenhuma")

	// Unknown commands go to the agent.
	assert.Equal(t, "resposta", handle("/desconhecido"))
	assert.Equal(t, 1, countRole(t, d, "user"))
}

func countRole(t *testing.T, d *Daemon, role string) int {
	t.Helper()
	turns, err := d.store.RecentTurns(context.Background(), 0)
	require.NoError(t, err)
	n := 0
	for _, turn := range turns {
		if turn.Role == role {
			n++
		}
	}
	return n
}

func TestWorkspaceReflection(t *testing.T) {
	d := newTestDaemon(t, &fakeModel{next: answer("x")})

	rec, _ := doJSON(t, d, http.MethodGet, "/v1/reflection", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec, out := doJSON(t, d, http.MethodPost, "/v1/reflection", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, testReflection, out["summary"])
	assert.Equal(t, true, out["notified"], "delivered to the event stream")

	rec, out = doJSON(t, d, http.MethodGet, "/v1/reflection", "")
	require.Equal(t, http.StatusOK, rec.Code)
	ref := out["reflection"].(map[string]any)
	assert.Equal(t, testReflection, ref["summary"])
	assert.NotNil(t, out["last_report"])

	rec, _ = doJSON(t, d, http.MethodDelete, "/v1/reflection", "")
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestWorkspaceReadOnlyEndpoints(t *testing.T) {
	d := newTestDaemon(t, &fakeModel{next: answer("x")})
	ctx := context.Background()

	rec, out := doJSON(t, d, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "starting", out["status"])
	d.healthy.Store(true)
	rec, out = doJSON(t, d, http.MethodGet, "/v1/health", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", out["status"])
	assert.Equal(t, false, out["matrix"])

	rec, out = doJSON(t, d, http.MethodGet, "/v1/capabilities", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var names []string
	for _, c := range out["capabilities"].([]any) {
		names = append(names, c.(map[string]any)["name"].(string))
	}
	assert.Contains(t, names, "ver_tarefas")
	assert.Contains(t, names, "buscar_memoria")
	assert.Contains(t, names, "criar_lembrete")

	rec, _ = doJSON(t, d, http.MethodGet, "/v1/recall", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	_, err := d.store.AddJournalEntry(ctx, time.Now(), "corrida longa na praia")
	require.NoError(t, err)
	rec, out = doJSON(t, d, http.MethodGet, "/v1/recall?q=praia&limit=3", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "keyword", out["method"])
	assert.EqualValues(t, 1, out["count"])

	require.NoError(t, d.registerJobs(ctx))
	rec, out = doJSON(t, d, http.MethodGet, "/v1/jobs", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 1, out["count"])
}

func TestRegisterJobs(t *testing.T) {
	d := newTestDaemon(t, &fakeModel{next: answer("x")})
	ctx := context.Background()

	_, err := d.store.AddReminder(ctx, "agua", "15:00", "!r")
	require.NoError(t, err)
	_, err = d.store.AddReminder(ctx, "quebrado", "25:99", "!r")
	require.NoError(t, err)

	require.NoError(t, d.registerJobs(ctx))

	keys := map[scheduler.JobKey]scheduler.Kind{}
	for _, j := range d.scheduler.Jobs() {
		keys[j.Key] = j.Kind
	}
	assert.Len(t, keys, 2)
	assert.Equal(t, scheduler.KindDaily, keys[scheduler.JobKey{Destination: WorkspaceDestination, Purpose: PurposeReflection}])
}

func TestRegisterJobsRejectsBadReflectionTime(t *testing.T) {
	d := newTestDaemon(t, &fakeModel{next: answer("x")})
	d.config.Reflection.Time = "23h"
	assert.ErrorIs(t, d.registerJobs(context.Background()), scheduler.ErrInvalidTime)
}

func TestReflectionJobEvents(t *testing.T) {
	model := &fakeModel{next: answer("x")}
	d := newTestDaemon(t, model)
	ctx := context.Background()

	require.NoError(t, d.reflectionJob(ctx))

	model.mu.Lock()
	model.complete = ""
	model.mu.Unlock()
	assert.Error(t, d.reflectionJob(ctx))

	var levels []string
	for _, e := range d.events.Recent(0) {
		if e.Type == events.TypeJob {
			levels = append(levels, e.Level)
		}
	}
	assert.Equal(t, []string{"info", "info", "info", "error"}, levels)
}

func TestNotify(t *testing.T) {
	d := newTestDaemon(t, &fakeModel{next: answer("x")})
	ctx := context.Background()

	require.NoError(t, d.Notify(ctx, WorkspaceDestination, "beba agua"))
	recent := d.events.Recent(1)
	require.Len(t, recent, 1)
	assert.Equal(t, "beba agua", recent[0].Content)
	assert.Equal(t, WorkspaceDestination, recent[0].Destination)

	require.NoError(t, d.Notify(ctx, "", "sem destino"))
	assert.Equal(t, WorkspaceDestination, d.events.Recent(1)[0].Destination)

	assert.Error(t, d.Notify(ctx, "!sala:x", "sem matrix"))
}

func TestRespondLogsSendFailure(t *testing.T) {
	d := newTestDaemon(t, &fakeModel{next: answer("Ola!")})
	ctx := context.Background()

	var sends int
	failing := func(context.Context, channel.Response) error {
		sends++
		return errors.New("room gone")
	}
	err := d.respond(ctx, channel.Message{Source: "matrix", RoomID: "!r:x", Content: "oi"}, failing)
	require.NoError(t, err, "a delivery failure is not retried by the transport")
	assert.Equal(t, 1, sends)

	var reported bool
	for _, e := range d.events.Recent(0) {
		if e.Type == events.TypeError && strings.Contains(e.Message, "send response: room gone") {
			reported = true
		}
	}
	assert.True(t, reported)
}

func TestRespondReturnsHandlerError(t *testing.T) {
	d := newTestDaemon(t, &fakeModel{next: func(int, []llm.ToolMessage) (*llm.CompletionResponse, error) {
		return nil, errors.New("connection refused")
	}})

	var sends int
	err := d.respond(context.Background(), channel.Message{Source: "matrix", RoomID: "!r:x", Content: "oi"},
		func(context.Context, channel.Response) error {
			sends++
			return nil
		})
	assert.ErrorContains(t, err, "connection refused")
	assert.Zero(t, sends)
}

func TestWorkspaceEventsStream(t *testing.T) {
	d := newTestDaemon(t, &fakeModel{next: answer("x")})
	d.events.Publish(events.Event{Type: events.TypeStatus, Message: "antes"})

	srv := httptest.NewServer(d.workspaceMux())
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/v1/events", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	lines := bufio.NewScanner(resp.Body)
	// readEvent returns the next event and checks the id line matches it.
	readEvent := func() events.Event {
		var id string
		for lines.Scan() {
			line := lines.Text()
			switch {
			case strings.HasPrefix(line, "id: "):
				id = strings.TrimPrefix(line, "id: ")
			case strings.HasPrefix(line, "data: "):
				var e events.Event
				require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &e))
				assert.Equal(t, id, e.ID)
				return e
			}
		}
		t.Fatal("event stream closed")
		return events.Event{}
	}

	for readEvent().Message != "antes" {
	}

	require.Eventually(t, func() bool { return d.events.SubscriberCount() == 1 }, time.Second, 5*time.Millisecond)
	d.events.Publish(events.Event{Type: events.TypeStatus, Message: "depois"})
	assert.Equal(t, "depois", readEvent().Message)
}

func TestReplayAfter(t *testing.T) {
	recent := []events.Event{{ID: "a"}, {ID: "b"}, {ID: "c"}}
	assert.Equal(t, recent, replayAfter(recent, ""))
	assert.Equal(t, []events.Event{{ID: "c"}}, replayAfter(recent, "b"))
	assert.Empty(t, replayAfter(recent, "c"))
	assert.Equal(t, recent, replayAfter(recent, "zzz"))
}

func TestNewProvider(t *testing.T) {
	assert.Nil(t, newProvider(ProviderConfig{Provider: "deepseek"}))
	assert.Nil(t, newProvider(ProviderConfig{Provider: "deepseek", APIKey: "k"}))

	p := newProvider(ProviderConfig{Provider: "deepseek", APIKey: "k", BaseURL: "https://api.deepseek.com", Model: "deepseek-chat"})
	require.NotNil(t, p)
	assert.Equal(t, "deepseek", p.Name())
	assert.IsType(t, &llm.OpenAICompatProvider{}, p)

	p = newProvider(ProviderConfig{Provider: "deepseek", Format: "anthropic", APIKey: "k", BaseURL: "https://api.deepseek.com/anthropic"})
	assert.IsType(t, &llm.AnthropicProvider{}, p)

	p = newProvider(ProviderConfig{APIKey: "k", Model: "claude-sonnet-4-5"})
	assert.IsType(t, &llm.AnthropicProvider{}, p)

	_, err := buildRouter(LLMConfig{})
	assert.Error(t, err)
}
