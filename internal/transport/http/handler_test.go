package http

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/routeiq/agent/internal/adapter/crm"
	"github.com/routeiq/agent/internal/adapter/llm"
	"github.com/routeiq/agent/internal/adapter/router"
	"github.com/routeiq/agent/internal/domain"
	"github.com/routeiq/agent/internal/registry"
	"github.com/routeiq/agent/internal/service"
	"github.com/routeiq/agent/internal/store"
	"github.com/routeiq/agent/policy"
)

type staticProvider struct {
	err error
}

func (p *staticProvider) Negotiate(ctx context.Context, userID string) (*router.Connection, error) {
	if p.err != nil {
		return nil, p.err
	}
	return router.NewStaticConnection("rs-"+userID, "http://mcp.test", nil, nil), nil
}

type stubCRM struct{}

func (stubCRM) ListLeads(context.Context, crm.LeadFilter) ([]crm.Lead, error) { return nil, nil }
func (stubCRM) GetLead(context.Context, string) (*crm.Lead, error)            { return nil, crm.ErrNotFound }
func (stubCRM) CreateLead(_ context.Context, l *crm.Lead) (*crm.Lead, error)  { return l, nil }
func (stubCRM) UpdateLead(context.Context, string, map[string]any) (*crm.Lead, error) {
	return nil, crm.ErrNotFound
}
func (stubCRM) CreateActivity(context.Context, *domain.Activity) error         { return nil }
func (stubCRM) ListActivities(context.Context, int) ([]domain.Activity, error) { return nil, nil }
func (stubCRM) SendEmail(context.Context, string, string, string) error        { return nil }
func (stubCRM) NotifyTeam(context.Context, string, string) error               { return nil }
func (stubCRM) CreateInvoice(context.Context, string, float64, string) (string, error) {
	return "INV-001", nil
}

func newTestServer(t *testing.T, model llm.ModelClient, provider router.Provider) (*Handler, store.Store) {
	t.Helper()
	st, err := store.NewSQLiteStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	engine, err := policy.NewEngine(context.Background(), policy.DefaultPolicy)
	require.NoError(t, err)

	svc := service.New(service.Options{
		Store:         st,
		Model:         model,
		CRM:           stubCRM{},
		Connections:   registry.New(provider, time.Hour, 100),
		Policy:        engine,
		ModelName:     "test-model",
		MaxToolRounds: 4,
		ToolTimeout:   5 * time.Second,
		TurnTimeout:   time.Minute,
		SessionTTL:    24 * time.Hour,
	})
	return NewHandler(svc), st
}

func doChat(t *testing.T, h *Handler, body string) *httptest.ResponseRecorder {
	t.Helper()
	e := newEcho(h)
	req := httptest.NewRequest(http.MethodPost, "/v1/agent/chat", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func newEcho(h *Handler) http.Handler {
	e := echo.New()
	e.HideBanner = true
	h.RegisterRoutes(e)
	return e
}

func TestChatValidationErrors(t *testing.T) {
	h, _ := newTestServer(t, llm.NewMockClient(), &staticProvider{})

	rec := doChat(t, h, `{"message":"hi"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doChat(t, h, `{"userId":"u1","message":"   "}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestChatUnknownSession(t *testing.T) {
	h, _ := newTestServer(t, llm.NewMockClient(), &staticProvider{})
	rec := doChat(t, h, `{"userId":"u1","sessionId":"agent_missing","message":"hi"}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestChatProviderUnavailable(t *testing.T) {
	h, _ := newTestServer(t, llm.NewMockClient(), &staticProvider{
		err: domain.ErrProviderUnavailable,
	})
	rec := doChat(t, h, `{"userId":"u1","message":"hi"}`)
	assert.Equal(t, http.StatusBadGateway, rec.Code)
}

func TestChatStreamsEvents(t *testing.T) {
	model := llm.NewMockClient(llm.TextResponse("Hello from the agent."))
	h, _ := newTestServer(t, model, &staticProvider{})

	rec := doChat(t, h, `{"userId":"u1","message":"hi"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Header().Get("Content-Type"), "text/event-stream")
	assert.True(t, strings.HasPrefix(rec.Header().Get("X-Session-Id"), "agent_"))

	events := parseFrames(t, rec.Body.String())
	require.NotEmpty(t, events)

	text := ""
	for _, e := range events {
		if e.Type == domain.EventTextDelta {
			text += e.Delta
		}
	}
	assert.Equal(t, "Hello from the agent.", text)
	assert.Equal(t, domain.EventDone, events[len(events)-1].Type)
}

func TestChatResumesSession(t *testing.T) {
	model := llm.NewMockClient(llm.TextResponse("one"), llm.TextResponse("two"))
	h, _ := newTestServer(t, model, &staticProvider{})

	rec := doChat(t, h, `{"userId":"u1","message":"first"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	sessionID := rec.Header().Get("X-Session-Id")

	rec = doChat(t, h, `{"userId":"u1","sessionId":"`+sessionID+`","message":"second"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, sessionID, rec.Header().Get("X-Session-Id"))
}

func TestGetSession(t *testing.T) {
	model := llm.NewMockClient(llm.TextResponse("hi"))
	h, _ := newTestServer(t, model, &staticProvider{})

	rec := doChat(t, h, `{"userId":"u1","message":"hello"}`)
	sessionID := rec.Header().Get("X-Session-Id")

	e := newEcho(h)
	req := httptest.NewRequest(http.MethodGet, "/v1/agent/sessions/"+sessionID, nil)
	getRec := httptest.NewRecorder()
	e.ServeHTTP(getRec, req)
	require.Equal(t, http.StatusOK, getRec.Code)

	var body struct {
		Session  domain.Session   `json:"session"`
		Messages []domain.Message `json:"messages"`
	}
	require.NoError(t, json.Unmarshal(getRec.Body.Bytes(), &body))
	assert.Equal(t, sessionID, body.Session.ID)
	assert.Len(t, body.Messages, 2)

	req = httptest.NewRequest(http.MethodGet, "/v1/agent/sessions/agent_missing", nil)
	getRec = httptest.NewRecorder()
	e.ServeHTTP(getRec, req)
	assert.Equal(t, http.StatusNotFound, getRec.Code)
}

func TestGetSessionMessages(t *testing.T) {
	model := llm.NewMockClient(llm.TextResponse("hi"))
	h, _ := newTestServer(t, model, &staticProvider{})

	rec := doChat(t, h, `{"userId":"u1","message":"hello"}`)
	sessionID := rec.Header().Get("X-Session-Id")

	e := newEcho(h)
	req := httptest.NewRequest(http.MethodGet, "/v1/agent/sessions/"+sessionID+"/messages", nil)
	getRec := httptest.NewRecorder()
	e.ServeHTTP(getRec, req)
	require.Equal(t, http.StatusOK, getRec.Code)

	var body struct {
		Messages []domain.Message `json:"messages"`
		Count    int              `json:"count"`
	}
	require.NoError(t, json.Unmarshal(getRec.Body.Bytes(), &body))
	assert.Equal(t, 2, body.Count)
	assert.Equal(t, domain.RoleUser, body.Messages[0].Role)
}

func TestHealth(t *testing.T) {
	h, _ := newTestServer(t, llm.NewMockClient(), &staticProvider{})
	e := newEcho(h)
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "healthy")
}

func TestSSEEncoderFraming(t *testing.T) {
	var sb strings.Builder
	enc := NewSSEEncoder(&sb)

	require.NoError(t, enc.Emit(domain.TextDeltaEvent("hi")))
	require.NoError(t, enc.Emit(domain.DoneEvent()))

	frames := strings.Split(strings.TrimSuffix(sb.String(), "\n\n"), "\n\n")
	require.Len(t, frames, 2)
	assert.Equal(t, `data: {"type":"text-delta","delta":"hi"}`, frames[0])
	assert.Equal(t, `data: {"type":"done"}`, frames[1])
}

// parseFrames decodes the SSE body back into events.
func parseFrames(t *testing.T, body string) []domain.StreamEvent {
	t.Helper()
	var events []domain.StreamEvent
	scanner := bufio.NewScanner(strings.NewReader(body))
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var ev domain.StreamEvent
		require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &ev))
		events = append(events, ev)
	}
	return events
}
