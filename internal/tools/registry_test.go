package tools

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/routeiq/agent/internal/adapter/crm"
	"github.com/routeiq/agent/internal/adapter/router"
	"github.com/routeiq/agent/internal/domain"
	"github.com/routeiq/agent/policy"
)

// fakeCRM is an in-memory crm.API for tool tests.
type fakeCRM struct {
	leads      map[string]crm.Lead
	activities []domain.Activity
	emails     []string
	notices    []string
	invoices   int
}

func newFakeCRM(leads ...crm.Lead) *fakeCRM {
	f := &fakeCRM{leads: map[string]crm.Lead{}}
	for _, l := range leads {
		f.leads[l.ID] = l
	}
	return f
}

func (f *fakeCRM) ListLeads(_ context.Context, filter crm.LeadFilter) ([]crm.Lead, error) {
	var out []crm.Lead
	for _, l := range f.leads {
		if filter.Status != "" && l.Status != filter.Status {
			continue
		}
		if filter.PotentialMin > 0 && l.Potential < filter.PotentialMin {
			continue
		}
		out = append(out, l)
	}
	return out, nil
}

func (f *fakeCRM) GetLead(_ context.Context, leadID string) (*crm.Lead, error) {
	l, ok := f.leads[leadID]
	if !ok {
		return nil, crm.ErrNotFound
	}
	return &l, nil
}

func (f *fakeCRM) CreateLead(_ context.Context, lead *crm.Lead) (*crm.Lead, error) {
	f.leads[lead.ID] = *lead
	return lead, nil
}

func (f *fakeCRM) UpdateLead(_ context.Context, leadID string, patch map[string]any) (*crm.Lead, error) {
	l, ok := f.leads[leadID]
	if !ok {
		return nil, crm.ErrNotFound
	}
	if s, ok := patch["status"].(string); ok {
		l.Status = s
	}
	if o, ok := patch["owner"].(string); ok {
		l.Owner = o
	}
	f.leads[leadID] = l
	return &l, nil
}

func (f *fakeCRM) CreateActivity(_ context.Context, activity *domain.Activity) error {
	f.activities = append(f.activities, *activity)
	return nil
}

func (f *fakeCRM) ListActivities(_ context.Context, limit int) ([]domain.Activity, error) {
	return f.activities, nil
}

func (f *fakeCRM) SendEmail(_ context.Context, leadID, subject, body string) error {
	if _, ok := f.leads[leadID]; !ok {
		return crm.ErrNotFound
	}
	f.emails = append(f.emails, leadID+": "+subject)
	return nil
}

func (f *fakeCRM) NotifyTeam(_ context.Context, channel, message string) error {
	f.notices = append(f.notices, channel+": "+message)
	return nil
}

func (f *fakeCRM) CreateInvoice(_ context.Context, leadID string, amount float64, _ string) (string, error) {
	if _, ok := f.leads[leadID]; !ok {
		return "", crm.ErrNotFound
	}
	f.invoices++
	return "INV-001", nil
}

func buildRegistry(t *testing.T, api crm.API, remote []Tool) *Registry {
	t.Helper()
	engine, err := policy.NewEngine(context.Background(), policy.DefaultPolicy)
	require.NoError(t, err)
	return Merge(LocalTools(api), remote, Options{
		Policy:      engine,
		Activities:  api,
		CallTimeout: 5 * time.Second,
	})
}

func TestMergeLocalWins(t *testing.T) {
	api := newFakeCRM()
	remote := []Tool{
		&localTool{name: "search_leads", description: "remote shadow", schema: `{}`,
			exec: func(context.Context, json.RawMessage) (domain.ToolResult, error) {
				return domain.ToolResult{Success: true, Message: "remote"}, nil
			}},
		&localTool{name: "GMAIL_SEND", description: "remote only", schema: `{}`,
			exec: func(context.Context, json.RawMessage) (domain.ToolResult, error) {
				return domain.ToolResult{Success: true, Message: "remote"}, nil
			}},
	}
	r := buildRegistry(t, api, remote)

	assert.Equal(t, 12, r.Len())
	assert.True(t, r.Has("GMAIL_SEND"))

	// The shadowed name must resolve to the local executor.
	res := r.Execute(context.Background(), "u1", "search_leads", json.RawMessage(`{}`))
	assert.True(t, res.Success)
	assert.NotEqual(t, "remote", res.Message)
}

func TestExecuteUnknownTool(t *testing.T) {
	r := buildRegistry(t, newFakeCRM(), nil)
	res := r.Execute(context.Background(), "u1", "no_such_tool", nil)
	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "unknown tool: no_such_tool")
}

func TestExecutePolicyBlock(t *testing.T) {
	api := newFakeCRM(crm.Lead{ID: "L-1", Status: "qualified"})
	r := buildRegistry(t, api, nil)

	res := r.Execute(context.Background(), "u1", "create_invoice",
		json.RawMessage(`{"leadId":"L-1","amount":500000}`))
	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "blocked by policy")
	assert.Zero(t, api.invoices)

	// Blocked calls are still audited.
	require.NotEmpty(t, api.activities)
	assert.Equal(t, "error", api.activities[len(api.activities)-1].Status)
}

func TestExecutePanicRecovered(t *testing.T) {
	boom := &localTool{name: "boom", schema: `{}`,
		exec: func(context.Context, json.RawMessage) (domain.ToolResult, error) {
			panic("kaboom")
		}}
	r := Merge([]Tool{boom}, nil, Options{})
	res := r.Execute(context.Background(), "u1", "boom", nil)
	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "kaboom")
}

func TestExecuteMutatingLogsActivity(t *testing.T) {
	api := newFakeCRM(crm.Lead{ID: "L-1", Status: "new"})
	r := buildRegistry(t, api, nil)

	res := r.Execute(context.Background(), "u1", "update_lead_status",
		json.RawMessage(`{"leadId":"L-1","status":"contacted"}`))
	require.True(t, res.Success, res.Error)

	require.Len(t, api.activities, 1)
	act := api.activities[0]
	assert.Equal(t, domain.ActivityAgentAction, act.Type)
	assert.Equal(t, "success", act.Status)
	assert.Contains(t, act.Message, "update_lead_status")
}

func TestExecuteReadOnlyNoActivity(t *testing.T) {
	api := newFakeCRM(crm.Lead{ID: "L-1", Status: "new"})
	r := buildRegistry(t, api, nil)

	res := r.Execute(context.Background(), "u1", "get_lead_details", json.RawMessage(`{"leadId":"L-1"}`))
	require.True(t, res.Success, res.Error)
	assert.Empty(t, api.activities)
}

func TestRemoteToolExecution(t *testing.T) {
	conn := router.NewStaticConnection("rs-1", "http://mcp.test", []router.ToolInfo{
		{Name: "HUBSPOT_SEARCH", Description: "search hubspot", Schema: json.RawMessage(`{"type":"object"}`)},
	}, func(_ context.Context, name string, args json.RawMessage) (string, bool, error) {
		if name == "HUBSPOT_SEARCH" {
			return `{"hits":3}`, false, nil
		}
		return "no such tool", true, nil
	})

	r := Merge(nil, RemoteTools(conn), Options{})
	res := r.Execute(context.Background(), "u1", "HUBSPOT_SEARCH", json.RawMessage(`{"q":"acme"}`))
	require.True(t, res.Success, res.Error)
	assert.JSONEq(t, `{"hits":3}`, string(res.Data))
}

func TestRemoteToolErrorResult(t *testing.T) {
	conn := router.NewStaticConnection("rs-1", "http://mcp.test", []router.ToolInfo{
		{Name: "FLAKY", Schema: json.RawMessage(`{}`)},
	}, func(context.Context, string, json.RawMessage) (string, bool, error) {
		return "rate limited", true, nil
	})

	r := Merge(nil, RemoteTools(conn), Options{})
	res := r.Execute(context.Background(), "u1", "FLAKY", nil)
	assert.False(t, res.Success)
	assert.Equal(t, "rate limited", res.Error)
}

func TestDefinitionsOrderAndShape(t *testing.T) {
	r := buildRegistry(t, newFakeCRM(), nil)
	defs := r.Definitions()
	require.Len(t, defs, 11)
	assert.Equal(t, "search_leads", defs[0].Function.Name)
	for _, d := range defs {
		assert.Equal(t, "function", d.Type)
		assert.NotEmpty(t, d.Function.Name)
		assert.NotNil(t, d.Function.Parameters)
	}
}
