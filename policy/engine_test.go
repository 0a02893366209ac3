package policy

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newEngine(t *testing.T) *Engine {
	t.Helper()
	e, err := NewEngine(context.Background(), DefaultPolicy)
	require.NoError(t, err)
	return e
}

func TestDefaultPolicyAllows(t *testing.T) {
	e := newEngine(t)
	decision, err := e.Evaluate(context.Background(), map[string]interface{}{
		"tool_name": "search_leads",
		"user_id":   "u1",
		"args":      map[string]interface{}{"status": "qualified"},
	})
	require.NoError(t, err)
	assert.Equal(t, "allow", decision)
}

func TestBlocksOversizedBulkUpdate(t *testing.T) {
	e := newEngine(t)

	ids := make([]interface{}, 51)
	for i := range ids {
		ids[i] = "L-1"
	}
	decision, err := e.Evaluate(context.Background(), map[string]interface{}{
		"tool_name": "bulk_update_leads",
		"args":      map[string]interface{}{"leadIds": ids},
	})
	require.NoError(t, err)
	assert.Equal(t, "block", decision)

	decision, err = e.Evaluate(context.Background(), map[string]interface{}{
		"tool_name": "bulk_update_leads",
		"args":      map[string]interface{}{"leadIds": ids[:50]},
	})
	require.NoError(t, err)
	assert.Equal(t, "allow", decision)
}

func TestBlocksLargeInvoice(t *testing.T) {
	e := newEngine(t)

	decision, err := e.Evaluate(context.Background(), map[string]interface{}{
		"tool_name": "create_invoice",
		"args":      map[string]interface{}{"leadId": "L-1", "amount": 250000},
	})
	require.NoError(t, err)
	assert.Equal(t, "block", decision)

	decision, err = e.Evaluate(context.Background(), map[string]interface{}{
		"tool_name": "create_invoice",
		"args":      map[string]interface{}{"leadId": "L-1", "amount": 99999},
	})
	require.NoError(t, err)
	assert.Equal(t, "allow", decision)
}
