package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/google/uuid"

	"github.com/routeiq/agent/internal/adapter/crm"
	"github.com/routeiq/agent/internal/domain"
)

// localTool is one built-in CRM tool. Executors decode their own args and
// translate collaborator errors into failed results.
type localTool struct {
	name        string
	description string
	schema      string
	mutating    bool
	exec        func(ctx context.Context, args json.RawMessage) (domain.ToolResult, error)
}

func (t *localTool) Name() string                 { return t.name }
func (t *localTool) Description() string          { return t.description }
func (t *localTool) InputSchema() json.RawMessage { return json.RawMessage(t.schema) }
func (t *localTool) Mutating() bool               { return t.mutating }
func (t *localTool) Execute(ctx context.Context, args json.RawMessage) (domain.ToolResult, error) {
	return t.exec(ctx, args)
}

func decodeArgs(args json.RawMessage, into interface{}) error {
	if len(args) == 0 {
		args = json.RawMessage(`{}`)
	}
	if err := json.Unmarshal(args, into); err != nil {
		return fmt.Errorf("invalid arguments: %v", err)
	}
	return nil
}

func failed(format string, a ...interface{}) domain.ToolResult {
	return domain.ToolResult{Success: false, Error: fmt.Sprintf(format, a...)}
}

func succeededData(v interface{}) domain.ToolResult {
	data, err := json.Marshal(v)
	if err != nil {
		return failed("encode result: %v", err)
	}
	return domain.ToolResult{Success: true, Data: data}
}

// LocalTools builds the built-in CRM tool set against the collaborator API.
func LocalTools(api crm.API) []Tool {
	return []Tool{
		searchLeads(api),
		getLeadDetails(api),
		createLead(api),
		updateLeadStatus(api),
		assignLead(api),
		bulkUpdateLeads(api),
		getLeadAnalytics(api),
		sendEmail(api),
		notifyTeam(api),
		createInvoice(api),
		getActivityFeed(api),
	}
}

func searchLeads(api crm.API) Tool {
	return &localTool{
		name:        "search_leads",
		description: "Search CRM leads by status, owner, company or minimum deal potential. Returns up to limit leads (default 10).",
		schema: `{"type":"object","properties":{
			"status":{"type":"string","description":"Filter by lead status (new, contacted, qualified, won, lost)"},
			"owner":{"type":"string","description":"Filter by owning sales rep"},
			"company":{"type":"string","description":"Filter by company name"},
			"potentialMin":{"type":"integer","description":"Minimum deal potential"},
			"limit":{"type":"integer","description":"Maximum number of leads to return"}}}`,
		exec: func(ctx context.Context, args json.RawMessage) (domain.ToolResult, error) {
			var in struct {
				Status       string `json:"status"`
				Owner        string `json:"owner"`
				Company      string `json:"company"`
				PotentialMin int    `json:"potentialMin"`
				Limit        int    `json:"limit"`
			}
			if err := decodeArgs(args, &in); err != nil {
				return failed("%v", err), nil
			}
			leads, err := api.ListLeads(ctx, crm.LeadFilter{
				Status:       in.Status,
				Owner:        in.Owner,
				Company:      in.Company,
				PotentialMin: in.PotentialMin,
				Limit:        in.Limit,
			})
			if err != nil {
				return failed("search leads: %v", err), nil
			}
			return succeededData(map[string]interface{}{"count": len(leads), "leads": leads}), nil
		},
	}
}

func getLeadDetails(api crm.API) Tool {
	return &localTool{
		name:        "get_lead_details",
		description: "Fetch one lead by id, including status, owner and deal potential.",
		schema: `{"type":"object","properties":{
			"leadId":{"type":"string","description":"Lead id"}},
			"required":["leadId"]}`,
		exec: func(ctx context.Context, args json.RawMessage) (domain.ToolResult, error) {
			var in struct {
				LeadID string `json:"leadId"`
			}
			if err := decodeArgs(args, &in); err != nil {
				return failed("%v", err), nil
			}
			if in.LeadID == "" {
				return failed("leadId is required"), nil
			}
			lead, err := api.GetLead(ctx, in.LeadID)
			if errors.Is(err, crm.ErrNotFound) {
				return failed("lead %s not found", in.LeadID), nil
			}
			if err != nil {
				return failed("get lead: %v", err), nil
			}
			return succeededData(lead), nil
		},
	}
}

func createLead(api crm.API) Tool {
	return &localTool{
		name:        "create_lead",
		description: "Create a new CRM lead. Name and email are required; status defaults to new.",
		schema: `{"type":"object","properties":{
			"name":{"type":"string","description":"Contact name"},
			"email":{"type":"string","description":"Contact email"},
			"company":{"type":"string","description":"Company name"},
			"potential":{"type":"integer","description":"Estimated deal potential"}},
			"required":["name","email"]}`,
		mutating: true,
		exec: func(ctx context.Context, args json.RawMessage) (domain.ToolResult, error) {
			var in struct {
				Name      string `json:"name"`
				Email     string `json:"email"`
				Company   string `json:"company"`
				Potential int    `json:"potential"`
			}
			if err := decodeArgs(args, &in); err != nil {
				return failed("%v", err), nil
			}
			if in.Name == "" || in.Email == "" {
				return failed("name and email are required"), nil
			}
			lead, err := api.CreateLead(ctx, &crm.Lead{
				ID:        "L-" + uuid.New().String()[:8],
				Name:      in.Name,
				Email:     in.Email,
				Company:   in.Company,
				Potential: in.Potential,
				Status:    "new",
			})
			if err != nil {
				return failed("create lead: %v", err), nil
			}
			return succeededData(lead), nil
		},
	}
}

var validStatuses = map[string]bool{
	"new": true, "contacted": true, "qualified": true, "won": true, "lost": true,
}

func updateLeadStatus(api crm.API) Tool {
	return &localTool{
		name:        "update_lead_status",
		description: "Move a lead to a new pipeline status (new, contacted, qualified, won, lost).",
		schema: `{"type":"object","properties":{
			"leadId":{"type":"string","description":"Lead id"},
			"status":{"type":"string","description":"New status","enum":["new","contacted","qualified","won","lost"]}},
			"required":["leadId","status"]}`,
		mutating: true,
		exec: func(ctx context.Context, args json.RawMessage) (domain.ToolResult, error) {
			var in struct {
				LeadID string `json:"leadId"`
				Status string `json:"status"`
			}
			if err := decodeArgs(args, &in); err != nil {
				return failed("%v", err), nil
			}
			if in.LeadID == "" || in.Status == "" {
				return failed("leadId and status are required"), nil
			}
			if !validStatuses[in.Status] {
				return failed("invalid status: %s", in.Status), nil
			}
			lead, err := api.UpdateLead(ctx, in.LeadID, map[string]any{"status": in.Status})
			if errors.Is(err, crm.ErrNotFound) {
				return failed("lead %s not found", in.LeadID), nil
			}
			if err != nil {
				return failed("update lead: %v", err), nil
			}
			return succeededData(lead), nil
		},
	}
}

func assignLead(api crm.API) Tool {
	return &localTool{
		name:        "assign_lead",
		description: "Assign a lead to a sales rep by name.",
		schema: `{"type":"object","properties":{
			"leadId":{"type":"string","description":"Lead id"},
			"owner":{"type":"string","description":"Sales rep to own the lead"}},
			"required":["leadId","owner"]}`,
		mutating: true,
		exec: func(ctx context.Context, args json.RawMessage) (domain.ToolResult, error) {
			var in struct {
				LeadID string `json:"leadId"`
				Owner  string `json:"owner"`
			}
			if err := decodeArgs(args, &in); err != nil {
				return failed("%v", err), nil
			}
			if in.LeadID == "" || in.Owner == "" {
				return failed("leadId and owner are required"), nil
			}
			lead, err := api.UpdateLead(ctx, in.LeadID, map[string]any{"owner": in.Owner})
			if errors.Is(err, crm.ErrNotFound) {
				return failed("lead %s not found", in.LeadID), nil
			}
			if err != nil {
				return failed("assign lead: %v", err), nil
			}
			return succeededData(lead), nil
		},
	}
}

func bulkUpdateLeads(api crm.API) Tool {
	return &localTool{
		name:        "bulk_update_leads",
		description: "Apply the same status or owner change to multiple leads at once. Partial failures are reported per lead.",
		schema: `{"type":"object","properties":{
			"leadIds":{"type":"array","items":{"type":"string"},"description":"Lead ids to update"},
			"status":{"type":"string","description":"New status for all leads"},
			"owner":{"type":"string","description":"New owner for all leads"}},
			"required":["leadIds"]}`,
		mutating: true,
		exec: func(ctx context.Context, args json.RawMessage) (domain.ToolResult, error) {
			var in struct {
				LeadIDs []string `json:"leadIds"`
				Status  string   `json:"status"`
				Owner   string   `json:"owner"`
			}
			if err := decodeArgs(args, &in); err != nil {
				return failed("%v", err), nil
			}
			if len(in.LeadIDs) == 0 {
				return failed("leadIds is required"), nil
			}
			if in.Status == "" && in.Owner == "" {
				return failed("nothing to update: set status or owner"), nil
			}
			if in.Status != "" && !validStatuses[in.Status] {
				return failed("invalid status: %s", in.Status), nil
			}

			patch := map[string]any{}
			if in.Status != "" {
				patch["status"] = in.Status
			}
			if in.Owner != "" {
				patch["owner"] = in.Owner
			}

			updated := make([]string, 0, len(in.LeadIDs))
			failures := map[string]string{}
			for _, id := range in.LeadIDs {
				if _, err := api.UpdateLead(ctx, id, patch); err != nil {
					failures[id] = err.Error()
					continue
				}
				updated = append(updated, id)
			}

			out := map[string]interface{}{
				"updated": updated,
				"total":   len(in.LeadIDs),
			}
			if len(failures) > 0 {
				out["failures"] = failures
			}
			res := succeededData(out)
			res.Message = fmt.Sprintf("updated %d of %d leads", len(updated), len(in.LeadIDs))
			return res, nil
		},
	}
}

func getLeadAnalytics(api crm.API) Tool {
	return &localTool{
		name:        "get_lead_analytics",
		description: "Summarize the pipeline: lead counts by status, total and average deal potential, top leads by potential.",
		schema:      `{"type":"object","properties":{}}`,
		exec: func(ctx context.Context, args json.RawMessage) (domain.ToolResult, error) {
			leads, err := api.ListLeads(ctx, crm.LeadFilter{Limit: 1000})
			if err != nil {
				return failed("list leads: %v", err), nil
			}

			byStatus := map[string]int{}
			total := 0
			for _, l := range leads {
				byStatus[l.Status]++
				total += l.Potential
			}
			avg := 0
			if len(leads) > 0 {
				avg = total / len(leads)
			}

			sorted := make([]crm.Lead, len(leads))
			copy(sorted, leads)
			sort.Slice(sorted, func(i, j int) bool { return sorted[i].Potential > sorted[j].Potential })
			if len(sorted) > 5 {
				sorted = sorted[:5]
			}

			return succeededData(map[string]interface{}{
				"totalLeads":       len(leads),
				"byStatus":         byStatus,
				"totalPotential":   total,
				"averagePotential": avg,
				"topLeads":         sorted,
			}), nil
		},
	}
}

func sendEmail(api crm.API) Tool {
	return &localTool{
		name:        "send_email",
		description: "Send an email to a lead through the CRM's email integration.",
		schema: `{"type":"object","properties":{
			"leadId":{"type":"string","description":"Recipient lead id"},
			"subject":{"type":"string","description":"Email subject"},
			"body":{"type":"string","description":"Email body"}},
			"required":["leadId","subject","body"]}`,
		mutating: true,
		exec: func(ctx context.Context, args json.RawMessage) (domain.ToolResult, error) {
			var in struct {
				LeadID  string `json:"leadId"`
				Subject string `json:"subject"`
				Body    string `json:"body"`
			}
			if err := decodeArgs(args, &in); err != nil {
				return failed("%v", err), nil
			}
			if in.LeadID == "" || in.Subject == "" || in.Body == "" {
				return failed("leadId, subject and body are required"), nil
			}
			if err := api.SendEmail(ctx, in.LeadID, in.Subject, in.Body); err != nil {
				if errors.Is(err, crm.ErrNotFound) {
					return failed("lead %s not found", in.LeadID), nil
				}
				return failed("send email: %v", err), nil
			}
			return domain.ToolResult{Success: true, Message: fmt.Sprintf("email sent to lead %s", in.LeadID)}, nil
		},
	}
}

func notifyTeam(api crm.API) Tool {
	return &localTool{
		name:        "notify_team",
		description: "Post a message to the sales team's Slack channel.",
		schema: `{"type":"object","properties":{
			"channel":{"type":"string","description":"Channel name, defaults to #sales"},
			"message":{"type":"string","description":"Message text"}},
			"required":["message"]}`,
		mutating: true,
		exec: func(ctx context.Context, args json.RawMessage) (domain.ToolResult, error) {
			var in struct {
				Channel string `json:"channel"`
				Message string `json:"message"`
			}
			if err := decodeArgs(args, &in); err != nil {
				return failed("%v", err), nil
			}
			if in.Message == "" {
				return failed("message is required"), nil
			}
			if in.Channel == "" {
				in.Channel = "#sales"
			}
			if err := api.NotifyTeam(ctx, in.Channel, in.Message); err != nil {
				return failed("notify team: %v", err), nil
			}
			return domain.ToolResult{Success: true, Message: "notification sent to " + in.Channel}, nil
		},
	}
}

func createInvoice(api crm.API) Tool {
	return &localTool{
		name:        "create_invoice",
		description: "Create an invoice for a lead. Amount must be positive.",
		schema: `{"type":"object","properties":{
			"leadId":{"type":"string","description":"Lead to invoice"},
			"amount":{"type":"number","description":"Invoice amount"},
			"description":{"type":"string","description":"Line item description"}},
			"required":["leadId","amount"]}`,
		mutating: true,
		exec: func(ctx context.Context, args json.RawMessage) (domain.ToolResult, error) {
			var in struct {
				LeadID      string  `json:"leadId"`
				Amount      float64 `json:"amount"`
				Description string  `json:"description"`
			}
			if err := decodeArgs(args, &in); err != nil {
				return failed("%v", err), nil
			}
			if in.LeadID == "" {
				return failed("leadId is required"), nil
			}
			if in.Amount <= 0 {
				return failed("amount must be positive"), nil
			}
			invoiceID, err := api.CreateInvoice(ctx, in.LeadID, in.Amount, in.Description)
			if errors.Is(err, crm.ErrNotFound) {
				return failed("lead %s not found", in.LeadID), nil
			}
			if err != nil {
				return failed("create invoice: %v", err), nil
			}
			return succeededData(map[string]interface{}{"invoiceId": invoiceID, "leadId": in.LeadID, "amount": in.Amount}), nil
		},
	}
}

func getActivityFeed(api crm.API) Tool {
	return &localTool{
		name:        "get_activity_feed",
		description: "Return the most recent CRM activity records, newest first.",
		schema: `{"type":"object","properties":{
			"limit":{"type":"integer","description":"Maximum number of records, defaults to 20"}}}`,
		exec: func(ctx context.Context, args json.RawMessage) (domain.ToolResult, error) {
			var in struct {
				Limit int `json:"limit"`
			}
			if err := decodeArgs(args, &in); err != nil {
				return failed("%v", err), nil
			}
			activities, err := api.ListActivities(ctx, in.Limit)
			if err != nil {
				return failed("list activities: %v", err), nil
			}
			return succeededData(map[string]interface{}{"count": len(activities), "activities": activities}), nil
		},
	}
}
