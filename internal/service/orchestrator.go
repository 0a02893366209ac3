package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/routeiq/agent/internal/adapter/llm"
	"github.com/routeiq/agent/internal/adapter/router"
	"github.com/routeiq/agent/internal/domain"
	"github.com/routeiq/agent/internal/tools"
)

// systemPreamble is prepended exactly once to every replayed history.
const systemPreamble = `You are RouteIQ, a CRM assistant for sales teams. You manage leads,
activities, emails, notifications and invoices through the tools provided.
Use tools when they help answer the request; prefer acting over asking.
Report what you did in plain language, including ids of anything you created
or changed. If a tool fails, say so and suggest what the user can do next.`

// summaryInstruction drives the fallback summary call after tool-only turns.
const summaryInstruction = "Summarize for the user what was just done with the tools above, " +
	"including any ids, counts or errors. Reply with the summary only."

// fallbackNotice is persisted when even the summary call fails, so an
// assistant message after tool use is never empty.
const fallbackNotice = "I've completed the requested actions. The tool results above have the details."

// truncationNote is streamed and persisted when a turn hits the round cap
// while the model still wants more tool calls.
const truncationNote = "\n\n[I reached the limit of tool rounds for a single message. " +
	"Send a follow-up message to continue.]"

// Turn is one prepared conversation turn. Prepare resolves everything that
// can fail with a clean HTTP status; Run streams.
type Turn struct {
	Session *domain.Session
	Created bool

	svc      *Service
	conn     *router.Connection
	registry *tools.Registry
	message  string
}

// Prepare validates the request, resolves the user's routing connection and
// loads or creates the session. Nothing is persisted on failure, so callers
// can map errors straight to status codes before the stream starts.
func (s *Service) Prepare(ctx context.Context, req domain.ChatRequest) (*Turn, error) {
	if strings.TrimSpace(req.UserID) == "" {
		return nil, domain.Validationf("userId is required")
	}
	message := strings.TrimSpace(req.Message)
	if message == "" {
		return nil, domain.Validationf("message must not be empty")
	}

	conn, err := s.connections.Resolve(ctx, req.UserID)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	var sess *domain.Session
	created := false
	if req.SessionID != "" {
		sess, err = s.store.GetSession(ctx, req.SessionID)
		if err != nil {
			return nil, err
		}
		if sess == nil || sess.Expired(now) || sess.UserID != req.UserID {
			return nil, domain.ErrSessionNotFound
		}
	} else {
		state, _ := json.Marshal(domain.SessionState{TurnCount: 0})
		sess = &domain.Session{
			ID:              "agent_" + uuid.New().String(),
			UserID:          req.UserID,
			RouterSessionID: conn.SessionID,
			MCPURL:          conn.MCPURL,
			State:           state,
			CreatedAt:       now,
			LastActiveAt:    now,
			ExpiresAt:       now.Add(s.sessionTTL),
		}
		if err := s.store.CreateSession(ctx, sess); err != nil {
			return nil, err
		}
		created = true
	}

	reg := tools.Merge(tools.LocalTools(s.crm), tools.RemoteTools(conn), tools.Options{
		Policy:      s.policy,
		Activities:  s.crm,
		CallTimeout: s.toolTimeout,
	})

	return &Turn{
		Session:  sess,
		Created:  created,
		svc:      s,
		conn:     conn,
		registry: reg,
		message:  message,
	}, nil
}

// Run executes the turn and streams events through emit. Client disconnects
// only stop the output side: the emitter goes quiet after its first write
// error while model calls, tool execution and persistence run to completion.
func (t *Turn) Run(ctx context.Context, emit Emitter) error {
	out := &guardedEmitter{inner: emit}

	lock := t.svc.sessionLock(t.Session.ID)
	lock.Lock()
	defer lock.Unlock()

	// Detach from the request context so a dropped client cannot abort
	// in-flight tool calls or persistence mid-write.
	runCtx := context.WithoutCancel(ctx)
	if t.svc.turnTimeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(runCtx, t.svc.turnTimeout)
		defer cancel()
	}

	err := t.run(runCtx, out)
	if err != nil {
		code := "internal"
		switch {
		case errors.Is(err, domain.ErrModelCall):
			code = "model_call_failed"
		case errors.Is(err, domain.ErrPersistence):
			code = "persistence_failed"
		case errors.Is(err, domain.ErrProviderUnavailable):
			code = "provider_unavailable"
		}
		out.Emit(domain.ErrorEvent(code, err.Error()))
		return err
	}

	out.Emit(domain.DoneEvent())
	return nil
}

func (t *Turn) run(ctx context.Context, out Emitter) error {
	s := t.svc
	ts := newTimestamper()

	if err := s.store.CreateMessage(ctx, &domain.Message{
		ID:        "msg_" + uuid.New().String(),
		SessionID: t.Session.ID,
		Role:      domain.RoleUser,
		Content:   t.message,
		Timestamp: ts.next(),
	}); err != nil {
		return err
	}

	history, err := s.store.ListMessages(ctx, t.Session.ID, 0)
	if err != nil {
		return err
	}

	transcript := append([]llm.ChatMessage{{Role: "system", Content: systemPreamble}}, replayHistory(history)...)
	defs := t.registry.Definitions()

	var textParts []string
	var executed []domain.ToolCall

	for round := 0; ; round++ {
		if round >= s.maxToolRounds {
			out.Emit(domain.TextDeltaEvent(truncationNote))
			textParts = append(textParts, truncationNote)
			log.Warn().
				Str("session_id", t.Session.ID).
				Int("rounds", round).
				Msg("tool round cap reached, truncating turn")
			break
		}

		acc := &llm.Accumulator{}
		streamErr := s.model.CreateChatCompletionStream(ctx, &llm.ChatCompletionRequest{
			Model:    s.modelName,
			Messages: transcript,
			Tools:    defs,
			Stream:   true,
		}, func(chunk *llm.StreamChunk) error {
			acc.Feed(chunk)
			if len(chunk.Choices) > 0 && chunk.Choices[0].Delta != nil && chunk.Choices[0].Delta.Content != "" {
				out.Emit(domain.TextDeltaEvent(chunk.Choices[0].Delta.Content))
			}
			return nil
		})
		if streamErr != nil {
			modelErr := fmt.Errorf("%w: %v", domain.ErrModelCall, streamErr)
			// Earlier rounds may have executed tools against the CRM. Those
			// side effects are real, so the transcript keeps them: persist
			// everything up to the last completed step before failing.
			if len(executed) > 0 || len(textParts) > 0 {
				if perr := t.persistOutcome(ctx, ts, strings.Join(textParts, ""), executed); perr != nil {
					return perr
				}
			}
			return modelErr
		}

		assistant := acc.Message()
		if assistant.Content != "" {
			textParts = append(textParts, assistant.Content)
		}
		if !acc.HasToolCalls() {
			break
		}

		transcript = append(transcript, assistant)

		// Execute sequentially in the model's emission order. Duplicate
		// names with distinct ids each execute.
		for _, tc := range assistant.ToolCalls {
			args := llm.ArgsJSON(tc)
			out.Emit(domain.ToolCallEvent(tc.ID, tc.Function.Name, args))

			result := t.registry.Execute(ctx, t.Session.UserID, tc.Function.Name, args)
			resultJSON, _ := json.Marshal(result)
			out.Emit(domain.ToolResultEvent(tc.ID, resultJSON))

			status := domain.ToolCallStatusCompleted
			if !result.Success {
				status = domain.ToolCallStatusError
			}
			executed = append(executed, domain.ToolCall{
				ID:     tc.ID,
				Name:   tc.Function.Name,
				Args:   args,
				Status: status,
				Result: resultJSON,
			})
			transcript = append(transcript, llm.ChatMessage{
				Role:       "tool",
				Content:    string(resultJSON),
				Name:       tc.Function.Name,
				ToolCallID: tc.ID,
			})
		}
	}

	finalText := strings.Join(textParts, "")

	// Tool-only turns still end with prose: one summary call without tools,
	// with a canned notice as the last resort.
	if len(executed) > 0 && strings.TrimSpace(finalText) == "" {
		finalText = t.summarize(ctx, transcript, out)
	}

	if err := t.persistOutcome(ctx, ts, finalText, executed); err != nil {
		return err
	}
	return nil
}

// summarize asks the model to narrate the tool results. Its failure is not
// turn-fatal; the canned notice keeps the assistant message non-empty.
func (t *Turn) summarize(ctx context.Context, transcript []llm.ChatMessage, out Emitter) string {
	req := &llm.ChatCompletionRequest{
		Model:    t.svc.modelName,
		Messages: append(transcript, llm.ChatMessage{Role: "system", Content: summaryInstruction}),
	}
	resp, err := t.svc.model.CreateChatCompletion(ctx, req)
	if err == nil && len(resp.Choices) > 0 && resp.Choices[0].Message != nil && resp.Choices[0].Message.Content != "" {
		summary := resp.Choices[0].Message.Content
		out.Emit(domain.TextDeltaEvent(summary))
		return summary
	}
	if err != nil {
		log.Warn().Err(err).Str("session_id", t.Session.ID).Msg("summary call failed, using fallback notice")
	}
	out.Emit(domain.TextDeltaEvent(fallbackNotice))
	return fallbackNotice
}

// persistOutcome writes the assistant message, one tool message per executed
// call and the bumped session state.
func (t *Turn) persistOutcome(ctx context.Context, ts *timestamper, finalText string, executed []domain.ToolCall) error {
	s := t.svc

	var toolCallsJSON json.RawMessage
	if len(executed) > 0 {
		toolCallsJSON, _ = json.Marshal(executed)
	}
	if err := s.store.CreateMessage(ctx, &domain.Message{
		ID:        "msg_" + uuid.New().String(),
		SessionID: t.Session.ID,
		Role:      domain.RoleAssistant,
		Content:   finalText,
		ToolCalls: toolCallsJSON,
		Timestamp: ts.next(),
	}); err != nil {
		return err
	}

	for _, tc := range executed {
		ref, _ := json.Marshal([]domain.ToolCall{{ID: tc.ID, Name: tc.Name}})
		if err := s.store.CreateMessage(ctx, &domain.Message{
			ID:        "msg_" + uuid.New().String(),
			SessionID: t.Session.ID,
			Role:      domain.RoleTool,
			Content:   string(tc.Result),
			ToolCalls: ref,
			Timestamp: ts.next(),
		}); err != nil {
			return err
		}
	}

	var state domain.SessionState
	if len(t.Session.State) > 0 {
		_ = json.Unmarshal(t.Session.State, &state)
	}
	state.TurnCount++
	stateJSON, _ := json.Marshal(state)
	t.Session.State = stateJSON
	t.Session.LastActiveAt = time.Now()
	return s.store.UpdateSessionState(ctx, t.Session.ID, stateJSON, t.Session.LastActiveAt)
}

// replayHistory converts persisted messages into model messages, preserving
// strict timestamp order. Assistant tool calls and tool results round-trip so
// the model sees the same structure it produced.
func replayHistory(history []domain.Message) []llm.ChatMessage {
	out := make([]llm.ChatMessage, 0, len(history))
	for _, m := range history {
		switch m.Role {
		case domain.RoleAssistant:
			msg := llm.ChatMessage{Role: "assistant", Content: m.Content}
			if len(m.ToolCalls) > 0 {
				var calls []domain.ToolCall
				if err := json.Unmarshal(m.ToolCalls, &calls); err == nil {
					for _, tc := range calls {
						msg.ToolCalls = append(msg.ToolCalls, llm.ToolCall{
							ID:   tc.ID,
							Type: "function",
							Function: llm.ToolCallFunction{
								Name:      tc.Name,
								Arguments: string(tc.Args),
							},
						})
					}
				}
			}
			out = append(out, msg)
		case domain.RoleTool:
			msg := llm.ChatMessage{Role: "tool", Content: m.Content}
			var calls []domain.ToolCall
			if err := json.Unmarshal(m.ToolCalls, &calls); err == nil && len(calls) > 0 {
				msg.ToolCallID = calls[0].ID
				msg.Name = calls[0].Name
			}
			out = append(out, msg)
		case domain.RoleSystem:
			out = append(out, llm.ChatMessage{Role: "system", Content: m.Content})
		default:
			out = append(out, llm.ChatMessage{Role: "user", Content: m.Content})
		}
	}
	return out
}

// timestamper hands out strictly increasing timestamps within a turn so the
// persisted order survives the store's timestamp sort.
type timestamper struct {
	last time.Time
}

func newTimestamper() *timestamper {
	return &timestamper{last: time.Now()}
}

func (t *timestamper) next() time.Time {
	now := time.Now()
	if !now.After(t.last) {
		now = t.last.Add(time.Millisecond)
	}
	t.last = now
	return now
}

// guardedEmitter swallows write errors after the first one so a dropped
// client never aborts the turn's model, tool or persistence work.
type guardedEmitter struct {
	inner  Emitter
	broken bool
}

func (g *guardedEmitter) Emit(event domain.StreamEvent) error {
	if g.broken {
		return nil
	}
	if err := g.inner.Emit(event); err != nil {
		g.broken = true
		log.Debug().Err(err).Msg("event stream write failed, output muted")
	}
	return nil
}
