// Package shopping drives one chat turn: gather intent, verify the product,
// search the marketplaces and record the outcome.
package shopping

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"dealscout/internal/models"
	"dealscout/internal/observability"
	"dealscout/internal/service/ai"
	"dealscout/internal/service/marketplace"
)

type TurnType string

const (
	TurnQuestion TurnType = "question"
	TurnResults  TurnType = "results"
	TurnError    TurnType = "error"
)

const (
	defaultLLMTimeout        = 60 * time.Second
	defaultSearchTimeout     = 20 * time.Second
	defaultBackgroundTimeout = 30 * time.Second
)

// Assistant produces the next assistant turn.
type Assistant interface {
	Reply(ctx context.Context, history []*models.Message) (*ai.Reply, error)
}

// Titler names a new conversation.
type Titler interface {
	Title(ctx context.Context, messages []*models.Message) (string, error)
}

// Verifier classifies a product; it never fails.
type Verifier interface {
	Verify(ctx context.Context, product string) models.Verification
}

// Store persists conversations. Ownership is checked by the store and a
// foreign or missing conversation reports sql.ErrNoRows.
type Store interface {
	CreateConversation(ctx context.Context, userID int64, title string) (*models.Conversation, error)
	AppendMessages(ctx context.Context, userID, conversationID int64, msgs []models.Message) ([]*models.Message, error)
	DeleteConversation(ctx context.Context, userID, conversationID int64) error
	ListMessages(ctx context.Context, userID, conversationID int64) ([]*models.Message, error)
	UpdateConversationTitle(ctx context.Context, userID, conversationID int64, title string) error
}

// Memory is the per-user retrieval context.
type Memory interface {
	Store(ctx context.Context, userID, conversationID int64, text, role string, metadata map[string]any) error
	RetrieveContext(ctx context.Context, userID int64, query string, topK int) (string, error)
}

// Options wires the optional collaborators. Nil collaborators disable their
// step: no verifier means every final query is searched, no store means
// nothing is persisted.
type Options struct {
	Verifier      Verifier
	Store         Store
	Memory        Memory
	Titler        Titler
	ResultLimit   int
	MemoryTopK    int
	LLMTimeout    time.Duration
	SearchTimeout time.Duration
}

// TurnRequest is one inbound user message. A zero UserID is an anonymous
// caller whose history travels with the request.
type TurnRequest struct {
	UserID         int64
	ConversationID int64
	Message        string
	ImageURL       string
	History        []*models.Message
	// OverrideQuery searches this query directly, skipping the model and the
	// release check. Clients send back the pending_query of a rejected turn.
	OverrideQuery string
}

type TurnResult struct {
	Type           TurnType               `json:"type"`
	Message        string                 `json:"message"`
	ConversationID int64                  `json:"conversation_id,omitempty"`
	History        []*models.Message      `json:"history"`
	Results        models.SearchResultSet `json:"results,omitempty"`
	Verification   *models.Verification   `json:"verification,omitempty"`
	PendingQuery   string                 `json:"pending_query,omitempty"`
}

// Orchestrator runs the question, verification and search state machine.
type Orchestrator struct {
	assistant Assistant
	searchers []marketplace.Searcher
	opts      Options
	now       func() time.Time
	bg        sync.WaitGroup
}

func NewOrchestrator(assistant Assistant, searchers []marketplace.Searcher, opts Options) *Orchestrator {
	if opts.ResultLimit <= 0 {
		opts.ResultLimit = marketplace.DefaultLimit
	}
	if opts.LLMTimeout <= 0 {
		opts.LLMTimeout = defaultLLMTimeout
	}
	if opts.SearchTimeout <= 0 {
		opts.SearchTimeout = defaultSearchTimeout
	}
	return &Orchestrator{
		assistant: assistant,
		searchers: searchers,
		opts:      opts,
		now:       time.Now,
	}
}

// Wait blocks until background memory and title work has finished.
func (o *Orchestrator) Wait() {
	o.bg.Wait()
}

// turn carries the state of one HandleTurn call.
type turn struct {
	req       TurnRequest
	convID    int64
	persisted bool
	created   bool
	prior     []*models.Message
	history   []*models.Message
	logger    *slog.Logger
}

// HandleTurn never returns an error; failures become question or error
// results carrying a usable history.
func (o *Orchestrator) HandleTurn(ctx context.Context, req TurnRequest) *TurnResult {
	req.Message = strings.TrimSpace(req.Message)
	req.OverrideQuery = strings.TrimSpace(req.OverrideQuery)
	t := &turn{
		req:       req,
		convID:    req.ConversationID,
		persisted: req.UserID > 0 && o.opts.Store != nil,
		logger:    observability.LoggerFromContext(ctx).With("user_id", req.UserID),
	}
	if !t.persisted {
		t.convID = 0
	}

	if t.persisted && t.convID > 0 {
		stored, err := o.opts.Store.ListMessages(ctx, req.UserID, t.convID)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return &TurnResult{Type: TurnError, Message: notFoundMessage, History: []*models.Message{}}
			}
			t.logger.Error("load conversation failed", "conversation_id", t.convID, "error", err)
			return &TurnResult{Type: TurnError, Message: persistFailedMessage, History: []*models.Message{}}
		}
		t.prior = models.CloneHistory(stored)
	} else {
		t.prior = models.CloneHistory(req.History)
	}

	if req.Message == "" && req.OverrideQuery == "" {
		if len(t.prior) == 0 {
			return o.bootstrap(t)
		}
		return &TurnResult{Type: TurnError, Message: emptyMessage, ConversationID: t.convID, History: t.prior}
	}

	if t.convID > 0 {
		t.logger = t.logger.With("conversation_id", t.convID)
	}

	t.prior = withSystemPrompt(t.prior, SystemPrompt(o.now(), o.memoryContext(ctx, t)))
	t.history = models.CloneHistory(t.prior)

	if req.OverrideQuery != "" {
		return o.override(ctx, t)
	}

	user := &models.Message{Role: models.RoleUser, Content: req.Message, ImageURL: req.ImageURL}
	t.history = append(t.history, user)

	llmCtx, cancel := context.WithTimeout(ctx, o.opts.LLMTimeout)
	reply, err := o.assistant.Reply(llmCtx, t.history)
	cancel()
	if err != nil {
		t.logger.Error("assistant reply failed", "error", err)
		return &TurnResult{Type: TurnQuestion, Message: ApologyMessage, ConversationID: t.convID, History: t.prior}
	}

	if reply.FinalQuery == "" {
		t.history = append(t.history, &models.Message{Role: models.RoleAssistant, Content: reply.Content})
		if res := o.persist(ctx, t); res != nil {
			return res
		}
		o.afterTurn(ctx, t)
		return &TurnResult{Type: TurnQuestion, Message: reply.Content, ConversationID: t.convID, History: t.history}
	}

	query := reply.FinalQuery
	t.logger.Info("final query produced", "query", query)
	if o.opts.Verifier != nil {
		verification := o.opts.Verifier.Verify(ctx, VerificationQuery(query))
		if verification.Blocks() {
			message := RejectionMessage(query, verification)
			t.logger.Info("search held back by verification",
				"query", query,
				"release_status", verification.ReleaseStatus,
				"confidence", verification.Confidence,
			)
			t.history = append(t.history, &models.Message{Role: models.RoleAssistant, Content: message})
			if res := o.persist(ctx, t); res != nil {
				return res
			}
			o.afterTurn(ctx, t)
			return &TurnResult{
				Type:           TurnQuestion,
				Message:        message,
				ConversationID: t.convID,
				History:        t.history,
				Verification:   &verification,
				PendingQuery:   query,
			}
		}
	}
	return o.search(ctx, t, query, reply.Content)
}

func (o *Orchestrator) bootstrap(t *turn) *TurnResult {
	return &TurnResult{
		Type:           TurnQuestion,
		Message:        WelcomeMessage,
		ConversationID: t.convID,
		History: []*models.Message{
			{Role: models.RoleSystem, Content: SystemPrompt(o.now(), "")},
			{Role: models.RoleAssistant, Content: WelcomeMessage},
		},
	}
}

func (o *Orchestrator) override(ctx context.Context, t *turn) *TurnResult {
	query := t.req.OverrideQuery
	content := t.req.Message
	if content == "" {
		content = "Search anyway for: " + query
	}
	t.history = append(t.history, &models.Message{Role: models.RoleUser, Content: content, ImageURL: t.req.ImageURL})
	t.logger.Info("searching overridden query", "query", query)
	return o.search(ctx, t, query, ai.FinalQueryMarker+" "+query)
}

func (o *Orchestrator) search(ctx context.Context, t *turn, query, content string) *TurnResult {
	searchCtx, cancel := context.WithTimeout(ctx, o.opts.SearchTimeout)
	results := marketplace.SearchAll(searchCtx, o.searchers, query, o.opts.ResultLimit)
	cancel()
	t.logger.Info("search completed", "query", query, "total", results.Total())

	if !strings.Contains(content, ai.FinalQueryMarker) {
		content = ai.FinalQueryMarker + " " + query
	}
	t.history = append(t.history, &models.Message{Role: models.RoleAssistant, Content: content, Results: results})
	if res := o.persist(ctx, t); res != nil {
		return res
	}
	o.afterTurn(ctx, t)
	return &TurnResult{
		Type:           TurnResults,
		Message:        ResultsMessage(marketplace.Labels(o.searchers), len(o.searchers), query),
		ConversationID: t.convID,
		History:        t.history,
		Results:        results,
	}
}

// persist records the turns appended after prior in one write, creating the
// conversation first when the owner has none yet. A failure turns the result
// into an error and leaves nothing of the turn behind.
func (o *Orchestrator) persist(ctx context.Context, t *turn) *TurnResult {
	if !t.persisted {
		return nil
	}
	if t.convID == 0 {
		title := t.req.Message
		if title == "" {
			title = t.req.OverrideQuery
		}
		conv, err := o.opts.Store.CreateConversation(ctx, t.req.UserID, conversationTitle(title))
		if err != nil {
			t.logger.Error("create conversation failed", "error", err)
			return &TurnResult{Type: TurnError, Message: persistFailedMessage, History: t.prior}
		}
		t.convID = conv.ID
		t.created = true
		t.logger = t.logger.With("conversation_id", t.convID)
	}

	added := t.history[len(t.prior):]
	msgs := make([]models.Message, 0, len(added))
	for _, msg := range added {
		msgs = append(msgs, *msg)
	}
	saved, err := o.opts.Store.AppendMessages(ctx, t.req.UserID, t.convID, msgs)
	if err != nil {
		t.logger.Error("persist turn failed", "error", err)
		if t.created {
			if delErr := o.opts.Store.DeleteConversation(ctx, t.req.UserID, t.convID); delErr != nil {
				t.logger.Warn("remove empty conversation failed", "error", delErr)
			}
			t.convID = 0
			t.created = false
		}
		return &TurnResult{Type: TurnError, Message: persistFailedMessage, ConversationID: t.convID, History: t.prior}
	}
	for i, msg := range added {
		if i >= len(saved) {
			break
		}
		msg.ID = saved[i].ID
		msg.UserID = saved[i].UserID
		msg.ConversationID = saved[i].ConversationID
		msg.CreatedAt = saved[i].CreatedAt
	}
	return nil
}

func (o *Orchestrator) memoryContext(ctx context.Context, t *turn) string {
	if o.opts.Memory == nil || t.req.UserID <= 0 {
		return ""
	}
	query := t.req.Message
	if query == "" {
		query = t.req.OverrideQuery
	}
	text, err := o.opts.Memory.RetrieveContext(ctx, t.req.UserID, query, o.opts.MemoryTopK)
	if err != nil {
		t.logger.Warn("memory lookup failed", "error", err)
		return ""
	}
	return text
}

// afterTurn schedules best-effort work that must never affect the response:
// memory storage and naming a new conversation. Failures are logged.
func (o *Orchestrator) afterTurn(ctx context.Context, t *turn) {
	if !t.persisted || t.convID <= 0 {
		return
	}
	added := t.history[len(t.prior):]
	var user, assistant *models.Message
	for _, msg := range added {
		switch msg.Role {
		case models.RoleUser:
			user = msg
		case models.RoleAssistant:
			assistant = msg
		}
	}
	bgCtx := context.WithoutCancel(ctx)
	userID, convID, logger := t.req.UserID, t.convID, t.logger

	if o.opts.Memory != nil {
		o.bg.Add(1)
		go func() {
			defer o.bg.Done()
			ctx, cancel := context.WithTimeout(bgCtx, defaultBackgroundTimeout)
			defer cancel()
			// the assistant turn goes in first so the new user message is
			// never retrieved as its own history.
			for _, msg := range []*models.Message{assistant, user} {
				if msg == nil {
					continue
				}
				meta := map[string]any{"message_id": msg.ID}
				if len(msg.Results) > 0 {
					meta["result_count"] = msg.Results.Total()
				}
				if err := o.opts.Memory.Store(ctx, userID, convID, msg.Content, string(msg.Role), meta); err != nil {
					logger.Warn("memory store failed", "role", msg.Role, "error", err)
				}
			}
		}()
	}

	if t.created && o.opts.Titler != nil {
		opening := models.CloneHistory(added)
		o.bg.Add(1)
		go func() {
			defer o.bg.Done()
			ctx, cancel := context.WithTimeout(bgCtx, defaultBackgroundTimeout)
			defer cancel()
			title, err := o.opts.Titler.Title(ctx, opening)
			if err != nil {
				logger.Warn("title generation failed", "error", err)
				return
			}
			if err := o.opts.Store.UpdateConversationTitle(ctx, userID, convID, title); err != nil {
				logger.Warn("title update failed", "error", err)
			}
		}()
	}
}

// withSystemPrompt replaces the leading system turn, or inserts one.
func withSystemPrompt(history []*models.Message, prompt string) []*models.Message {
	system := &models.Message{Role: models.RoleSystem, Content: prompt}
	if len(history) > 0 && history[0].Role == models.RoleSystem {
		out := make([]*models.Message, len(history))
		copy(out, history)
		out[0] = system
		return out
	}
	return append([]*models.Message{system}, history...)
}
