package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/zhangyuhan0377/zyh.ai/internal/models"
	"github.com/zhangyuhan0377/zyh.ai/internal/observability"
	"github.com/zhangyuhan0377/zyh.ai/internal/provider"
	"github.com/zhangyuhan0377/zyh.ai/internal/quota"
	"github.com/zhangyuhan0377/zyh.ai/internal/store"
	"github.com/zhangyuhan0377/zyh.ai/internal/tasks"
)

// GenerationTrace is the debugging record archived after a completed
// generation.
type GenerationTrace struct {
	ConversationID string             `bson:"conversation_id"`
	TurnID         string             `bson:"turn_id"`
	OwnerID        string             `bson:"owner_id"`
	Model          string             `bson:"model"`
	Prompt         []provider.Message `bson:"prompt"`
	Content        string             `bson:"content"`
	FinishReason   string             `bson:"finish_reason,omitempty"`
	Usage          *provider.Usage    `bson:"usage,omitempty"`
	CreatedAt      time.Time          `bson:"created_at"`
}

// TraceArchiver stores generation traces. Archiving is best effort and runs
// inside background tasks only.
type TraceArchiver interface {
	SaveTrace(ctx context.Context, trace GenerationTrace) error
}

// TurnRequest is one submitted user message plus the conversation history
// the client holds in memory.
type TurnRequest struct {
	ConversationID   string
	Turns            []models.Turn
	Model            string
	Provider         string
	WebSearchEnabled bool
}

// TurnResult reports a completed generation.
type TurnResult struct {
	AssistantTurn models.Turn
	Deltas        int
}

// Orchestrator sequences one submitted turn through quota gating, lazy
// conversation creation, dedup evaluation, streamed generation and the
// background bookkeeping that follows.
type Orchestrator struct {
	store       store.ConversationStore
	ledger      *quota.Ledger
	guard       *DedupGuard
	scheduler   tasks.Scheduler
	completions provider.CompletionProvider
	titles      provider.TitleProvider
	archiver    TraceArchiver
	responder   *Responder
	metrics     *observability.Metrics
	logger      *zap.SugaredLogger

	generationTimeout time.Duration
	titleTimeout      time.Duration
}

type OrchestratorConfig struct {
	Store             store.ConversationStore
	Ledger            *quota.Ledger
	Scheduler         tasks.Scheduler
	Completions       provider.CompletionProvider
	Titles            provider.TitleProvider
	Archiver          TraceArchiver
	Metrics           *observability.Metrics
	Logger            *zap.SugaredLogger
	GenerationTimeout time.Duration
	TitleTimeout      time.Duration
}

func NewOrchestrator(cfg OrchestratorConfig) *Orchestrator {
	if cfg.GenerationTimeout <= 0 {
		cfg.GenerationTimeout = 30 * time.Second
	}
	if cfg.TitleTimeout <= 0 {
		cfg.TitleTimeout = 10 * time.Second
	}
	return &Orchestrator{
		store:             cfg.Store,
		ledger:            cfg.Ledger,
		guard:             NewDedupGuard(cfg.Store),
		scheduler:         cfg.Scheduler,
		completions:       cfg.Completions,
		titles:            cfg.Titles,
		archiver:          cfg.Archiver,
		responder:         NewResponder(cfg.Metrics),
		metrics:           cfg.Metrics,
		logger:            cfg.Logger,
		generationTimeout: cfg.GenerationTimeout,
		titleTimeout:      cfg.TitleTimeout,
	}
}

// ProcessTurn runs the state machine for one request:
// Received -> QuotaChecked -> ConversationResolved -> DedupResolved ->
// Generating -> Completed | Rejected | Failed.
func (o *Orchestrator) ProcessTurn(ctx context.Context, ownerID string, req TurnRequest, sink Sink) (*TurnResult, error) {
	if strings.TrimSpace(ownerID) == "" {
		return nil, ErrUnauthenticated
	}
	if strings.TrimSpace(req.ConversationID) == "" {
		return nil, NewStreamError("conversationId is required")
	}
	if len(req.Turns) == 0 {
		return nil, NewStreamError("at least one turn is required")
	}

	// Received -> QuotaChecked. A ledger that cannot be read reports zero
	// remaining, so storage trouble rejects rather than over-serving.
	decision := o.ledger.CheckRemaining(ctx, ownerID)
	if decision.Remaining <= 0 {
		o.metrics.ObserveQuotaRejection()
		o.metrics.ObserveTurn("rejected")
		return nil, NewUsageLimitError(decision)
	}

	// QuotaChecked -> ConversationResolved. The unscoped lookup backs the
	// explicit ownership check on this write path.
	conv, err := o.store.Lookup(ctx, req.ConversationID)
	if err != nil {
		o.metrics.ObserveTurn("failed")
		return nil, fmt.Errorf("resolve conversation: %w", err)
	}
	if conv != nil && conv.OwnerID != ownerID {
		o.metrics.ObserveTurn("rejected")
		return nil, store.ErrForbidden
	}

	last := req.Turns[len(req.Turns)-1]

	// ConversationResolved -> DedupResolved.
	isDuplicate := false
	if conv != nil {
		isDuplicate, err = o.guard.Evaluate(ctx, req.ConversationID, last)
		if err != nil {
			o.metrics.ObserveTurn("failed")
			return nil, fmt.Errorf("evaluate dedup: %w", err)
		}
	}

	switch {
	case conv == nil:
		// Lazy creation composed with the first user-turn write so the
		// row exists before the turn insert. Generation does not wait.
		o.scheduleConversationCreate(ownerID, req, last)
	case isDuplicate:
		// The user turn is already stored; truncation of stale trailing
		// turns is composed into the completion task below.
	case last.Role == models.RoleUser:
		o.scheduleUserTurnPersist(req.ConversationID, last)
	}

	// DedupResolved -> Generating.
	genCtx, cancel := context.WithTimeout(ctx, o.generationTimeout)
	defer cancel()

	stream, err := o.completions.Generate(genCtx, provider.GenerateRequest{
		Model:    req.Model,
		Messages: assembleMessages(req.Turns, req.WebSearchEnabled),
	})
	if err != nil {
		o.metrics.ObserveTurn("failed")
		return nil, NewStreamError(fmt.Sprintf("model completion failed: %v", err))
	}

	result, err := o.responder.Run(genCtx, stream, sink)
	if err != nil {
		// Cancellation or mid-stream failure: the partial content is
		// discarded, nothing is persisted and no quota is charged.
		o.metrics.ObserveTurn("failed")
		if result.Deltas == 0 && !errors.Is(err, ErrClientGone) {
			return nil, NewStreamError(fmt.Sprintf("model completion failed: %v", err))
		}
		return nil, err
	}

	// Generating -> Completed.
	assistantID := result.TurnID
	if assistantID == "" {
		assistantID = uuid.NewString()
	}
	assistant := models.TextTurn(assistantID, req.ConversationID, models.RoleAssistant, result.Content)

	o.scheduleCompletion(ownerID, req, last, assistant, result, isDuplicate)

	o.metrics.ObserveTurn("completed")
	return &TurnResult{AssistantTurn: assistant, Deltas: result.Deltas}, nil
}

// scheduleConversationCreate composes row creation, the first user-turn
// write and the asynchronous title overwrite into one ordered task.
func (o *Orchestrator) scheduleConversationCreate(ownerID string, req TurnRequest, last models.Turn) {
	seed := firstUserText(req.Turns)
	conversationID := req.ConversationID

	o.scheduler.Schedule("conversation.create", func(ctx context.Context) error {
		conv := models.Conversation{
			ID:         conversationID,
			OwnerID:    ownerID,
			Title:      provider.FallbackTitle(seed),
			Visibility: models.VisibilityPrivate,
		}
		if err := o.store.Create(ctx, conv); err != nil {
			if !errors.Is(err, store.ErrConflict) {
				return fmt.Errorf("create conversation: %w", err)
			}
			// Lost a benign creation race; proceed as if it existed,
			// unless the winner belongs to someone else.
			existing, lookupErr := o.store.Lookup(ctx, conversationID)
			if lookupErr != nil {
				return lookupErr
			}
			if existing != nil && existing.OwnerID != ownerID {
				return store.ErrForbidden
			}
		}

		if last.Role == models.RoleUser {
			if err := o.store.AppendTurn(ctx, conversationID, last); err != nil && !errors.Is(err, store.ErrConflict) {
				return fmt.Errorf("persist user turn: %w", err)
			}
		}

		o.overwriteTitle(ctx, conversationID, ownerID, seed)
		return nil
	})
}

func (o *Orchestrator) overwriteTitle(ctx context.Context, conversationID, ownerID, seed string) {
	if o.titles == nil || seed == "" {
		return
	}

	titleCtx, cancel := context.WithTimeout(ctx, o.titleTimeout)
	defer cancel()

	title, err := o.titles.Summarize(titleCtx, seed)
	if err != nil {
		o.logger.Warnw("title summarization failed, keeping placeholder",
			"conversation", conversationID, "error", err)
		return
	}
	if err := o.store.UpdateTitle(ctx, conversationID, ownerID, title); err != nil {
		o.logger.Warnw("title update failed", "conversation", conversationID, "error", err)
	}
}

func (o *Orchestrator) scheduleUserTurnPersist(conversationID string, turn models.Turn) {
	o.scheduler.Schedule("turn.persist_user", func(ctx context.Context) error {
		err := o.store.AppendTurn(ctx, conversationID, turn)
		if errors.Is(err, store.ErrConflict) {
			// The client raced its own resend; the turn is stored.
			return nil
		}
		return err
	})
}

// scheduleCompletion persists the assistant turn and charges exactly one
// quota reservation. Truncation of stale turns after a resend happens
// first, inside the same task, so the fresh assistant turn can never land
// before the stale one is gone.
func (o *Orchestrator) scheduleCompletion(ownerID string, req TurnRequest, last, assistant models.Turn, result *StreamResult, isDuplicate bool) {
	conversationID := req.ConversationID
	prompt := assembleMessages(req.Turns, req.WebSearchEnabled)

	o.scheduler.Schedule("turn.finalize", func(ctx context.Context) error {
		var errs []error

		if isDuplicate {
			if removed, err := o.guard.TruncateStale(ctx, conversationID, last.ID); err != nil {
				errs = append(errs, fmt.Errorf("truncate stale turns: %w", err))
			} else if removed > 0 {
				o.logger.Infow("truncated stale turns after resend",
					"conversation", conversationID, "anchor", last.ID, "removed", removed)
			}
		}

		if err := o.appendAssistantTurn(ctx, ownerID, req, last, assistant); err != nil {
			errs = append(errs, err)
		}

		if _, err := o.ledger.Reserve(ctx, ownerID, 1); err != nil {
			errs = append(errs, fmt.Errorf("reserve quota: %w", err))
		}

		if o.archiver != nil {
			trace := GenerationTrace{
				ConversationID: conversationID,
				TurnID:         assistant.ID,
				OwnerID:        ownerID,
				Model:          req.Model,
				Prompt:         prompt,
				Content:        result.Content,
				FinishReason:   result.FinishReason,
				Usage:          result.Usage,
				CreatedAt:      time.Now().UTC(),
			}
			if err := o.archiver.SaveTrace(ctx, trace); err != nil {
				o.logger.Warnw("generation trace archive failed",
					"conversation", conversationID, "turn", assistant.ID, "error", err)
			}
		}

		return errors.Join(errs...)
	})
}

// appendAssistantTurn writes the assistant turn, recovering from the race
// where this task outruns the conversation-creation task.
func (o *Orchestrator) appendAssistantTurn(ctx context.Context, ownerID string, req TurnRequest, last, assistant models.Turn) error {
	err := o.store.AppendTurn(ctx, req.ConversationID, assistant)
	if err == nil || errors.Is(err, store.ErrConflict) {
		return nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("persist assistant turn: %w", err)
	}

	conv := models.Conversation{
		ID:         req.ConversationID,
		OwnerID:    ownerID,
		Title:      provider.FallbackTitle(firstUserText(req.Turns)),
		Visibility: models.VisibilityPrivate,
	}
	if createErr := o.store.Create(ctx, conv); createErr != nil && !errors.Is(createErr, store.ErrConflict) {
		return fmt.Errorf("persist assistant turn: %w", errors.Join(err, createErr))
	}
	if last.Role == models.RoleUser {
		if userErr := o.store.AppendTurn(ctx, req.ConversationID, last); userErr != nil && !errors.Is(userErr, store.ErrConflict) {
			o.logger.Warnw("user turn persist raced and failed", "conversation", req.ConversationID, "error", userErr)
		}
	}
	if retryErr := o.store.AppendTurn(ctx, req.ConversationID, assistant); retryErr != nil && !errors.Is(retryErr, store.ErrConflict) {
		return fmt.Errorf("persist assistant turn: %w", retryErr)
	}
	return nil
}
