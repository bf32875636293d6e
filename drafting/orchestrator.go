package drafting

import (
	"context"
	"errors"
	"strings"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

// OrchestratorConfig tunes the top-level pipeline.
type OrchestratorConfig struct {
	// ContextBudget is the byte allowance handed to the retriever per call.
	ContextBudget int

	// MaxConcurrentModelCalls bounds in-flight gateway invocations globally.
	// Excess requests queue rather than fail; the local model runtime is the
	// scarce resource.
	MaxConcurrentModelCalls int64

	// SelfAddress identifies the user's own address so the thread
	// correspondent can be derived.
	SelfAddress string
}

// DefaultOrchestratorConfig allows 24 KB of retrieved context and two
// concurrent model calls.
func DefaultOrchestratorConfig() OrchestratorConfig {
	return OrchestratorConfig{
		ContextBudget:           24_000,
		MaxConcurrentModelCalls: 2,
	}
}

// DraftResult is what a generation call hands back to the caller.
type DraftResult struct {
	ThreadID string
	Revision int
	Text     string
}

// threadSlot serializes all session work for one thread. Holding slot.mu is
// the per-thread exclusive region guarding session transitions and the paired
// artifact append.
type threadSlot struct {
	mu      sync.Mutex
	session *DraftSession
}

// Orchestrator coordinates retrieval, assembly, the model gateway, and session
// state across concurrent requests for different threads. Requests for
// distinct threads run in parallel; work on one thread is serialized.
type Orchestrator struct {
	store     *ArtifactStore
	retriever *ContextRetriever
	assembler *PromptAssembler
	gateway   ModelGateway
	mail      MailStore
	audit     *AuditLog
	log       *zap.Logger
	cfg       OrchestratorConfig

	sem *semaphore.Weighted

	mu    sync.Mutex
	slots map[string]*threadSlot
}

// NewOrchestrator wires the pipeline. The audit log may be nil.
func NewOrchestrator(store *ArtifactStore, retriever *ContextRetriever, assembler *PromptAssembler, gateway ModelGateway, mail MailStore, audit *AuditLog, cfg OrchestratorConfig, log *zap.Logger) *Orchestrator {
	if cfg.ContextBudget <= 0 {
		cfg.ContextBudget = DefaultOrchestratorConfig().ContextBudget
	}
	if cfg.MaxConcurrentModelCalls <= 0 {
		cfg.MaxConcurrentModelCalls = DefaultOrchestratorConfig().MaxConcurrentModelCalls
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Orchestrator{
		store:     store,
		retriever: retriever,
		assembler: assembler,
		gateway:   gateway,
		mail:      mail,
		audit:     audit,
		log:       log,
		cfg:       cfg,
		sem:       semaphore.NewWeighted(cfg.MaxConcurrentModelCalls),
		slots:     map[string]*threadSlot{},
	}
}

func (o *Orchestrator) slot(threadID string) *threadSlot {
	o.mu.Lock()
	defer o.mu.Unlock()
	s, ok := o.slots[threadID]
	if !ok {
		s = &threadSlot{}
		o.slots[threadID] = s
	}
	return s
}

// GetOrCreateSession returns the thread's active session, creating one when
// none exists or the previous one has terminated. At most one active session
// exists per thread at any time.
func (o *Orchestrator) GetOrCreateSession(threadID string) *DraftSession {
	slot := o.slot(threadID)
	slot.mu.Lock()
	defer slot.mu.Unlock()
	return o.sessionLocked(slot, threadID)
}

func (o *Orchestrator) sessionLocked(slot *threadSlot, threadID string) *DraftSession {
	if slot.session == nil || slot.session.Status() != StatusActive {
		slot.session = NewDraftSession(threadID)
		o.log.Debug("session created",
			zap.String("thread_id", threadID),
			zap.String("session_id", slot.session.ID.String()))
	}
	return slot.session
}

// GenerateDraft drives one full generation round for a thread: retrieve
// context, assemble the prompt, invoke the model, record the revision.
// Generation is all-or-nothing: any failure leaves the session exactly as it
// was, so a retry produces the revision index the failed call would have.
func (o *Orchestrator) GenerateDraft(ctx context.Context, threadID string) (DraftResult, error) {
	slot := o.slot(threadID)
	slot.mu.Lock()
	defer slot.mu.Unlock()
	session := o.sessionLocked(slot, threadID)

	thread, err := o.mail.FetchThread(ctx, threadID)
	if err != nil {
		return DraftResult{}, &GenerationError{ThreadID: threadID, Err: err}
	}
	latest, ok := thread.Latest()
	if !ok {
		return DraftResult{}, &GenerationError{ThreadID: threadID, Err: errors.New("thread has no messages")}
	}

	rc, err := o.retriever.Select(ctx, threadID, thread.Correspondent(o.cfg.SelfAddress), latest.Body, o.cfg.ContextBudget)
	if err != nil {
		return DraftResult{}, err
	}

	prompt := o.assembler.Assemble(thread, rc, session.Revisions())

	if err := o.sem.Acquire(ctx, 1); err != nil {
		return DraftResult{}, o.generationErr(threadID, err)
	}
	output, err := o.gateway.Complete(ctx, prompt)
	o.sem.Release(1)
	if err != nil {
		return DraftResult{}, o.generationErr(threadID, err)
	}
	output = strings.TrimSpace(output)
	if output == "" {
		return DraftResult{}, &GenerationError{ThreadID: threadID, Err: errors.New("model returned empty output")}
	}

	rev, err := session.AppendGeneration(prompt.Snapshot(), output)
	if err != nil {
		return DraftResult{}, err
	}

	o.log.Info("draft generated",
		zap.String("thread_id", threadID),
		zap.Int("revision", rev.Index),
		zap.Int("examples", len(rc.Artifacts)),
		zap.Int("prompt_bytes", prompt.Size()))
	o.recordAudit(session, "generated", rev.Index, prompt.Size(), len(output))

	return DraftResult{ThreadID: threadID, Revision: rev.Index, Text: output}, nil
}

// RecordEdit stores the user's edit of the current draft: a new edit artifact
// in the store (feeding future retrieval) and a new revision on the session,
// both inside the thread's exclusive region.
func (o *Orchestrator) RecordEdit(ctx context.Context, threadID, editedText string) (Revision, error) {
	if strings.TrimSpace(editedText) == "" {
		return Revision{}, &ValidationError{Field: "edited_text", Reason: "must not be empty"}
	}

	slot := o.slot(threadID)
	slot.mu.Lock()
	defer slot.mu.Unlock()

	session := slot.session
	if session == nil {
		return Revision{}, &InvalidStateError{ThreadID: threadID, Status: "none", Op: "record edit"}
	}
	// Validate the transition before touching the store so a rejected edit
	// leaves no stray artifact behind.
	if session.Status() != StatusActive {
		return Revision{}, &InvalidStateError{ThreadID: threadID, Status: session.Status(), Op: "record edit"}
	}
	if len(session.Revisions()) == 0 {
		return Revision{}, &InvalidStateError{ThreadID: threadID, Status: session.Status(), Op: "record edit before any draft"}
	}

	if _, err := o.store.Put(Artifact{
		ThreadID:      threadID,
		Kind:          KindEdit,
		Correspondent: o.correspondent(ctx, threadID),
		Content:       editedText,
	}); err != nil {
		return Revision{}, err
	}

	rev, err := session.RecordEdit(editedText)
	if err != nil {
		return Revision{}, err
	}
	o.log.Info("edit recorded", zap.String("thread_id", threadID), zap.Int("revision", rev.Index))
	o.recordAudit(session, "edited", rev.Index, 0, len(editedText))
	return rev, nil
}

// Finalize closes the thread's session because the user is sending the draft.
// The sent text is recorded as a sent_email artifact so future drafts learn
// from it, and the reply is returned formatted with the quoted original.
func (o *Orchestrator) Finalize(ctx context.Context, threadID string) (string, error) {
	slot := o.slot(threadID)
	slot.mu.Lock()
	defer slot.mu.Unlock()

	session := slot.session
	if session == nil {
		return "", &InvalidStateError{ThreadID: threadID, Status: "none", Op: "finalize"}
	}
	text, err := session.CurrentDraft()
	if err != nil {
		return "", err
	}
	if err := session.Finalize(); err != nil {
		return "", err
	}

	if _, err := o.store.Put(Artifact{
		ThreadID:      threadID,
		Kind:          KindSentEmail,
		Correspondent: o.correspondent(ctx, threadID),
		Content:       text,
	}); err != nil {
		o.log.Warn("recording sent draft failed", zap.String("thread_id", threadID), zap.Error(err))
	}
	o.recordAudit(session, "finalized", len(session.Revisions())-1, 0, len(text))

	if thread, err := o.mail.FetchThread(ctx, threadID); err == nil {
		if latest, ok := thread.Latest(); ok {
			return FormatReplyInline(text, latest), nil
		}
	}
	return text, nil
}

// Abandon closes the thread's session because the user discarded the draft.
func (o *Orchestrator) Abandon(threadID string) error {
	slot := o.slot(threadID)
	slot.mu.Lock()
	defer slot.mu.Unlock()

	if slot.session == nil {
		return &InvalidStateError{ThreadID: threadID, Status: "none", Op: "abandon"}
	}
	if err := slot.session.Abandon(); err != nil {
		return err
	}
	o.recordAudit(slot.session, "abandoned", len(slot.session.Revisions())-1, 0, 0)
	return nil
}

// CurrentDraft returns the latest draft text and revision index for a thread.
// ErrNoDraft distinguishes "no draft yet" from a failed generation.
func (o *Orchestrator) CurrentDraft(threadID string) (DraftResult, error) {
	slot := o.slot(threadID)
	slot.mu.Lock()
	defer slot.mu.Unlock()

	if slot.session == nil {
		return DraftResult{}, ErrNoDraft
	}
	text, err := slot.session.CurrentDraft()
	if err != nil {
		return DraftResult{}, err
	}
	return DraftResult{
		ThreadID: threadID,
		Revision: len(slot.session.Revisions()) - 1,
		Text:     text,
	}, nil
}

func (o *Orchestrator) generationErr(threadID string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, ErrTimeout) {
		return &GenerationError{ThreadID: threadID, Err: ErrTimeout}
	}
	return &GenerationError{ThreadID: threadID, Err: err}
}

func (o *Orchestrator) correspondent(ctx context.Context, threadID string) string {
	thread, err := o.mail.FetchThread(ctx, threadID)
	if err != nil {
		o.log.Debug("correspondent lookup failed", zap.String("thread_id", threadID), zap.Error(err))
		return ""
	}
	return thread.Correspondent(o.cfg.SelfAddress)
}

func (o *Orchestrator) recordAudit(session *DraftSession, event string, revision, promptBytes, outputBytes int) {
	err := o.audit.Record(AuditEvent{
		ThreadID:    session.ThreadID,
		SessionID:   session.ID.String(),
		Event:       event,
		Revision:    revision,
		PromptBytes: promptBytes,
		OutputBytes: outputBytes,
	})
	if err != nil {
		o.log.Warn("audit write failed", zap.String("thread_id", session.ThreadID), zap.Error(err))
	}
}
