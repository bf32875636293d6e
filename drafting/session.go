package drafting

import (
	"time"

	"github.com/google/uuid"
)

// SessionStatus is the state of a draft session. Finalized and abandoned are
// terminal; there is no transition out of either.
type SessionStatus string

const (
	StatusActive    SessionStatus = "active"
	StatusFinalized SessionStatus = "finalized"
	StatusAbandoned SessionStatus = "abandoned"
)

// Revision is one iteration of a draft. A revision is immutable once created:
// a user edit becomes a new revision rather than a change to the prior one.
// Generation revisions carry the prompt snapshot and model output; edit
// revisions carry the user's text.
type Revision struct {
	Index          int       `json:"index"`
	PromptSnapshot string    `json:"prompt_snapshot,omitempty"`
	ModelOutput    string    `json:"model_output,omitempty"`
	UserEdit       string    `json:"user_edit,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

// Text is the draft content of this revision: the user's edit when present,
// otherwise the model output.
func (r Revision) Text() string {
	if r.UserEdit != "" {
		return r.UserEdit
	}
	return r.ModelOutput
}

// DraftSession coordinates iterative drafting for one thread. The orchestrator
// owns all sessions and serializes access per thread; methods here only
// enforce the state machine and the revision-sequence invariant (indices
// contiguous from 0, strictly increasing).
type DraftSession struct {
	ID       uuid.UUID
	ThreadID string

	status    SessionStatus
	revisions []Revision
	now       func() time.Time
}

// NewDraftSession starts an active session with no revisions.
func NewDraftSession(threadID string) *DraftSession {
	return &DraftSession{
		ID:       uuid.New(),
		ThreadID: threadID,
		status:   StatusActive,
		now:      time.Now,
	}
}

// Status returns the session state.
func (s *DraftSession) Status() SessionStatus { return s.status }

// Revisions returns a copy of the revision history, oldest first.
func (s *DraftSession) Revisions() []Revision {
	return append([]Revision(nil), s.revisions...)
}

// CurrentDraft returns the latest draft text, or ErrNoDraft when no revision
// exists yet. Having no draft is not a failure state.
func (s *DraftSession) CurrentDraft() (string, error) {
	if len(s.revisions) == 0 {
		return "", ErrNoDraft
	}
	return s.revisions[len(s.revisions)-1].Text(), nil
}

// AppendGeneration records a successful model call as the next revision and
// returns it. Only valid while active.
func (s *DraftSession) AppendGeneration(promptSnapshot, modelOutput string) (Revision, error) {
	if s.status != StatusActive {
		return Revision{}, &InvalidStateError{ThreadID: s.ThreadID, Status: s.status, Op: "request draft"}
	}
	rev := Revision{
		Index:          len(s.revisions),
		PromptSnapshot: promptSnapshot,
		ModelOutput:    modelOutput,
		CreatedAt:      s.now().UTC(),
	}
	s.revisions = append(s.revisions, rev)
	return rev, nil
}

// RecordEdit records the user's edit of the current draft as a new revision.
// Valid only while active and once at least one revision exists.
func (s *DraftSession) RecordEdit(editedText string) (Revision, error) {
	if s.status != StatusActive {
		return Revision{}, &InvalidStateError{ThreadID: s.ThreadID, Status: s.status, Op: "record edit"}
	}
	if len(s.revisions) == 0 {
		return Revision{}, &InvalidStateError{ThreadID: s.ThreadID, Status: s.status, Op: "record edit before any draft"}
	}
	rev := Revision{
		Index:     len(s.revisions),
		UserEdit:  editedText,
		CreatedAt: s.now().UTC(),
	}
	s.revisions = append(s.revisions, rev)
	return rev, nil
}

// Finalize closes the session because the user sent the draft.
func (s *DraftSession) Finalize() error {
	if s.status != StatusActive {
		return &InvalidStateError{ThreadID: s.ThreadID, Status: s.status, Op: "finalize"}
	}
	s.status = StatusFinalized
	return nil
}

// Abandon closes the session because the user discarded the draft.
func (s *DraftSession) Abandon() error {
	if s.status != StatusActive {
		return &InvalidStateError{ThreadID: s.ThreadID, Status: s.status, Op: "abandon"}
	}
	s.status = StatusAbandoned
	return nil
}
