package drafting

import (
	"strings"
	"time"
)

// Kind labels what a historical artifact is: a reply the user actually sent, an
// edit the user made to a generated draft, a collaborator-produced
// classification, or a collaborator-produced summary.
type Kind string

const (
	KindSentEmail      Kind = "sent_email"
	KindEdit           Kind = "edit"
	KindClassification Kind = "classification"
	KindSummary        Kind = "summary"
)

func (k Kind) valid() bool {
	switch k {
	case KindSentEmail, KindEdit, KindClassification, KindSummary:
		return true
	}
	return false
}

// Artifact is one immutable historical record used to ground generation.
// Artifacts are only ever appended; newer artifacts supersede older ones for
// the same thread. The ID is assigned by the store on Put, monotonically
// increasing, which is what makes "lower id wins" tie-breaks deterministic.
type Artifact struct {
	ID       uint64    `json:"id"`
	ThreadID string    `json:"thread_id"`
	Kind     Kind      `json:"kind"`
	Created  time.Time `json:"created"`

	// Correspondent is the other party of the thread the artifact came from.
	// It keys the cross-thread index used when a thread has little history of
	// its own.
	Correspondent string `json:"correspondent,omitempty"`

	Content string `json:"content"`

	// Embedding is computed lazily by the retriever and cached back via the
	// store; an artifact without one has simply never been scored.
	Embedding []float32 `json:"embedding,omitempty"`
}

// Validate checks the fields a caller must supply before Put. The ID must be
// zero: the store owns id assignment.
func (a Artifact) Validate() error {
	if strings.TrimSpace(a.ThreadID) == "" {
		return &ValidationError{Field: "thread_id", Reason: "must not be empty"}
	}
	if a.Kind == "" {
		return &ValidationError{Field: "kind", Reason: "must not be empty"}
	}
	if !a.Kind.valid() {
		return &ValidationError{Field: "kind", Reason: "unknown kind " + string(a.Kind)}
	}
	if a.ID != 0 {
		return &ValidationError{Field: "id", Reason: "assigned by the store, must be zero"}
	}
	if strings.TrimSpace(a.Content) == "" {
		return &ValidationError{Field: "content", Reason: "must not be empty"}
	}
	return nil
}

// Size is the artifact's cost against a retrieval budget, in bytes of content.
func (a Artifact) Size() int {
	return len(a.Content)
}
