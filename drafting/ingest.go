package drafting

import (
	"encoding/json"
	"strings"
	"time"
)

// Ingestor records collaborator-produced material as artifacts so future
// retrieval can ground on it. The core never computes summaries or
// classifications itself; it only files what the summarizer, classifier, and
// routing engines hand over.
type Ingestor struct {
	store *ArtifactStore
}

func NewIngestor(store *ArtifactStore) *Ingestor {
	return &Ingestor{store: store}
}

// RecordSentEmail files a reply the user actually sent.
func (in *Ingestor) RecordSentEmail(threadID, correspondent, body string, sent time.Time) (Artifact, error) {
	if strings.TrimSpace(body) == "" {
		return Artifact{}, &ValidationError{Field: "body", Reason: "must not be empty"}
	}
	return in.store.Put(Artifact{
		ThreadID:      threadID,
		Kind:          KindSentEmail,
		Correspondent: correspondent,
		Content:       body,
		Created:       sent,
	})
}

// RecordSummary files a collaborator-produced thread summary. A thread keeps
// at most one summary: when one already exists the call is a no-op and the
// existing artifact is returned.
func (in *Ingestor) RecordSummary(threadID, correspondent, summary string) (Artifact, error) {
	if strings.TrimSpace(summary) == "" {
		return Artifact{}, &ValidationError{Field: "summary", Reason: "must not be empty"}
	}
	it := in.store.Query(ArtifactQuery{ThreadID: threadID, Kinds: []Kind{KindSummary}, Limit: 1})
	existing, err := it.Collect()
	if err != nil {
		return Artifact{}, err
	}
	if len(existing) > 0 {
		return existing[0], nil
	}
	return in.store.Put(Artifact{
		ThreadID:      threadID,
		Kind:          KindSummary,
		Correspondent: correspondent,
		Content:       summary,
	})
}

// Classification is the label set the classification engine produces for a
// thread: how important it is and whether it carries a deadline.
type Classification struct {
	Importance string    `json:"importance"`
	Deadline   time.Time `json:"deadline,omitzero"`
	Reason     string    `json:"reason,omitempty"`
}

// RecordClassification files a classification label as an artifact. Newer
// classifications supersede older ones by recency; nothing is overwritten.
func (in *Ingestor) RecordClassification(threadID, correspondent string, c Classification) (Artifact, error) {
	if strings.TrimSpace(c.Importance) == "" {
		return Artifact{}, &ValidationError{Field: "importance", Reason: "must not be empty"}
	}
	content, err := json.Marshal(c)
	if err != nil {
		return Artifact{}, &ValidationError{Field: "classification", Reason: err.Error()}
	}
	return in.store.Put(Artifact{
		ThreadID:      threadID,
		Kind:          KindClassification,
		Correspondent: correspondent,
		Content:       string(content),
	})
}

// LatestClassification returns the newest classification for a thread, or
// false when none exists.
func (in *Ingestor) LatestClassification(threadID string) (Classification, bool, error) {
	it := in.store.Query(ArtifactQuery{ThreadID: threadID, Kinds: []Kind{KindClassification}, Limit: 1})
	rows, err := it.Collect()
	if err != nil {
		return Classification{}, false, err
	}
	if len(rows) == 0 {
		return Classification{}, false, nil
	}
	var c Classification
	if err := json.Unmarshal([]byte(rows[0].Content), &c); err != nil {
		return Classification{}, false, &StorageError{Op: "decode classification", Err: err}
	}
	return c, true, nil
}
