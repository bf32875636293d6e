package drafting

import (
	"context"
	"math"
	"sort"
	"time"

	"go.uber.org/zap"
)

// RetrieverConfig holds the scoring and candidate-gathering knobs. The zero
// value is unusable; start from DefaultRetrieverConfig.
type RetrieverConfig struct {
	// RecencyWeight and SimilarityWeight blend the two scoring signals.
	RecencyWeight    float64
	SimilarityWeight float64

	// RecencyHalfLife is the age at which the recency signal has decayed to
	// one half.
	RecencyHalfLife time.Duration

	// MaxCandidates bounds how many artifacts are pulled per index scan.
	MaxCandidates int

	// MinThreadCandidates is the threshold below which the retriever widens
	// the search to the same correspondent across other threads.
	MinThreadCandidates int
}

// DefaultRetrieverConfig returns the documented defaults: equal weighting and a
// 30-day half-life.
func DefaultRetrieverConfig() RetrieverConfig {
	return RetrieverConfig{
		RecencyWeight:       0.5,
		SimilarityWeight:    0.5,
		RecencyHalfLife:     30 * 24 * time.Hour,
		MaxCandidates:       64,
		MinThreadCandidates: 3,
	}
}

// RetrievedContext is the bounded, ordered set of artifacts selected to ground
// one generation call. It is recomputed per call and never persisted.
type RetrievedContext struct {
	Artifacts []Artifact
	Budget    int
	Used      int
}

// ContextRetriever selects multi-shot grounding examples for a thread: past
// sent replies, edits, and summaries scored by recency and semantic similarity
// to the message being answered.
type ContextRetriever struct {
	store    *ArtifactStore
	embedder Embedder
	cfg      RetrieverConfig
	log      *zap.Logger
	now      func() time.Time
}

// NewContextRetriever wires a retriever. The embedder may be nil, in which
// case scoring falls back to recency alone.
func NewContextRetriever(store *ArtifactStore, embedder Embedder, cfg RetrieverConfig, log *zap.Logger) *ContextRetriever {
	if log == nil {
		log = zap.NewNop()
	}
	return &ContextRetriever{store: store, embedder: embedder, cfg: cfg, log: log, now: time.Now}
}

// contextKinds are the artifact kinds worth showing as examples.
// Classifications are labels, not prose, and are excluded.
var contextKinds = []Kind{KindSentEmail, KindEdit, KindSummary}

type scoredArtifact struct {
	artifact Artifact
	score    float64
}

// Select returns a RetrievedContext for the thread whose total content size
// does not exceed budget. With no candidates (or budget zero) the context is
// empty and generation proceeds zero-shot.
func (r *ContextRetriever) Select(ctx context.Context, threadID, correspondent, currentMessage string, budget int) (RetrievedContext, error) {
	out := RetrievedContext{Budget: budget}
	if budget <= 0 {
		return out, nil
	}

	candidates, err := r.gather(threadID, correspondent)
	if err != nil {
		return RetrievedContext{}, err
	}
	if len(candidates) == 0 {
		return out, nil
	}

	queryVec := r.embedQuery(ctx, currentMessage)
	scored := r.score(ctx, candidates, queryVec)

	sort.SliceStable(scored, func(i, j int) bool {
		if scored[i].score != scored[j].score {
			return scored[i].score > scored[j].score
		}
		return scored[i].artifact.ID < scored[j].artifact.ID
	})

	for _, c := range scored {
		size := c.artifact.Size()
		if out.Used+size > budget {
			continue
		}
		out.Artifacts = append(out.Artifacts, c.artifact)
		out.Used += size
	}
	r.log.Debug("context selected",
		zap.String("thread_id", threadID),
		zap.Int("candidates", len(candidates)),
		zap.Int("selected", len(out.Artifacts)),
		zap.Int("used", out.Used),
		zap.Int("budget", budget))
	return out, nil
}

// gather pulls candidates from the thread's own history first, widening to the
// same correspondent on other threads when the thread is too thin.
func (r *ContextRetriever) gather(threadID, correspondent string) ([]Artifact, error) {
	it := r.store.Query(ArtifactQuery{
		ThreadID: threadID,
		Kinds:    contextKinds,
		Limit:    r.cfg.MaxCandidates,
	})
	candidates, err := it.Collect()
	if err != nil {
		return nil, err
	}

	if len(candidates) < r.cfg.MinThreadCandidates && correspondent != "" {
		it := r.store.Query(ArtifactQuery{
			Correspondent:   correspondent,
			ExcludeThreadID: threadID,
			Kinds:           contextKinds,
			Limit:           r.cfg.MaxCandidates,
		})
		widened, err := it.Collect()
		if err != nil {
			return nil, err
		}
		candidates = append(candidates, widened...)
	}
	return candidates, nil
}

// embedQuery embeds the message being answered. Failure here degrades scoring
// to recency-only instead of failing the whole selection.
func (r *ContextRetriever) embedQuery(ctx context.Context, currentMessage string) []float32 {
	if r.embedder == nil || currentMessage == "" {
		return nil
	}
	vec, err := r.embedder.Embed(ctx, currentMessage)
	if err != nil {
		r.log.Warn("query embedding failed, scoring by recency only", zap.Error(err))
		return nil
	}
	return vec
}

// score computes the blended score per candidate. A candidate whose embedding
// cannot be computed is dropped; one bad artifact never fails the call.
func (r *ContextRetriever) score(ctx context.Context, candidates []Artifact, queryVec []float32) []scoredArtifact {
	now := r.now().UTC()
	scored := make([]scoredArtifact, 0, len(candidates))
	for _, a := range candidates {
		s := r.cfg.RecencyWeight * recencyScore(now.Sub(a.Created), r.cfg.RecencyHalfLife)
		if queryVec != nil {
			vec, err := r.candidateVector(ctx, a)
			if err != nil {
				r.log.Warn("skipping candidate, embedding failed",
					zap.Uint64("artifact_id", a.ID), zap.Error(err))
				continue
			}
			s += r.cfg.SimilarityWeight * Cosine(queryVec, vec)
		}
		scored = append(scored, scoredArtifact{artifact: a, score: s})
	}
	return scored
}

// candidateVector returns the artifact's embedding, computing and caching it
// on first use.
func (r *ContextRetriever) candidateVector(ctx context.Context, a Artifact) ([]float32, error) {
	if len(a.Embedding) > 0 {
		return a.Embedding, nil
	}
	cached, err := r.store.Embedding(a.ID)
	if err != nil {
		return nil, err
	}
	if len(cached) > 0 {
		return cached, nil
	}
	vec, err := r.embedder.Embed(ctx, a.Content)
	if err != nil {
		return nil, err
	}
	if err := r.store.SaveEmbedding(a.ID, vec); err != nil {
		// Cache miss next time; the vector is still usable now.
		r.log.Warn("caching embedding failed", zap.Uint64("artifact_id", a.ID), zap.Error(err))
	}
	return vec, nil
}

// recencyScore decays exponentially with age: 1.0 now, 0.5 at one half-life.
func recencyScore(age, halfLife time.Duration) float64 {
	if halfLife <= 0 {
		return 0
	}
	if age < 0 {
		age = 0
	}
	return math.Exp2(-float64(age) / float64(halfLife))
}
