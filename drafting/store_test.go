package drafting

import (
	"fmt"
	"path/filepath"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *ArtifactStore {
	t.Helper()
	store, err := OpenArtifactStore(filepath.Join(t.TempDir(), "artifacts.db"))
	if err != nil {
		t.Fatalf("OpenArtifactStore: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestArtifactValidate(t *testing.T) {
	t.Parallel()

	valid := Artifact{ThreadID: "t1", Kind: KindSentEmail, Content: "hi"}
	if err := valid.Validate(); err != nil {
		t.Fatalf("unexpected err: %v", err)
	}

	cases := []struct {
		name string
		a    Artifact
	}{
		{"empty thread", Artifact{Kind: KindSentEmail, Content: "x"}},
		{"empty kind", Artifact{ThreadID: "t1", Content: "x"}},
		{"unknown kind", Artifact{ThreadID: "t1", Kind: "mystery", Content: "x"}},
		{"preset id", Artifact{ID: 7, ThreadID: "t1", Kind: KindSentEmail, Content: "x"}},
		{"empty content", Artifact{ThreadID: "t1", Kind: KindSentEmail}},
		{"blank content", Artifact{ThreadID: "t1", Kind: KindSentEmail, Content: "  \n "}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if err := tc.a.Validate(); err == nil {
				t.Fatalf("expected error")
			}
		})
	}
}

func TestStorePut_AssignsSequentialIDs(t *testing.T) {
	t.Parallel()
	store := newTestStore(t)

	var prev uint64
	for i := 0; i < 5; i++ {
		a, err := store.Put(Artifact{ThreadID: "t1", Kind: KindSentEmail, Content: fmt.Sprintf("mail %d", i)})
		if err != nil {
			t.Fatalf("Put: %v", err)
		}
		if a.ID <= prev {
			t.Fatalf("ID=%d not increasing (prev %d)", a.ID, prev)
		}
		prev = a.ID
	}

	n, err := store.Count("t1")
	if err != nil {
		t.Fatalf("Count: %v", err)
	}
	if n != 5 {
		t.Fatalf("Count=%d, want 5", n)
	}
}

func TestStorePut_DefaultsCreated(t *testing.T) {
	t.Parallel()
	store := newTestStore(t)

	before := time.Now().UTC()
	a, err := store.Put(Artifact{ThreadID: "t1", Kind: KindSummary, Content: "s"})
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	if a.Created.Before(before) || a.Created.After(time.Now().UTC().Add(time.Second)) {
		t.Fatalf("Created=%v not defaulted to now", a.Created)
	}

	got, err := store.Get(a.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Content != "s" || got.Kind != KindSummary {
		t.Fatalf("Get=%+v", got)
	}
}

func TestStorePut_RejectsInvalid(t *testing.T) {
	t.Parallel()
	store := newTestStore(t)

	if _, err := store.Put(Artifact{Kind: KindSentEmail, Content: "x"}); err == nil {
		t.Fatalf("expected validation error")
	}
}

func TestStoreEmbedding_RoundTrip(t *testing.T) {
	t.Parallel()
	store := newTestStore(t)

	a, err := store.Put(Artifact{
		ThreadID:  "t1",
		Kind:      KindSentEmail,
		Content:   "hello",
		Embedding: []float32{0.1, -0.5, 2},
	})
	if err != nil {
		t.Fatalf("Put: %v", err)
	}

	vec, err := store.Embedding(a.ID)
	if err != nil {
		t.Fatalf("Embedding: %v", err)
	}
	if len(vec) != 3 || vec[0] != 0.1 || vec[1] != -0.5 || vec[2] != 2 {
		t.Fatalf("vec=%v", vec)
	}

	// The artifact row itself never carries the vector.
	got, err := store.Get(a.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Embedding != nil {
		t.Fatalf("Get returned embedding %v, want nil", got.Embedding)
	}

	if err := store.SaveEmbedding(a.ID, []float32{9}); err != nil {
		t.Fatalf("SaveEmbedding: %v", err)
	}
	vec, err = store.Embedding(a.ID)
	if err != nil {
		t.Fatalf("Embedding: %v", err)
	}
	if len(vec) != 1 || vec[0] != 9 {
		t.Fatalf("vec=%v after overwrite", vec)
	}

	missing, err := store.Embedding(9999)
	if err != nil {
		t.Fatalf("Embedding missing: %v", err)
	}
	if missing != nil {
		t.Fatalf("missing=%v, want nil", missing)
	}
}

func TestStoreQuery_RecencyDescending(t *testing.T) {
	t.Parallel()
	store := newTestStore(t)

	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 4; i++ {
		_, err := store.Put(Artifact{
			ThreadID: "t1",
			Kind:     KindSentEmail,
			Content:  fmt.Sprintf("mail %d", i),
			Created:  base.Add(time.Duration(i) * time.Hour),
		})
		if err != nil {
			t.Fatalf("Put: %v", err)
		}
	}

	rows, err := store.Query(ArtifactQuery{ThreadID: "t1"}).Collect()
	if err != nil {
		t.Fatalf("Collect: %v", err)
	}
	if len(rows) != 4 {
		t.Fatalf("rows=%d", len(rows))
	}
	for i := 1; i < len(rows); i++ {
		if rows[i].Created.After(rows[i-1].Created) {
			t.Fatalf("not recency descending: %v after %v", rows[i].Created, rows[i-1].Created)
		}
	}
	if rows[0].Content != "mail 3" {
		t.Fatalf("newest=%q", rows[0].Content)
	}
}

func TestStoreQuery_Filters(t *testing.T) {
	t.Parallel()
	store := newTestStore(t)

	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	put := func(thread string, kind Kind, corr string, at time.Time) {
		t.Helper()
		if _, err := store.Put(Artifact{ThreadID: thread, Kind: kind, Correspondent: corr, Content: "x", Created: at}); err != nil {
			t.Fatalf("Put: %v", err)
		}
	}
	put("t1", KindSentEmail, "kim@example.com", base)
	put("t1", KindEdit, "kim@example.com", base.Add(time.Hour))
	put("t1", KindClassification, "kim@example.com", base.Add(2*time.Hour))
	put("t2", KindSentEmail, "kim@example.com", base.Add(3*time.Hour))

	rows, err := store.Query(ArtifactQuery{ThreadID: "t1", Kinds: []Kind{KindSentEmail, KindEdit}}).Collect()
	if err != nil {
		t.Fatalf("kinds: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("kinds rows=%d", len(rows))
	}

	rows, err = store.Query(ArtifactQuery{Correspondent: "kim@example.com", ExcludeThreadID: "t1"}).Collect()
	if err != nil {
		t.Fatalf("correspondent: %v", err)
	}
	if len(rows) != 1 || rows[0].ThreadID != "t2" {
		t.Fatalf("correspondent rows=%+v", rows)
	}

	rows, err = store.Query(ArtifactQuery{ThreadID: "t1", Before: base.Add(time.Hour)}).Collect()
	if err != nil {
		t.Fatalf("before: %v", err)
	}
	if len(rows) != 1 || !rows[0].Created.Equal(base) {
		t.Fatalf("before rows=%+v", rows)
	}

	rows, err = store.Query(ArtifactQuery{ThreadID: "t1", Limit: 2}).Collect()
	if err != nil {
		t.Fatalf("limit: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("limit rows=%d", len(rows))
	}

	rows, err = store.Query(ArtifactQuery{ThreadID: "missing"}).Collect()
	if err != nil {
		t.Fatalf("missing thread: %v", err)
	}
	if len(rows) != 0 {
		t.Fatalf("missing thread rows=%d", len(rows))
	}
}

func TestStoreQuery_InvalidSelectors(t *testing.T) {
	t.Parallel()
	store := newTestStore(t)

	if _, err := store.Query(ArtifactQuery{}).Collect(); err == nil {
		t.Fatalf("expected error for empty selector")
	}
	if _, err := store.Query(ArtifactQuery{ThreadID: "t1", Correspondent: "kim"}).Collect(); err == nil {
		t.Fatalf("expected error for both selectors")
	}
}

func TestStoreQuery_PagesAndReset(t *testing.T) {
	t.Parallel()
	store := newTestStore(t)

	// More rows than one iterator page so pagination is exercised.
	const total = queryPageSize*2 + 7
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < total; i++ {
		_, err := store.Put(Artifact{
			ThreadID: "t1",
			Kind:     KindSentEmail,
			Content:  fmt.Sprintf("mail %d", i),
			Created:  base.Add(time.Duration(i) * time.Minute),
		})
		if err != nil {
			t.Fatalf("Put: %v", err)
		}
	}

	it := store.Query(ArtifactQuery{ThreadID: "t1"})
	rows, err := it.Collect()
	if err != nil {
		t.Fatalf("Collect: %v", err)
	}
	if len(rows) != total {
		t.Fatalf("rows=%d, want %d", len(rows), total)
	}
	for i := 1; i < len(rows); i++ {
		if rows[i].ID >= rows[i-1].ID {
			t.Fatalf("ids not descending at %d: %d then %d", i, rows[i-1].ID, rows[i].ID)
		}
	}

	it.Reset()
	again, err := it.Collect()
	if err != nil {
		t.Fatalf("Collect after Reset: %v", err)
	}
	if len(again) != total {
		t.Fatalf("rows after Reset=%d, want %d", len(again), total)
	}
	if again[0].ID != rows[0].ID || again[total-1].ID != rows[total-1].ID {
		t.Fatalf("Reset replay differs: first %d/%d last %d/%d",
			again[0].ID, rows[0].ID, again[total-1].ID, rows[total-1].ID)
	}
}

func TestVectorCodec(t *testing.T) {
	t.Parallel()

	in := []float32{0, 1, -1, 0.25, 3.5}
	out := decodeVector(encodeVector(in))
	if len(out) != len(in) {
		t.Fatalf("len=%d, want %d", len(out), len(in))
	}
	for i := range in {
		if in[i] != out[i] {
			t.Fatalf("out[%d]=%v, want %v", i, out[i], in[i])
		}
	}
}
