package drafting

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"time"

	bolt "go.etcd.io/bbolt"
)

var (
	bucketArtifacts      = []byte("artifacts")
	bucketThreads        = []byte("threads")
	bucketCorrespondents = []byte("correspondents")
	bucketEmbeddings     = []byte("embeddings")
)

// queryPageSize bounds how many artifacts one read transaction materializes.
const queryPageSize = 64

// ArtifactStore persists artifacts in a single bbolt file. Artifacts live in
// one bucket keyed by id; two index buckets (per thread and per correspondent)
// hold timestamp-ordered keys so recency-descending range scans are a cursor
// walk. Embeddings are cached in their own bucket keyed by artifact id.
type ArtifactStore struct {
	db *bolt.DB
}

// OpenArtifactStore opens (or creates) the store at path.
func OpenArtifactStore(path string) (*ArtifactStore, error) {
	if path == "" {
		return nil, &ValidationError{Field: "path", Reason: "must not be empty"}
	}
	db, err := bolt.Open(path, 0o644, &bolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return nil, &StorageError{Op: "open", Err: err}
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{bucketArtifacts, bucketThreads, bucketCorrespondents, bucketEmbeddings} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, &StorageError{Op: "init", Err: err}
	}
	return &ArtifactStore{db: db}, nil
}

// Close releases the underlying database file.
func (s *ArtifactStore) Close() error {
	if err := s.db.Close(); err != nil {
		return &StorageError{Op: "close", Err: err}
	}
	return nil
}

// Put appends one artifact. The store assigns the id and, when unset, the
// creation time. The write is durable once Put returns. The stored copy is
// returned; the caller's value is not modified.
func (s *ArtifactStore) Put(a Artifact) (Artifact, error) {
	if err := a.Validate(); err != nil {
		return Artifact{}, err
	}
	if a.Created.IsZero() {
		a.Created = time.Now().UTC()
	}
	a.Created = a.Created.UTC()

	embedding := a.Embedding
	a.Embedding = nil

	err := s.db.Update(func(tx *bolt.Tx) error {
		artifacts := tx.Bucket(bucketArtifacts)
		seq, err := artifacts.NextSequence()
		if err != nil {
			return err
		}
		a.ID = seq

		row, err := json.Marshal(a)
		if err != nil {
			return err
		}
		if err := artifacts.Put(u64key(a.ID), row); err != nil {
			return err
		}

		threads, err := tx.Bucket(bucketThreads).CreateBucketIfNotExists([]byte(a.ThreadID))
		if err != nil {
			return err
		}
		if err := threads.Put(indexKey(a.Created, a.ID), u64key(a.ID)); err != nil {
			return err
		}

		if a.Correspondent != "" {
			corr, err := tx.Bucket(bucketCorrespondents).CreateBucketIfNotExists([]byte(a.Correspondent))
			if err != nil {
				return err
			}
			if err := corr.Put(indexKey(a.Created, a.ID), u64key(a.ID)); err != nil {
				return err
			}
		}

		if len(embedding) > 0 {
			if err := tx.Bucket(bucketEmbeddings).Put(u64key(a.ID), encodeVector(embedding)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return Artifact{}, &StorageError{Op: "put", Err: err}
	}
	a.Embedding = embedding
	return a, nil
}

// Count returns the total number of artifacts recorded for a thread.
func (s *ArtifactStore) Count(threadID string) (int, error) {
	var n int
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketThreads).Bucket([]byte(threadID))
		if b == nil {
			return nil
		}
		n = b.Stats().KeyN
		return nil
	})
	if err != nil {
		return 0, &StorageError{Op: "count", Err: err}
	}
	return n, nil
}

// Get loads a single artifact by id, without its cached embedding.
func (s *ArtifactStore) Get(id uint64) (Artifact, error) {
	var a Artifact
	err := s.db.View(func(tx *bolt.Tx) error {
		row := tx.Bucket(bucketArtifacts).Get(u64key(id))
		if row == nil {
			return fmt.Errorf("artifact %d not found", id)
		}
		return json.Unmarshal(row, &a)
	})
	if err != nil {
		return Artifact{}, &StorageError{Op: "get", Err: err}
	}
	return a, nil
}

// Embedding returns the cached embedding for an artifact, or nil when none has
// been computed yet.
func (s *ArtifactStore) Embedding(id uint64) ([]float32, error) {
	var vec []float32
	err := s.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(bucketEmbeddings).Get(u64key(id))
		if raw == nil {
			return nil
		}
		vec = decodeVector(raw)
		return nil
	})
	if err != nil {
		return nil, &StorageError{Op: "embedding", Err: err}
	}
	return vec, nil
}

// SaveEmbedding caches a lazily computed embedding for an artifact. The
// artifact row itself is never rewritten.
func (s *ArtifactStore) SaveEmbedding(id uint64, vec []float32) error {
	if len(vec) == 0 {
		return &ValidationError{Field: "embedding", Reason: "must not be empty"}
	}
	err := s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketEmbeddings).Put(u64key(id), encodeVector(vec))
	})
	if err != nil {
		return &StorageError{Op: "save embedding", Err: err}
	}
	return nil
}

// ArtifactQuery selects artifacts by thread or by correspondent, filtered by
// kind set and optional time cutoff. Exactly one of ThreadID or Correspondent
// must be set; ExcludeThreadID drops same-thread rows from correspondent scans.
type ArtifactQuery struct {
	ThreadID        string
	Correspondent   string
	ExcludeThreadID string
	Kinds           []Kind
	Limit           int
	Before          time.Time
}

// Query returns a lazy, restartable iterator over matching artifacts ordered by
// recency descending. Nothing is read until Next is called; Reset rewinds to
// the newest matching artifact.
func (s *ArtifactStore) Query(q ArtifactQuery) *ArtifactIterator {
	it := &ArtifactIterator{store: s, query: q}
	if q.ThreadID == "" && q.Correspondent == "" {
		it.err = &ValidationError{Field: "query", Reason: "thread_id or correspondent required"}
	}
	if q.ThreadID != "" && q.Correspondent != "" {
		it.err = &ValidationError{Field: "query", Reason: "thread_id and correspondent are mutually exclusive"}
	}
	return it
}

// ArtifactIterator walks a query result newest-first. Each page of results is
// read in its own short-lived transaction, so iteration never pins the store.
type ArtifactIterator struct {
	store *ArtifactStore
	query ArtifactQuery

	page     []Artifact
	pos      int
	lastKey  []byte
	yielded  int
	drained  bool
	err      error
	current  Artifact
	hasValue bool
}

// Next advances to the next artifact. It returns false when the sequence is
// exhausted or an error occurred; check Err afterwards.
func (it *ArtifactIterator) Next() bool {
	it.hasValue = false
	if it.err != nil || it.drained {
		return false
	}
	if it.query.Limit > 0 && it.yielded >= it.query.Limit {
		it.drained = true
		return false
	}
	if it.pos >= len(it.page) {
		if err := it.fill(); err != nil {
			it.err = err
			return false
		}
		if len(it.page) == 0 {
			it.drained = true
			return false
		}
	}
	it.current = it.page[it.pos]
	it.pos++
	it.yielded++
	it.hasValue = true
	return true
}

// Artifact returns the artifact Next positioned on.
func (it *ArtifactIterator) Artifact() Artifact {
	if !it.hasValue {
		panic("ArtifactIterator: Artifact called before Next")
	}
	return it.current
}

// Err reports the first error encountered during iteration.
func (it *ArtifactIterator) Err() error { return it.err }

// Reset rewinds the iterator so the sequence can be replayed from the top.
func (it *ArtifactIterator) Reset() {
	it.page = nil
	it.pos = 0
	it.lastKey = nil
	it.yielded = 0
	it.drained = false
	it.err = nil
	it.hasValue = false
}

// Collect drains the iterator into a slice. Mostly a test convenience.
func (it *ArtifactIterator) Collect() ([]Artifact, error) {
	var out []Artifact
	for it.Next() {
		out = append(out, it.Artifact())
	}
	return out, it.Err()
}

func (it *ArtifactIterator) fill() error {
	it.page = it.page[:0]
	it.pos = 0

	kindSet := map[Kind]bool{}
	for _, k := range it.query.Kinds {
		kindSet[k] = true
	}

	err := it.store.db.View(func(tx *bolt.Tx) error {
		var index *bolt.Bucket
		if it.query.ThreadID != "" {
			index = tx.Bucket(bucketThreads).Bucket([]byte(it.query.ThreadID))
		} else {
			index = tx.Bucket(bucketCorrespondents).Bucket([]byte(it.query.Correspondent))
		}
		if index == nil {
			return nil
		}
		artifacts := tx.Bucket(bucketArtifacts)

		c := index.Cursor()
		var k, v []byte
		if it.lastKey == nil {
			k, v = c.Last()
		} else {
			// Position on the last key we handed out, then step past it.
			k, v = c.Seek(it.lastKey)
			if k == nil {
				k, v = c.Last()
			} else if !bytes.Equal(k, it.lastKey) {
				// Seek landed after lastKey; walk back to it or before it.
				k, v = c.Prev()
			}
			if k != nil && bytes.Equal(k, it.lastKey) {
				k, v = c.Prev()
			}
		}

		for ; k != nil && len(it.page) < queryPageSize; k, v = c.Prev() {
			it.lastKey = append(it.lastKey[:0], k...)

			row := artifacts.Get(v)
			if row == nil {
				continue
			}
			var a Artifact
			if err := json.Unmarshal(row, &a); err != nil {
				return err
			}
			if !it.query.Before.IsZero() && !a.Created.Before(it.query.Before) {
				continue
			}
			if len(kindSet) > 0 && !kindSet[a.Kind] {
				continue
			}
			if it.query.ExcludeThreadID != "" && a.ThreadID == it.query.ExcludeThreadID {
				continue
			}
			it.page = append(it.page, a)
		}
		if k == nil {
			// Cursor ran off the front: mark drained once the page is consumed.
			it.lastKey = append(it.lastKey[:0], zeroKey...)
		}
		return nil
	})
	if err != nil {
		return &StorageError{Op: "query", Err: err}
	}
	if bytes.Equal(it.lastKey, zeroKey) && len(it.page) == 0 {
		it.drained = true
	}
	return nil
}

var zeroKey = make([]byte, 16)

func u64key(id uint64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], id)
	return b[:]
}

// indexKey orders index rows by creation time, then id. Big-endian packing
// makes byte order match chronological order.
func indexKey(t time.Time, id uint64) []byte {
	var b [16]byte
	binary.BigEndian.PutUint64(b[:8], uint64(t.UnixNano()))
	binary.BigEndian.PutUint64(b[8:], id)
	return b[:]
}

func encodeVector(vec []float32) []byte {
	out := make([]byte, 4*len(vec))
	for i, f := range vec {
		binary.BigEndian.PutUint32(out[i*4:], math.Float32bits(f))
	}
	return out
}

func decodeVector(raw []byte) []float32 {
	out := make([]float32, len(raw)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.BigEndian.Uint32(raw[i*4:]))
	}
	return out
}
