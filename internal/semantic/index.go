package semantic

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/brutev/fd-agent/internal/errors"
)

// Collections kept by the index
const (
	CollectionEntities       = "entities"
	CollectionChangeRequests = "change_requests"
	CollectionRequirements   = "requirements"
)

// Document is one text to index
type Document struct {
	ID     string
	Text   string
	Labels map[string]string
}

// Hit is a query result
type Hit struct {
	ID     string            `json:"id"`
	Score  float64           `json:"score"`
	Labels map[string]string `json:"labels,omitempty"`
}

// SyncStats counts what a Sync did
type SyncStats struct {
	Embedded int `json:"embedded"`
	Skipped  int `json:"skipped"`
	Deleted  int `json:"deleted"`
}

// record is the stored form of a document
type record struct {
	Hash   string            `json:"hash"`
	Model  string            `json:"model"`
	Labels map[string]string `json:"labels,omitempty"`
	Vector []float32         `json:"vector"`
}

// Index stores document vectors in bbolt, one bucket per collection.
// Vectors are recomputed only when a document's text hash or the
// embedder model changes.
type Index struct {
	db       *bolt.DB
	embedder Embedder
	timeout  time.Duration
	logger   *slog.Logger
}

// OpenIndex opens (creating if needed) the index file at path
func OpenIndex(path string, embedder Embedder, timeout time.Duration) (*Index, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, errors.FileSystemError(err, "create index directory")
	}
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return nil, errors.Wrapf(err, errors.ErrorTypeDatabase, errors.SeverityHigh, "open index %s", path)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range []string{CollectionEntities, CollectionChangeRequests, CollectionRequirements} {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, errors.DatabaseError(err, "create index buckets")
	}

	return &Index{
		db:       db,
		embedder: embedder,
		timeout:  timeout,
		logger:   slog.Default().With("component", "semantic_index", "model", embedder.Model()),
	}, nil
}

// Close closes the index file
func (ix *Index) Close() error {
	return ix.db.Close()
}

// Model returns the embedder model of the index
func (ix *Index) Model() string {
	return ix.embedder.Model()
}

// Upsert indexes one document
func (ix *Index) Upsert(ctx context.Context, collection, id, text string, labels map[string]string) error {
	_, err := ix.SyncCollection(ctx, collection, []Document{{ID: id, Text: text, Labels: labels}}, false)
	return err
}

// Delete removes a document; deleting a missing id is not an error
func (ix *Index) Delete(ctx context.Context, collection, id string) error {
	err := ix.db.Update(func(tx *bolt.Tx) error {
		b, err := bucket(tx, collection)
		if err != nil {
			return err
		}
		return b.Delete([]byte(id))
	})
	if err != nil {
		return errors.DatabaseErrorf(err, "delete %s/%s", collection, id)
	}
	return nil
}

// Sync makes the entities collection hold exactly docs
func (ix *Index) Sync(ctx context.Context, docs []Document) (*SyncStats, error) {
	return ix.SyncCollection(ctx, CollectionEntities, docs, true)
}

// SyncCollection upserts docs into collection. Documents whose text hash
// and model are unchanged are skipped. With prune set, ids absent from
// docs are deleted.
func (ix *Index) SyncCollection(ctx context.Context, collection string, docs []Document, prune bool) (*SyncStats, error) {
	stats := &SyncStats{}
	model := ix.embedder.Model()

	wanted := make(map[string]bool, len(docs))
	var pending []Document
	var hashes []string
	err := ix.db.View(func(tx *bolt.Tx) error {
		b, err := bucket(tx, collection)
		if err != nil {
			return err
		}
		for _, d := range docs {
			wanted[d.ID] = true
			hash := TextHash(d.Text)
			if raw := b.Get([]byte(d.ID)); raw != nil {
				var rec record
				if json.Unmarshal(raw, &rec) == nil && rec.Hash == hash && rec.Model == model && labelsEqual(rec.Labels, d.Labels) {
					stats.Skipped++
					continue
				}
			}
			pending = append(pending, d)
			hashes = append(hashes, hash)
		}
		return nil
	})
	if err != nil {
		return nil, errors.DatabaseErrorf(err, "read %s", collection)
	}

	var vectors [][]float32
	if len(pending) > 0 {
		texts := make([]string, len(pending))
		for i, d := range pending {
			texts[i] = d.Text
		}
		vectors, err = ix.embed(ctx, texts)
		if err != nil {
			return nil, err
		}
	}

	err = ix.db.Update(func(tx *bolt.Tx) error {
		b, err := bucket(tx, collection)
		if err != nil {
			return err
		}
		for i, d := range pending {
			raw, err := json.Marshal(record{Hash: hashes[i], Model: model, Labels: d.Labels, Vector: vectors[i]})
			if err != nil {
				return err
			}
			if err := b.Put([]byte(d.ID), raw); err != nil {
				return err
			}
			stats.Embedded++
		}
		if !prune {
			return nil
		}

		var stale [][]byte
		if err := b.ForEach(func(k, _ []byte) error {
			if !wanted[string(k)] {
				stale = append(stale, append([]byte(nil), k...))
			}
			return nil
		}); err != nil {
			return err
		}
		for _, k := range stale {
			if err := b.Delete(k); err != nil {
				return err
			}
			stats.Deleted++
		}
		return nil
	})
	if err != nil {
		return nil, errors.DatabaseErrorf(err, "write %s", collection)
	}

	ix.logger.Debug("index synced",
		"collection", collection,
		"embedded", stats.Embedded,
		"skipped", stats.Skipped,
		"deleted", stats.Deleted)
	return stats, nil
}

// Query returns the k documents of collection most similar to text,
// ranked by score then id. k <= 0 returns every document. Documents
// embedded by another model are ignored.
func (ix *Index) Query(ctx context.Context, collection, text string, k int) ([]Hit, error) {
	vectors, err := ix.embed(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	query := vectors[0]
	model := ix.embedder.Model()

	var hits []Hit
	err = ix.db.View(func(tx *bolt.Tx) error {
		b, err := bucket(tx, collection)
		if err != nil {
			return err
		}
		return b.ForEach(func(key, raw []byte) error {
			var rec record
			if err := json.Unmarshal(raw, &rec); err != nil {
				return fmt.Errorf("decode %s: %w", key, err)
			}
			if rec.Model != model {
				return nil
			}
			hits = append(hits, Hit{ID: string(key), Score: Cosine(query, rec.Vector), Labels: rec.Labels})
			return nil
		})
	})
	if err != nil {
		return nil, errors.DatabaseErrorf(err, "query %s", collection)
	}

	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		return hits[i].ID < hits[j].ID
	})
	if k > 0 && len(hits) > k {
		hits = hits[:k]
	}
	return hits, nil
}

// Count returns the number of documents in collection
func (ix *Index) Count(collection string) (int, error) {
	n := 0
	err := ix.db.View(func(tx *bolt.Tx) error {
		b, err := bucket(tx, collection)
		if err != nil {
			return err
		}
		n = b.Stats().KeyN
		return nil
	})
	return n, err
}

// embed calls the embedder under the index timeout. Any failure is
// reported as IndexUnavailable so callers can degrade.
func (ix *Index) embed(ctx context.Context, texts []string) ([][]float32, error) {
	if ix.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, ix.timeout)
		defer cancel()
	}
	vectors, err := ix.embedder.Embed(ctx, texts)
	if err != nil {
		ix.logger.Warn("embedding failed", "texts", len(texts), "error", err)
		return nil, errors.IndexUnavailable(err, "embedding backend unavailable")
	}
	if len(vectors) != len(texts) {
		return nil, errors.IndexUnavailable(
			fmt.Errorf("got %d vectors for %d texts", len(vectors), len(texts)),
			"embedding backend returned a short batch")
	}
	return vectors, nil
}

func bucket(tx *bolt.Tx, collection string) (*bolt.Bucket, error) {
	b := tx.Bucket([]byte(collection))
	if b == nil {
		return nil, fmt.Errorf("unknown collection %q: %w", collection, bolt.ErrBucketNotFound)
	}
	return b, nil
}

func labelsEqual(a, b map[string]string) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		if b[k] != v {
			return false
		}
	}
	return true
}
