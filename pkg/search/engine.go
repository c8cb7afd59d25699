// Package search routes query vectors across the cluster in round-robin
// order. The semantic engine itself is an external collaborator consumed
// through the Engine interface.
package search

import (
	"context"
	"sync"

	"github.com/docmesh/docmesh/pkg/model"
)

// Engine is the embedding-based search collaborator. Index is invoked only
// after a commit transaction reaches the commit phase.
type Engine interface {
	// Index registers a committed document with the engine.
	Index(ctx context.Context, documentID, contentRef string) error
	// Query returns up to k document hits ranked by relevance.
	Query(ctx context.Context, vector []float32, k int) ([]model.SearchHit, error)
}

// ListEngine is a minimal in-process Engine that ranks documents by how
// recently they were indexed. It stands in for a real vector engine in
// single-node setups and tests.
type ListEngine struct {
	mu   sync.RWMutex
	docs []model.SearchHit
}

func NewListEngine() *ListEngine {
	return &ListEngine{}
}

func (e *ListEngine) Index(_ context.Context, documentID, contentRef string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.docs = append(e.docs, model.SearchHit{
		DocumentId: documentID,
		ContentRef: contentRef,
	})
	return nil
}

func (e *ListEngine) Query(_ context.Context, _ []float32, k int) ([]model.SearchHit, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	var hits []model.SearchHit
	for i := len(e.docs) - 1; i >= 0 && len(hits) < k; i-- {
		hit := e.docs[i]
		hit.Rank = len(hits) + 1
		hits = append(hits, hit)
	}
	return hits, nil
}
