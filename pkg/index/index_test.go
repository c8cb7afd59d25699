package index

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/docmesh/docmesh/pkg/model"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()

	s, err := Open(filepath.Join(t.TempDir(), "index.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestStore_ApplyAndGet(t *testing.T) {
	s := openTestStore(t)

	doc := model.Document{
		ID:          "doc1",
		Filename:    "a.txt",
		ContentRef:  "ref1",
		Fingerprint: "fp1",
	}
	require.NoError(t, s.Apply(doc))

	got, found, err := s.Get("doc1")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "a.txt", got.Filename)
	assert.Equal(t, uint64(1), got.Version)

	_, found, err = s.Get("doc2")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestStore_ApplyIsIdempotent(t *testing.T) {
	s := openTestStore(t)

	doc := model.Document{ID: "doc1", Filename: "a.txt", ContentRef: "ref1"}
	require.NoError(t, s.Apply(doc))
	require.NoError(t, s.Apply(doc))

	version, err := s.Version()
	require.NoError(t, err)
	assert.Equal(t, uint64(1), version)

	docs, err := s.List()
	require.NoError(t, err)
	assert.Len(t, docs, 1)
}

func TestStore_VersionGrowsPerCommit(t *testing.T) {
	s := openTestStore(t)

	require.NoError(t, s.Apply(model.Document{ID: "doc1", ContentRef: "ref1"}))
	require.NoError(t, s.Apply(model.Document{ID: "doc2", ContentRef: "ref2"}))
	require.NoError(t, s.Apply(model.Document{ID: "doc3", ContentRef: "ref3"}))

	version, err := s.Version()
	require.NoError(t, err)
	assert.Equal(t, uint64(3), version)

	docs, err := s.List()
	require.NoError(t, err)
	require.Len(t, docs, 3)
	// commit order is preserved
	assert.Equal(t, []string{"doc1", "doc2", "doc3"}, []string{docs[0].ID, docs[1].ID, docs[2].ID})
}

func TestStore_GetByRef(t *testing.T) {
	s := openTestStore(t)

	require.NoError(t, s.Apply(model.Document{ID: "doc1", ContentRef: "ref1"}))
	require.NoError(t, s.Apply(model.Document{ID: "doc2", ContentRef: "ref2"}))

	doc, found, err := s.GetByRef("ref2")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "doc2", doc.ID)

	_, found, err = s.GetByRef("ref9")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestStore_HasFingerprint(t *testing.T) {
	s := openTestStore(t)

	require.NoError(t, s.Apply(model.Document{ID: "doc1", ContentRef: "ref1", Fingerprint: "fp1"}))

	found, err := s.HasFingerprint("fp1")
	require.NoError(t, err)
	assert.True(t, found)

	found, err = s.HasFingerprint("fp2")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestStore_Reopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "index.db")

	s, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, s.Apply(model.Document{ID: "doc1", ContentRef: "ref1"}))
	require.NoError(t, s.Close())

	s, err = Open(path)
	require.NoError(t, err)
	defer s.Close()

	version, err := s.Version()
	require.NoError(t, err)
	assert.Equal(t, uint64(1), version)

	_, found, err := s.Get("doc1")
	require.NoError(t, err)
	assert.True(t, found)
}
