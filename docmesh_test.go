package docmesh

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/docmesh/docmesh/pkg/model"
	"github.com/docmesh/docmesh/pkg/search"
	"github.com/docmesh/docmesh/pkg/storage"
	"github.com/docmesh/docmesh/pkg/transport/inmem"
)

// newTestMesh starts n nodes on one in-memory fabric sharing a content
// store, and waits until they elect a leader. The fabric is returned so
// tests can cut links.
func newTestMesh(t *testing.T, n int) ([]*Mesh, *inmem.Network) {
	t.Helper()

	network := inmem.NewNetwork()
	store := storage.NewMemory()
	logger := slog.Default()

	var peers []Node
	for i := 0; i < n; i++ {
		id := fmt.Sprintf("node%d", i)
		peers = append(peers, Node{ID: id, Address: id})
	}

	var meshes []*Mesh
	for i, self := range peers {
		m, err := NewMesh(
			&Config{
				Node:              self,
				Peers:             peers,
				HeartBeatInterval: 50,
				ElectTimeoutMin:   150,
				ElectTimeoutMax:   300,
				SessionTTL:        30,
				PrepareTimeout:    5,
				GCSweepInterval:   1,
				IndexPath:         filepath.Join(t.TempDir(), fmt.Sprintf("index%d.db", i)),
			},
			inmem.NewTransport(network, self.ID),
			&inmem.Config{},
			store,
			search.NewListEngine(),
			logger)
		require.NoError(t, err)
		require.NoError(t, m.Run())
		meshes = append(meshes, m)
	}
	t.Cleanup(func() {
		for _, m := range meshes {
			_ = m.Stop()
		}
	})

	require.Eventually(t, func() bool {
		leaders := 0
		for _, m := range meshes {
			if m.IsLeader() {
				leaders++
			}
		}
		return leaders == 1
	}, 10*time.Second, 50*time.Millisecond, "no single leader emerged")

	return meshes, network
}

func leaderOf(meshes []*Mesh) *Mesh {
	for _, m := range meshes {
		if m.IsLeader() {
			return m
		}
	}
	return nil
}

func TestMesh_ElectsSingleLeader(t *testing.T) {
	meshes, _ := newTestMesh(t, 3)
	leader := leaderOf(meshes)
	require.NotNil(t, leader)

	// followers agree on the leader
	require.Eventually(t, func() bool {
		for _, m := range meshes {
			if m.LeaderID() != leader.node.ID {
				return false
			}
		}
		return true
	}, 5*time.Second, 50*time.Millisecond)
}

func TestMesh_UploadCommitsEverywhere(t *testing.T) {
	meshes, _ := newTestMesh(t, 3)
	leader := leaderOf(meshes)
	require.NotNil(t, leader)

	sessionID, err := leader.AddDocument("report.txt", []byte("the quarterly numbers"))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		session, _, ok := leader.Session(sessionID)
		return ok && session.State == model.SessionApproved
	}, 5*time.Second, 50*time.Millisecond, "session did not approve")

	// replication lands the document on every node
	require.Eventually(t, func() bool {
		for _, m := range meshes {
			docs, err := m.Documents()
			if err != nil || len(docs) != 1 {
				return false
			}
		}
		return true
	}, 5*time.Second, 50*time.Millisecond, "document did not reach all nodes")

	docs, err := leader.Documents()
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.Equal(t, "report.txt", docs[0].Filename)

	// the content is retrievable through any node
	for _, m := range meshes {
		doc, content, err := m.Download(context.Background(), docs[0].ID)
		require.NoError(t, err)
		assert.Equal(t, "report.txt", doc.Filename)
		assert.Equal(t, []byte("the quarterly numbers"), content)
	}
}

func TestMesh_FollowerRejectsUploads(t *testing.T) {
	meshes, _ := newTestMesh(t, 3)

	for _, m := range meshes {
		if m.IsLeader() {
			continue
		}
		_, err := m.AddDocument("a.txt", []byte("content"))
		require.Error(t, err)
		return
	}
	t.Fatal("no follower found")
}

func TestMesh_SearchFindsCommittedDocument(t *testing.T) {
	meshes, _ := newTestMesh(t, 3)
	leader := leaderOf(meshes)
	require.NotNil(t, leader)

	_, err := leader.AddDocument("notes.txt", []byte("searchable notes"))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		session, err := leader.Search(context.Background(), nil, 5)
		return err == nil && len(session.Results) == 1
	}, 5*time.Second, 100*time.Millisecond, "search never returned the document")

	session, err := leader.Search(context.Background(), nil, 5)
	require.NoError(t, err)
	require.NotEmpty(t, session.Token)

	cached, ok := leader.SearchResult(session.QueryId, session.Token)
	require.True(t, ok)
	assert.True(t, cached.Done)
}

func TestMesh_ReelectsAfterLeaderPartition(t *testing.T) {
	meshes, network := newTestMesh(t, 3)
	leader := leaderOf(meshes)
	require.NotNil(t, leader)
	oldTerm := leader.Status().Term

	// silence the leader in both directions
	network.Isolate(leader.node.ID)

	// a survivor wins a fresh election at a higher term
	require.Eventually(t, func() bool {
		for _, m := range meshes {
			if m == leader {
				continue
			}
			if m.IsLeader() && m.Status().Term > oldTerm {
				return true
			}
		}
		return false
	}, 10*time.Second, 50*time.Millisecond, "no new leader emerged after the partition")
}

func TestMesh_PruneUploadsDropsExpired(t *testing.T) {
	network := inmem.NewNetwork()
	m, err := NewMesh(
		&Config{
			Node:      Node{ID: "solo", Address: "solo"},
			IndexPath: filepath.Join(t.TempDir(), "index.db"),
		},
		inmem.NewTransport(network, "solo"),
		&inmem.Config{},
		storage.NewMemory(),
		search.NewListEngine(),
		slog.Default())
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.index.Close() })

	m.uploadMu.Lock()
	m.uploads["stale"] = &upload{documentID: "d1", expiresAt: time.Now().Add(-time.Minute)}
	m.uploads["fresh"] = &upload{documentID: "d2", expiresAt: time.Now().Add(time.Minute)}
	m.uploadMu.Unlock()

	m.pruneUploads(time.Now())

	m.uploadMu.Lock()
	defer m.uploadMu.Unlock()
	assert.NotContains(t, m.uploads, "stale")
	assert.Contains(t, m.uploads, "fresh")
}

func TestMesh_StopIsIdempotent(t *testing.T) {
	meshes, _ := newTestMesh(t, 3)

	require.NoError(t, meshes[0].Stop())
	assert.NotPanics(t, func() { _ = meshes[0].Stop() })
}

func TestMesh_StatusSnapshot(t *testing.T) {
	meshes, _ := newTestMesh(t, 3)
	leader := leaderOf(meshes)
	require.NotNil(t, leader)

	status := leader.Status()
	assert.Equal(t, "leader", status.State)
	assert.GreaterOrEqual(t, status.Term, uint64(1))
	assert.Len(t, status.Peers, 3)
}
