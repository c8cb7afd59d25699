package cluster

import (
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/docmesh/docmesh/pkg/model"
)

func newTestRegistry(t *testing.T) (*Registry, *time.Time) {
	t.Helper()

	r := NewRegistry(model.Node{ID: "self", Address: "self:1"}, slog.Default())
	now := time.Now()
	r.now = func() time.Time { return now }
	return r, &now
}

func TestRegistry_TouchRegistersPeers(t *testing.T) {
	r, _ := newTestRegistry(t)

	assert.Equal(t, 1, r.LiveCount())

	r.Touch(model.Node{ID: "peer1", Address: "peer1:1"})
	r.Touch(model.Node{ID: "peer2", Address: "peer2:1"})
	assert.Equal(t, 3, r.LiveCount())

	// repeated contact only refreshes
	r.Touch(model.Node{ID: "peer1", Address: "peer1:1"})
	assert.Equal(t, 3, r.LiveCount())

	live := r.Live()
	require.Len(t, live, 3)
	assert.Equal(t, []string{"peer1", "peer2", "self"}, []string{live[0].ID, live[1].ID, live[2].ID})
}

func TestRegistry_ExpireSilent(t *testing.T) {
	r, now := newTestRegistry(t)

	r.Touch(model.Node{ID: "peer1", Address: "peer1:1"})
	r.Touch(model.Node{ID: "peer2", Address: "peer2:1"})

	// peer1 stays in contact, peer2 goes silent
	*now = now.Add(20 * time.Second)
	r.Touch(model.Node{ID: "peer1", Address: "peer1:1"})
	*now = now.Add(15 * time.Second)

	expired := r.ExpireSilent(30 * time.Second)
	assert.Equal(t, 1, expired)
	assert.Equal(t, 2, r.LiveCount())

	peer2, ok := r.Lookup("peer2")
	require.True(t, ok)
	assert.Equal(t, model.PeerStatusInactive, peer2.Status)

	// silent peers are kept, not deleted, and revive on contact
	r.Touch(model.Node{ID: "peer2", Address: "peer2:1"})
	assert.Equal(t, 3, r.LiveCount())
}

func TestRegistry_SelfNeverExpires(t *testing.T) {
	r, now := newTestRegistry(t)

	*now = now.Add(time.Hour)
	assert.Equal(t, 0, r.ExpireSilent(30*time.Second))
	assert.Equal(t, 1, r.LiveCount())
}

func TestQuorum(t *testing.T) {
	tests := []struct {
		members int
		quorum  int
	}{
		{1, 1},
		{2, 2},
		{3, 2},
		{4, 3},
		{5, 3},
		{6, 4},
		{7, 4},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.quorum, Quorum(tt.members), "members=%d", tt.members)
	}
}
