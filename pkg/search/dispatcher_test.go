package search

import (
	"context"
	"fmt"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/docmesh/docmesh/pkg/cluster"
	"github.com/docmesh/docmesh/pkg/config"
	"github.com/docmesh/docmesh/pkg/model"
	"github.com/docmesh/docmesh/pkg/transport/inmem"
)

func testConfig() *config.Config {
	return &config.Config{
		RequestTimeout:   time.Second,
		SearchSessionTTL: time.Minute,
	}
}

// newSearchCluster wires n dispatchers over an in-memory fabric. Each
// engine holds one document named after its node so tests can tell where
// a query ran.
func newSearchCluster(t *testing.T, n int) (map[string]*Dispatcher, *inmem.Network) {
	t.Helper()

	network := inmem.NewNetwork()
	logger := slog.Default()

	var nodes []model.Node
	for i := 0; i < n; i++ {
		id := fmt.Sprintf("node%d", i)
		nodes = append(nodes, model.Node{ID: id, Address: id})
	}

	dispatchers := make(map[string]*Dispatcher, n)
	for _, node := range nodes {
		registry := cluster.NewRegistry(node, logger)
		for _, other := range nodes {
			registry.Touch(other)
		}

		engine := NewListEngine()
		require.NoError(t, engine.Index(context.Background(), "doc-"+node.ID, "ref-"+node.ID))

		trans := inmem.NewTransport(network, node.ID)
		d, err := NewDispatcher(node, registry, trans, engine, testConfig(), logger)
		require.NoError(t, err)
		dispatchers[node.ID] = d

		dd := d
		require.NoError(t, trans.Start(node.Address, func(req *model.Request, resp *model.Response) error {
			args := &model.SearchRequest{}
			if err := trans.Decode(req.Command, args); err != nil {
				return err
			}
			reply := &model.SearchResponse{}
			if err := dd.HandleSearch(args, reply); err != nil {
				return err
			}
			resp.CommandResponse = reply
			return nil
		}, &inmem.Config{}))
	}
	return dispatchers, network
}

func TestDispatcher_RoundRobinCoversAllPeers(t *testing.T) {
	dispatchers, _ := newSearchCluster(t, 3)
	d := dispatchers["node0"]

	// one full rotation touches every live node exactly once
	seen := make(map[string]int)
	for i := 0; i < 6; i++ {
		session, err := d.Dispatch(context.Background(), nil, 1)
		require.NoError(t, err)
		seen[session.TargetPeerId]++

		require.Len(t, session.Results, 1)
		assert.Equal(t, "doc-"+session.TargetPeerId, session.Results[0].DocumentId)
	}

	assert.Len(t, seen, 3)
	for id, count := range seen {
		assert.Equal(t, 2, count, "node %s", id)
	}
}

func TestDispatcher_FallsBackPastDeadPeers(t *testing.T) {
	dispatchers, network := newSearchCluster(t, 3)
	d := dispatchers["node0"]
	network.Cut("node0", "node1")
	network.Cut("node0", "node2")

	// every query lands on self, the only reachable node
	for i := 0; i < 4; i++ {
		session, err := d.Dispatch(context.Background(), nil, 1)
		require.NoError(t, err)
		assert.Equal(t, "node0", session.TargetPeerId)
	}
}

func TestDispatcher_SessionLookupNeedsToken(t *testing.T) {
	dispatchers, _ := newSearchCluster(t, 1)
	d := dispatchers["node0"]

	session, err := d.Dispatch(context.Background(), nil, 1)
	require.NoError(t, err)
	require.NotEmpty(t, session.Token)

	got, ok := d.Session(session.QueryId, session.Token)
	require.True(t, ok)
	assert.Equal(t, session.QueryId, got.QueryId)
	assert.True(t, got.Done)

	_, ok = d.Session(session.QueryId, "wrong-token")
	assert.False(t, ok)
	_, ok = d.Session("wrong-query", session.Token)
	assert.False(t, ok)
}

func TestDispatcher_ExpireStale(t *testing.T) {
	dispatchers, _ := newSearchCluster(t, 1)
	d := dispatchers["node0"]

	session, err := d.Dispatch(context.Background(), nil, 1)
	require.NoError(t, err)

	assert.Equal(t, 0, d.ExpireStale(time.Now()))
	assert.Equal(t, 1, d.ExpireStale(time.Now().Add(2*time.Minute)))

	_, ok := d.Session(session.QueryId, session.Token)
	assert.False(t, ok)
}

func TestListEngine_QueryRanksByRecency(t *testing.T) {
	engine := NewListEngine()
	ctx := context.Background()
	require.NoError(t, engine.Index(ctx, "doc1", "ref1"))
	require.NoError(t, engine.Index(ctx, "doc2", "ref2"))
	require.NoError(t, engine.Index(ctx, "doc3", "ref3"))

	hits, err := engine.Query(ctx, nil, 2)
	require.NoError(t, err)
	require.Len(t, hits, 2)
	assert.Equal(t, "doc3", hits[0].DocumentId)
	assert.Equal(t, 1, hits[0].Rank)
	assert.Equal(t, "doc2", hits[1].DocumentId)
}

func TestDispatcher_SoloNodeRunsLocally(t *testing.T) {
	logger := slog.Default()
	node := model.Node{ID: "solo", Address: "solo"}
	registry := cluster.NewRegistry(node, logger)

	d, err := NewDispatcher(node, registry, inmem.NewTransport(inmem.NewNetwork(), "solo"),
		NewListEngine(), testConfig(), logger)
	require.NoError(t, err)

	session, err := d.Dispatch(context.Background(), nil, 1)
	require.NoError(t, err)
	assert.Equal(t, "solo", session.TargetPeerId)
	assert.Empty(t, session.Results)
}
