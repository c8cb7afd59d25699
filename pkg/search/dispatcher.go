package search

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/docmesh/docmesh/pkg/cluster"
	"github.com/docmesh/docmesh/pkg/common"
	"github.com/docmesh/docmesh/pkg/config"
	"github.com/docmesh/docmesh/pkg/model"
)

func NewDispatcher(
	node model.Node,
	registry *cluster.Registry,
	trans model.Transport,
	engine Engine,
	cfg *config.Config,
	logger *slog.Logger) (*Dispatcher, error) {
	if logger == nil {
		return nil, fmt.Errorf("new search dispatcher, logger is nil")
	}
	if engine == nil {
		return nil, fmt.Errorf("new search dispatcher, engine is nil")
	}

	return &Dispatcher{
		node:      node,
		registry:  registry,
		transport: trans,
		engine:    engine,
		cfg:       cfg,
		sessions:  make(map[string]*model.SearchSession),
		logger:    logger.With("component", "search"),
		now:       time.Now,
	}, nil
}

// Dispatcher spreads queries across the live-peer set, self included, in
// round-robin order, falling through to the next peer on failure.
type Dispatcher struct {
	mu       sync.Mutex
	sessions map[string]*model.SearchSession
	cursor   int

	node      model.Node
	registry  *cluster.Registry
	transport model.Transport
	engine    Engine
	cfg       *config.Config
	logger    *slog.Logger

	// now is swappable for tests
	now func() time.Time
}

// Dispatch selects the next peer in rotation and runs the query there,
// locally when the rotation lands on self. Unresponsive peers are skipped;
// the request fails only when every live peer has been tried.
func (d *Dispatcher) Dispatch(ctx context.Context, vector []float32, k int) (model.SearchSession, error) {
	live := d.registry.Live()
	if len(live) == 0 {
		return model.SearchSession{}, common.ErrNoPeersAvailable
	}

	session := &model.SearchSession{
		QueryId:     uuid.NewString(),
		Token:       uuid.NewString(),
		QueryVector: vector,
		CreatedAt:   d.now(),
		ExpiresAt:   d.now().Add(d.cfg.SearchSessionTTL),
	}

	var lastErr error = common.ErrNoPeersAvailable
	for attempt := 0; attempt < len(live); attempt++ {
		target := d.nextTarget(live)

		results, err := d.runOn(ctx, target, session.QueryId, vector, k)
		if err != nil {
			d.logger.Warn("search target failed, trying next",
				"query", session.QueryId, "peer", target.ID, "error", err.Error())
			lastErr = err
			continue
		}

		session.TargetPeerId = target.ID
		session.Results = results
		session.Done = true

		d.mu.Lock()
		d.sessions[session.QueryId] = session
		d.mu.Unlock()

		d.logger.Info("search dispatched",
			"query", session.QueryId, "peer", target.ID, "hits", len(results))
		return *session, nil
	}

	return model.SearchSession{}, lastErr
}

// nextTarget advances the round-robin cursor over the live set. Over one
// full rotation every live peer is selected exactly once.
func (d *Dispatcher) nextTarget(live []model.Node) model.Node {
	d.mu.Lock()
	defer d.mu.Unlock()

	target := live[d.cursor%len(live)]
	d.cursor++
	return target
}

func (d *Dispatcher) runOn(ctx context.Context, target model.Node, queryID string, vector []float32, k int) ([]model.SearchHit, error) {
	if target.ID == d.node.ID {
		return d.engine.Query(ctx, vector, k)
	}

	resp := &model.Response{}
	err := d.transport.SendRequest(target.ID, &model.Request{
		Header:      model.Header{Node: d.node},
		CommandCode: model.Search,
		Command: &model.SearchRequest{
			QueryId:     queryID,
			QueryVector: vector,
			TopK:        k,
			OriginId:    d.node.ID,
		},
	}, resp)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", common.ErrPeerUnreachable, err.Error())
	}

	searchResp := &model.SearchResponse{}
	if err := d.transport.Decode(resp.CommandResponse, searchResp); err != nil {
		return nil, err
	}
	return searchResp.Results, nil
}

// HandleSearch runs a forwarded query against the local engine.
func (d *Dispatcher) HandleSearch(req *model.SearchRequest, reply *model.SearchResponse) error {
	ctx, cancel := context.WithTimeout(context.Background(), d.cfg.RequestTimeout)
	defer cancel()

	hits, err := d.engine.Query(ctx, req.QueryVector, req.TopK)
	if err != nil {
		d.logger.Error("local query failed", "query", req.QueryId, "error", err.Error())
		return err
	}

	reply.QueryId = req.QueryId
	reply.PeerId = d.node.ID
	reply.Results = hits
	return nil
}

// Session returns a cached search session; the token must match.
func (d *Dispatcher) Session(queryID, token string) (model.SearchSession, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	session, ok := d.sessions[queryID]
	if !ok || session.Token != token {
		return model.SearchSession{}, false
	}
	return *session, true
}

// ExpireStale evicts search sessions past their deadline and returns how
// many were dropped. Called by the garbage collector.
func (d *Dispatcher) ExpireStale(now time.Time) int {
	d.mu.Lock()
	defer d.mu.Unlock()

	evicted := 0
	for id, session := range d.sessions {
		if now.After(session.ExpiresAt) {
			delete(d.sessions, id)
			evicted++
		}
	}
	return evicted
}
