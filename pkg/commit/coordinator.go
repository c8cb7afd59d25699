// Package commit runs the two-phase commit protocol that replicates an
// approved document across live peers: a prepare round collects readiness
// acknowledgements, then an irrevocable commit or abort is broadcast.
package commit

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/docmesh/docmesh/pkg/cluster"
	"github.com/docmesh/docmesh/pkg/common"
	"github.com/docmesh/docmesh/pkg/config"
	"github.com/docmesh/docmesh/pkg/model"
	"github.com/docmesh/docmesh/pkg/storage"
)

// Applier makes a committed document visible in the local index and search
// engine. Invoked only when a transaction reaches the commit phase.
type Applier interface {
	Apply(doc model.Document) error
}

func NewCoordinator(
	node model.Node,
	registry *cluster.Registry,
	trans model.Transport,
	store storage.Network,
	applier Applier,
	cfg *config.Config,
	logger *slog.Logger) (*Coordinator, error) {
	if logger == nil {
		return nil, fmt.Errorf("new commit coordinator, logger is nil")
	}
	if store == nil {
		return nil, fmt.Errorf("new commit coordinator, storage is nil")
	}

	return &Coordinator{
		node:         node,
		registry:     registry,
		transport:    trans,
		store:        store,
		applier:      applier,
		cfg:          cfg,
		transactions: make(map[string]*model.CommitTransaction),
		pending:      make(map[string]*pendingEntry),
		logger:       logger.With("component", "commit"),
		now:          time.Now,
	}, nil
}

// pendingEntry is a peer-side prepared reference awaiting the decision.
type pendingEntry struct {
	doc        model.Document
	registered time.Time
}

// Coordinator holds the leader-owned transaction table and the peer-side
// pending registry.
type Coordinator struct {
	mu           sync.Mutex
	transactions map[string]*model.CommitTransaction
	pending      map[string]*pendingEntry

	node      model.Node
	registry  *cluster.Registry
	transport model.Transport
	store     storage.Network
	applier   Applier
	cfg       *config.Config
	logger    *slog.Logger

	// now is swappable for tests
	now func() time.Time
}

// Replicate stores the document bytes and drives a full two-phase commit
// of the approved session across the live peers. It returns the terminal
// transaction; phase abort comes with common.ErrTransactionAborted.
func (c *Coordinator) Replicate(ctx context.Context, session model.VotingSession, content []byte) (model.CommitTransaction, error) {
	if session.State != model.SessionApproved {
		return model.CommitTransaction{}, fmt.Errorf("session %s is %s, not approved", session.ID, session.State)
	}

	ref, err := c.store.Put(ctx, session.Filename, content)
	if err != nil {
		return model.CommitTransaction{}, err
	}

	// the peer set targeted in prepare is fixed here; membership changes
	// after this point do not alter this transaction's quorum math
	targets := c.livePeers()
	needed := cluster.Quorum(len(targets) + 1)

	tx := &model.CommitTransaction{
		ID:         uuid.NewString(),
		DocumentId: session.DocumentId,
		Filename:   session.Filename,
		ContentRef: ref,
		Phase:      model.TxPrepare,
		Acks:       map[string]bool{c.node.ID: true},
		CreatedAt:  c.now(),
	}

	c.mu.Lock()
	c.transactions[tx.ID] = tx
	// the leader's own pending entry, applied on commit like any peer's
	c.pending[tx.ID] = &pendingEntry{
		doc: model.Document{
			ID:          session.DocumentId,
			Filename:    session.Filename,
			ContentRef:  ref,
			Fingerprint: session.Fingerprint,
			AddedAt:     c.now(),
		},
		registered: c.now(),
	}
	c.mu.Unlock()

	c.logger.Info("transaction opened",
		"transaction", tx.ID, "document", session.DocumentId, "targets", len(targets), "needed", needed)

	acks := c.broadcastPrepare(ctx, tx, session, targets)

	c.mu.Lock()
	for peerID, ok := range acks {
		tx.Acks[peerID] = ok
	}
	ackCount := 0
	for _, ok := range tx.Acks {
		if ok {
			ackCount++
		}
	}
	c.mu.Unlock()

	if ackCount < needed {
		c.logger.Warn("prepare quorum not reached, aborting",
			"transaction", tx.ID, "acks", ackCount, "needed", needed)
		c.decide(tx, model.TxAbort, targets)
		return c.transaction(tx.ID), common.ErrTransactionAborted
	}

	c.decide(tx, model.TxCommit, targets)
	return c.transaction(tx.ID), nil
}

func (c *Coordinator) broadcastPrepare(ctx context.Context, tx *model.CommitTransaction, session model.VotingSession, targets []model.Node) map[string]bool {
	prepare := &model.PrepareRequest{
		TransactionId: tx.ID,
		DocumentId:    session.DocumentId,
		Filename:      session.Filename,
		ContentRef:    tx.ContentRef,
	}

	prepareCtx, cancel := context.WithTimeout(ctx, c.cfg.PrepareTimeout)
	defer cancel()

	var mu sync.Mutex
	acks := make(map[string]bool, len(targets))

	g, _ := errgroup.WithContext(prepareCtx)
	for _, peer := range targets {
		peerID := peer.ID
		g.Go(func() error {
			resp := &model.Response{}
			err := c.transport.SendRequest(peerID, &model.Request{
				Header:      model.Header{Node: c.node},
				CommandCode: model.Prepare,
				Command:     prepare,
			}, resp)
			if err != nil {
				// a peer that never answers prepare is excluded from the
				// replica set but does not block commit
				c.logger.Debug("prepare not delivered", "peer", peerID, "error", err.Error())
				return nil
			}
			ack := &model.PrepareAck{}
			if err := c.transport.Decode(resp.CommandResponse, ack); err != nil {
				c.logger.Error("bad prepare ack", "peer", peerID, "error", err.Error())
				return nil
			}

			mu.Lock()
			acks[ack.PeerId] = ack.Ok
			mu.Unlock()
			if !ack.Ok {
				c.logger.Info("peer nacked prepare", "peer", peerID, "reason", ack.Message)
			}
			return nil
		})
	}
	_ = g.Wait()
	return acks
}

// decide moves the transaction to its terminal phase and broadcasts it.
func (c *Coordinator) decide(tx *model.CommitTransaction, phase model.TxPhase, targets []model.Node) {
	c.mu.Lock()
	tx.Phase = phase
	c.mu.Unlock()

	code := model.Commit
	if phase == model.TxAbort {
		code = model.Abort
	}
	decision := &model.DecisionRequest{
		TransactionId: tx.ID,
		LeaderId:      c.node.ID,
	}

	g := errgroup.Group{}
	for _, peer := range targets {
		peerID := peer.ID
		g.Go(func() error {
			resp := &model.Response{}
			err := c.transport.SendRequest(peerID, &model.Request{
				Header:      model.Header{Node: c.node},
				CommandCode: code,
				Command:     decision,
			}, resp)
			if err != nil {
				// a missed decision is reconciled later when the peer's
				// dangling pending entry expires to abort
				c.logger.Debug("decision not delivered", "peer", peerID, "phase", phase, "error", err.Error())
			}
			return nil
		})
	}
	_ = g.Wait()

	// the leader applies its own decision last
	switch phase {
	case model.TxCommit:
		if err := c.applyPending(tx.ID); err != nil {
			c.logger.Error("failed to apply own commit", "transaction", tx.ID, "error", err.Error())
		}
	case model.TxAbort:
		c.dropPending(tx.ID)
	}

	c.logger.Info("transaction decided", "transaction", tx.ID, "phase", phase)
}

// HandlePrepare is the peer side of phase one: confirm the content
// reference resolves and register the pending entry.
func (c *Coordinator) HandlePrepare(req *model.PrepareRequest, reply *model.PrepareAck) error {
	reply.TransactionId = req.TransactionId
	reply.PeerId = c.node.ID

	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.PrepareTimeout)
	defer cancel()

	// the retrieval guarantee: the reference must resolve, the bytes need
	// not be retained here
	if _, err := c.store.Get(ctx, req.ContentRef); err != nil {
		c.logger.Warn("prepare nack, reference does not resolve",
			"transaction", req.TransactionId, "ref", req.ContentRef, "error", err.Error())
		reply.Ok = false
		reply.Message = common.AckStorageUnavailable.String()
		return nil
	}

	c.mu.Lock()
	c.pending[req.TransactionId] = &pendingEntry{
		doc: model.Document{
			ID:         req.DocumentId,
			Filename:   req.Filename,
			ContentRef: req.ContentRef,
			AddedAt:    c.now(),
		},
		registered: c.now(),
	}
	c.mu.Unlock()

	c.logger.Info("prepared", "transaction", req.TransactionId, "document", req.DocumentId)
	reply.Ok = true
	reply.Message = common.AckOk.String()
	return nil
}

// HandleCommit applies the pending entry to the local index.
func (c *Coordinator) HandleCommit(req *model.DecisionRequest, reply *model.DecisionResponse) error {
	reply.TransactionId = req.TransactionId
	reply.PeerId = c.node.ID

	if err := c.applyPending(req.TransactionId); err != nil {
		reply.Ok = false
		reply.Message = common.AckUnknownTransaction.String()
		return nil
	}
	reply.Ok = true
	return nil
}

// HandleAbort rolls the pending entry back; the document stays invisible.
func (c *Coordinator) HandleAbort(req *model.DecisionRequest, reply *model.DecisionResponse) error {
	reply.TransactionId = req.TransactionId
	reply.PeerId = c.node.ID
	reply.Ok = c.dropPending(req.TransactionId)
	if !reply.Ok {
		reply.Message = common.AckUnknownTransaction.String()
	}

	c.logger.Info("transaction aborted", "transaction", req.TransactionId)
	return nil
}

func (c *Coordinator) applyPending(txID string) error {
	c.mu.Lock()
	entry, ok := c.pending[txID]
	if ok {
		delete(c.pending, txID)
	}
	c.mu.Unlock()

	if !ok {
		return common.ErrTransactionNotFound
	}
	if c.applier == nil {
		return nil
	}
	if err := c.applier.Apply(entry.doc); err != nil {
		return err
	}

	c.logger.Info("document committed to local index",
		"transaction", txID, "document", entry.doc.ID, "ref", entry.doc.ContentRef)
	return nil
}

func (c *Coordinator) dropPending(txID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.pending[txID]; !ok {
		return false
	}
	delete(c.pending, txID)
	return true
}

// transaction returns a copy of a transaction by id.
func (c *Coordinator) transaction(txID string) model.CommitTransaction {
	c.mu.Lock()
	defer c.mu.Unlock()

	tx, ok := c.transactions[txID]
	if !ok {
		return model.CommitTransaction{}
	}
	return cloneTransaction(tx)
}

// Transaction returns a copy of a transaction by id.
func (c *Coordinator) Transaction(txID string) (model.CommitTransaction, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	tx, ok := c.transactions[txID]
	if !ok {
		return model.CommitTransaction{}, false
	}
	return cloneTransaction(tx), true
}

// Transactions lists every known transaction.
func (c *Coordinator) Transactions() []model.CommitTransaction {
	c.mu.Lock()
	defer c.mu.Unlock()

	all := make([]model.CommitTransaction, 0, len(c.transactions))
	for _, tx := range c.transactions {
		all = append(all, cloneTransaction(tx))
	}
	return all
}

// PendingCount reports the peer-side prepared entries awaiting a decision.
func (c *Coordinator) PendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// ExpireStale reconciles coordination state the decision broadcast never
// reached: leader transactions stuck in prepare flip to abort, and
// peer-side pending entries past the prepare timeout are dropped
// (abort-equivalent). Returns how many entries were reclaimed.
func (c *Coordinator) ExpireStale(now time.Time) int {
	c.mu.Lock()

	reclaimed := 0
	var toAbort []*model.CommitTransaction
	for _, tx := range c.transactions {
		if tx.Phase == model.TxPrepare && now.Sub(tx.CreatedAt) > c.cfg.PrepareTimeout {
			toAbort = append(toAbort, tx)
		}
	}
	for txID, entry := range c.pending {
		if now.Sub(entry.registered) > c.cfg.PrepareTimeout {
			// skip entries belonging to a transaction this node is still
			// actively driving
			if tx, ok := c.transactions[txID]; ok && tx.Phase == model.TxPrepare && now.Sub(tx.CreatedAt) <= c.cfg.PrepareTimeout {
				continue
			}
			delete(c.pending, txID)
			reclaimed++
			c.logger.Info("dangling pending entry dropped", "transaction", txID)
		}
	}
	c.mu.Unlock()

	for _, tx := range toAbort {
		c.logger.Warn("transaction stuck in prepare, aborting", "transaction", tx.ID)
		c.decide(tx, model.TxAbort, c.livePeers())
		reclaimed++
	}
	return reclaimed
}

func (c *Coordinator) livePeers() []model.Node {
	var peers []model.Node
	for _, n := range c.registry.Live() {
		if n.ID == c.node.ID {
			continue
		}
		peers = append(peers, n)
	}
	return peers
}

func cloneTransaction(tx *model.CommitTransaction) model.CommitTransaction {
	copied := *tx
	copied.Acks = make(map[string]bool, len(tx.Acks))
	for peer, ok := range tx.Acks {
		copied.Acks[peer] = ok
	}
	return copied
}
