// Package voting manages per-document approval sessions. Only the current
// leader opens sessions; every peer votes once, and a session resolves as
// approved, rejected or expired.
package voting

import (
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
)

// ApprovedFunc is invoked, outside any lock, when a session reaches quorum
// approval. The commit coordinator hangs off this hook.
type ApprovedFunc func(session model.VotingSession)

func NewCoordinator(
	node model.Node,
	registry *cluster.Registry,
	trans model.Transport,
	cfg *config.Config,
	policy Policy,
	isLeader func() bool,
	logger *slog.Logger) (*Coordinator, error) {
	if logger == nil {
		return nil, fmt.Errorf("new voting coordinator, logger is nil")
	}
	if policy == nil {
		policy = ApproveAll
	}

	return &Coordinator{
		node:      node,
		registry:  registry,
		transport: trans,
		cfg:       cfg,
		policy:    policy,
		isLeader:  isLeader,
		sessions:  make(map[string]*model.VotingSession),
		logger:    logger.With("component", "voting"),
		now:       time.Now,
	}, nil
}

// Coordinator owns the voting session table. Sessions created here are
// leader-owned; sessions recorded through HandlePropose are read-only
// mirrors kept for display.
type Coordinator struct {
	mu       sync.Mutex
	sessions map[string]*model.VotingSession

	node      model.Node
	registry  *cluster.Registry
	transport model.Transport
	cfg       *config.Config
	policy    Policy
	isLeader  func() bool
	logger    *slog.Logger

	// onApproved fires when a session flips to approved
	onApproved ApprovedFunc

	// now is swappable for tests
	now func() time.Time
}

// OnApproved registers the approval hook. Must be called before the first
// session opens.
func (c *Coordinator) OnApproved(fn ApprovedFunc) {
	c.onApproved = fn
}

// OpenSession creates a voting session for a document and broadcasts the
// proposal to all live peers. Callable only on the current leader.
func (c *Coordinator) OpenSession(documentID, filename, fingerprint string, size int64) (string, error) {
	if !c.isLeader() {
		return "", common.ErrNotLeader
	}

	live := c.registry.LiveCount()
	if live < 1 {
		return "", common.ErrQuorumUnreachable
	}

	session := &model.VotingSession{
		ID:          uuid.NewString(),
		DocumentId:  documentID,
		ProposerId:  c.node.ID,
		Filename:    filename,
		Fingerprint: fingerprint,
		Size:        size,
		Votes:       make(map[string]bool),
		State:       model.SessionOpen,
		CreatedAt:   c.now(),
		ExpiresAt:   c.now().Add(c.cfg.SessionTTL),
	}

	// the leader applies the same local admission policy as every peer
	approve, reason := c.policy(model.ProposeDocumentRequest{
		SessionId:   session.ID,
		DocumentId:  documentID,
		Filename:    filename,
		Fingerprint: fingerprint,
		Size:        size,
		ProposerId:  c.node.ID,
	})
	session.Votes[c.node.ID] = approve

	c.mu.Lock()
	c.sessions[session.ID] = session
	c.mu.Unlock()

	c.logger.Info("voting session opened",
		"session", session.ID, "document", documentID, "file", filename,
		"self_vote", approve, "reason", reason)

	// fan the proposal out; peer replies are their votes
	go c.broadcastProposal(session)

	return session.ID, nil
}

func (c *Coordinator) broadcastProposal(session *model.VotingSession) {
	proposal := &model.ProposeDocumentRequest{
		SessionId:   session.ID,
		DocumentId:  session.DocumentId,
		Filename:    session.Filename,
		Fingerprint: session.Fingerprint,
		Size:        session.Size,
		ProposerId:  session.ProposerId,
	}

	g := errgroup.Group{}
	for _, peer := range c.livePeers() {
		peerID := peer.ID
		g.Go(func() error {
			resp := &model.Response{}
			err := c.transport.SendRequest(peerID, &model.Request{
				Header:      model.Header{Node: c.node},
				CommandCode: model.ProposeDocument,
				Command:     proposal,
			}, resp)
			if err != nil {
				// an unreachable peer is simply absent from the tally
				c.logger.Debug("proposal not delivered", "peer", peerID, "error", err.Error())
				return nil
			}
			vote := &model.DocumentVote{}
			if err := c.transport.Decode(resp.CommandResponse, vote); err != nil {
				c.logger.Error("bad vote response", "peer", peerID, "error", err.Error())
				return nil
			}

			if err := c.CastVote(vote.SessionId, vote.PeerId, vote.Approve); err != nil {
				c.logger.Debug("vote not recorded", "peer", peerID, "error", err.Error())
			}
			return nil
		})
	}
	_ = g.Wait()

	// settle sessions that cannot resolve through further votes
	if _, err := c.Evaluate(session.ID); err != nil {
		c.logger.Debug("evaluate after broadcast", "session", session.ID, "error", err.Error())
	}
}

// HandlePropose is the peer side of a proposal: record a mirror of the
// session for display and answer with this node's vote.
func (c *Coordinator) HandlePropose(req *model.ProposeDocumentRequest, reply *model.DocumentVote) error {
	approve, reason := c.policy(*req)

	c.mu.Lock()
	if _, ok := c.sessions[req.SessionId]; !ok {
		c.sessions[req.SessionId] = &model.VotingSession{
			ID:          req.SessionId,
			DocumentId:  req.DocumentId,
			ProposerId:  req.ProposerId,
			Filename:    req.Filename,
			Fingerprint: req.Fingerprint,
			Size:        req.Size,
			Votes:       map[string]bool{c.node.ID: approve},
			State:       model.SessionOpen,
			CreatedAt:   c.now(),
			ExpiresAt:   c.now().Add(c.cfg.SessionTTL),
		}
	}
	c.mu.Unlock()

	c.logger.Info("document proposal received",
		"session", req.SessionId, "file", req.Filename, "approve", approve, "reason", reason)

	reply.SessionId = req.SessionId
	reply.PeerId = c.node.ID
	reply.Approve = approve
	reply.Message = reason
	return nil
}

// CastVote records a peer's vote. The first vote per peer is final; later
// votes from the same peer do not overwrite it. Votes on sessions that are
// not open are ignored with an error.
func (c *Coordinator) CastVote(sessionID, peerID string, approve bool) error {
	c.mu.Lock()
	session, ok := c.sessions[sessionID]
	if !ok {
		c.mu.Unlock()
		return common.ErrSessionNotFound
	}
	if session.State != model.SessionOpen {
		c.mu.Unlock()
		return common.ErrSessionClosed
	}
	if _, voted := session.Votes[peerID]; voted {
		c.mu.Unlock()
		return nil
	}
	session.Votes[peerID] = approve
	c.mu.Unlock()

	c.logger.Debug("vote recorded", "session", sessionID, "peer", peerID, "approve", approve)

	_, err := c.Evaluate(sessionID)
	return err
}

// Evaluate recomputes the session state against the current live-peer set:
// approved once yes votes reach quorum, rejected once a yes quorum is
// mathematically unreachable, otherwise still open.
func (c *Coordinator) Evaluate(sessionID string) (model.SessionState, error) {
	live := c.registry.LiveCount()
	needed := cluster.Quorum(live)

	c.mu.Lock()
	session, ok := c.sessions[sessionID]
	if !ok {
		c.mu.Unlock()
		return "", common.ErrSessionNotFound
	}
	if session.State != model.SessionOpen {
		state := session.State
		c.mu.Unlock()
		return state, nil
	}

	var yes, no int
	for _, approve := range session.Votes {
		if approve {
			yes++
		} else {
			no++
		}
	}

	var approved model.VotingSession
	switch {
	case yes >= needed:
		session.State = model.SessionApproved
		approved = *session
	case live-no < needed:
		// even if every silent peer voted yes, quorum is out of reach
		session.State = model.SessionRejected
	}
	state := session.State
	c.mu.Unlock()

	switch state {
	case model.SessionApproved:
		c.logger.Info("session approved", "session", sessionID, "yes", yes, "needed", needed)
		if c.onApproved != nil {
			c.onApproved(approved)
		}
	case model.SessionRejected:
		c.logger.Info("session rejected", "session", sessionID, "no", no, "live", live)
	}

	return state, nil
}

// Session returns a copy of a voting session.
func (c *Coordinator) Session(sessionID string) (model.VotingSession, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	session, ok := c.sessions[sessionID]
	if !ok {
		return model.VotingSession{}, false
	}
	return cloneSession(session), true
}

// OpenSessions lists sessions still collecting votes.
func (c *Coordinator) OpenSessions() []model.VotingSession {
	c.mu.Lock()
	defer c.mu.Unlock()

	var open []model.VotingSession
	for _, session := range c.sessions {
		if session.State == model.SessionOpen {
			open = append(open, cloneSession(session))
		}
	}
	return open
}

// ExpireStale flips open sessions past their deadline to expired and
// returns how many flipped. Called by the garbage collector.
func (c *Coordinator) ExpireStale(now time.Time) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	expired := 0
	for id, session := range c.sessions {
		if session.State == model.SessionOpen && now.After(session.ExpiresAt) {
			session.State = model.SessionExpired
			expired++
			c.logger.Info("voting session expired", "session", id, "document", session.DocumentId)
		}
	}
	return expired
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

func cloneSession(s *model.VotingSession) model.VotingSession {
	copied := *s
	copied.Votes = make(map[string]bool, len(s.Votes))
	for peer, vote := range s.Votes {
		copied.Votes[peer] = vote
	}
	return copied
}
