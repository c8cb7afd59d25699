// Package consensus implements the single-role leader election protocol:
// election timers, term management and majority voting over the live-peer
// set. It elects a leader and nothing more; there is no replicated log.
package consensus

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/looplab/fsm"
	"golang.org/x/sync/errgroup"

	"github.com/docmesh/docmesh/pkg/cluster"
	"github.com/docmesh/docmesh/pkg/config"
	"github.com/docmesh/docmesh/pkg/model"
)

func NewConsensus(
	node model.Node,
	registry *cluster.Registry,
	trans model.Transport,
	transConfig model.TransportConfig,
	cfg *config.Config,
	logger *slog.Logger) (*Consensus, error) {
	if err := node.Validate(); err != nil {
		return nil, err
	}

	if logger == nil {
		return nil, fmt.Errorf("new consensus, logger is nil")
	}
	if registry == nil {
		return nil, fmt.Errorf("new consensus, registry is nil")
	}

	c := &Consensus{
		cfg:             cfg,
		logger:          logger.With("component", "consensus"),
		node:            node,
		registry:        registry,
		state:           &nodeState{role: model.NodeStateFollower},
		transport:       trans,
		transportConfig: transConfig,
		leaderChan:      make(chan struct{}, 1),
		followerChan:    make(chan struct{}, 1),
		candidateChan:   make(chan struct{}, 1),
		shutdownChan:    make(chan struct{}, 1),
		eventChan:       make(chan model.NodeEvent, 1),
		nodeStateChan:   make(chan model.StateTransition, 1),
	}
	// initialize the node FSM
	c.initializeFsm()
	return c, nil
}

type Consensus struct {
	// state holds term, vote and leader bookkeeping
	state *nodeState

	// cfg is the configuration for the consensus
	cfg *config.Config
	// logger
	logger *slog.Logger

	// node is the local node
	node model.Node
	// registry supplies the live-peer set for fan-out and quorum math
	registry *cluster.Registry
	// fsm is the finite state machine of the node role
	fsm *fsm.FSM
	// transport is the transport layer
	transport model.Transport
	// transportConfig is the transport configuration
	transportConfig model.TransportConfig

	// eventChan is used to transmit node events
	eventChan chan model.NodeEvent
	// nodeStateChan is used to transmit node state
	nodeStateChan chan model.StateTransition
	// leaderChan is used to send leader event
	leaderChan chan struct{}
	// followerChan is used to send follower event.
	// followerMu orders rearm sends against the close in leaveFollower; a
	// heartbeat racing the election timeout must never send on the closed
	// channel.
	followerMu   sync.Mutex
	followerChan chan struct{}
	// candidateChan is used to send candidate event
	candidateChan chan struct{}
	// shutdownChan is used to send shutdown event
	shutdownChan chan struct{}

	// preEventState holds the node state before an event is processed
	preEventState model.NodeState

	// inLeaderState indicates whether the current node is in the leader state.
	inLeaderState bool
	// inFollowerState indicates whether the current node is in the follower state.
	inFollowerState bool
	// inCandidateState indicates whether the current node is in the candidate state.
	inCandidateState bool
	// inDownState indicates whether the current node is in a down state.
	inDownState bool
}

// Run starts the consensus.
// Returns a channel of state transitions and an error.
func (c *Consensus) Run() (<-chan model.StateTransition, error) {
	// run the event handler
	c.runEventHandler()

	// enter the default follower state
	c.enterFollower(context.Background(), &fsm.Event{Dst: model.NodeStateFollower.String()})

	c.logger.Info("consensus started")
	return c.nodeStateChan, nil
}

// Stop takes the node to the down state and stops the timer loops.
func (c *Consensus) Stop() {
	switch model.NodeState(c.fsm.Current()) {
	case model.NodeStateDown:
		return
	case model.NodeStateLeader:
		c.sendEvent(model.NodeStateLeader, model.EventDown)
	case model.NodeStateFollower:
		c.sendEvent(model.NodeStateFollower, model.EventDown)
	case model.NodeStateCandidate:
		c.sendEvent(model.NodeStateCandidate, model.EventDown)
	}
}

// IsLeader determines whether the current node is the leader node.
func (c *Consensus) IsLeader() bool {
	return c.fsm.Is(model.NodeStateLeader.String())
}

// Term returns the current term.
func (c *Consensus) Term() uint64 {
	return c.state.currentTerm()
}

// LeaderID returns the id of the last known leader, or empty when unknown.
func (c *Consensus) LeaderID() string {
	if c.IsLeader() {
		return c.node.ID
	}
	return c.state.leader()
}

// CurrentState returns the current election role.
func (c *Consensus) CurrentState() model.NodeState {
	return model.NodeState(c.fsm.Current())
}

// Snapshot is a consistent view of the local election state.
type Snapshot struct {
	State  model.NodeState
	Term   uint64
	Leader string
}

// Snapshot returns role, term and leader read under one lock, so a status
// surface never pairs one election's role with another's term.
func (c *Consensus) Snapshot() Snapshot {
	role, term, leader := c.state.snapshot()
	if role == model.NodeStateLeader {
		leader = c.node.ID
	}
	return Snapshot{State: role, Term: term, Leader: leader}
}

// Visualize returns the role state machine in Graphviz format.
func (c *Consensus) Visualize() string {
	return fsm.Visualize(c.fsm)
}

// ClusterState retrieves the election role of every live peer.
func (c *Consensus) ClusterState() (*model.ClusterState, error) {
	clusterState := &model.ClusterState{
		Nodes: map[string]*model.NodeWithState{
			c.node.ID: {
				State: model.NodeState(c.fsm.Current()),
				Node:  c.node,
			},
		},
	}
	stateMap := sync.Map{}
	g := errgroup.Group{}
	for _, peer := range c.livePeers() {
		peerID := peer.ID
		g.Go(func() error {
			resp := &model.Response{}
			err := c.transport.SendRequest(peerID, &model.Request{
				Header:      c.buildHeaders(),
				CommandCode: model.State,
				Command:     nil,
			}, resp)
			if err != nil {
				c.logger.Error("failed to get node state", "peer", peerID, "err", err.Error())
				return fmt.Errorf("failed to get node state, peer %s, err: %s", peerID, err.Error())
			}
			stateResponse := &model.NodeWithState{}
			err = c.transport.Decode(resp.CommandResponse, stateResponse)
			if err != nil {
				c.logger.Error("failed to decode state response", "peer", peerID, "err", err.Error())
				return fmt.Errorf("failed to decode state response, peer %s, err: %s", peerID, err.Error())
			}

			stateMap.Store(peerID, stateResponse)
			return nil
		})
	}
	err := g.Wait()
	if err != nil {
		c.logger.Error("get cluster state error", "error", err.Error())
	}

	stateMap.Range(func(key, value any) bool {
		clusterState.Nodes[key.(string)] = value.(*model.NodeWithState)
		return true
	})

	return clusterState, err
}

// livePeers returns the current live-peer snapshot without the local node.
func (c *Consensus) livePeers() []model.Node {
	var peers []model.Node
	for _, n := range c.registry.Live() {
		if n.ID == c.node.ID || n.Address == c.node.Address {
			continue
		}
		peers = append(peers, n)
	}
	return peers
}

func (c *Consensus) buildHeaders() model.Header {
	return model.Header{Node: c.node}
}

// electionTimeout draws a random duration from the configured range.
func (c *Consensus) electionTimeout() time.Duration {
	span := c.cfg.ElectTimeoutMax - c.cfg.ElectTimeoutMin
	if span <= 0 {
		return c.cfg.ElectTimeoutMin
	}
	return c.cfg.ElectTimeoutMin + time.Duration(rand.Int63n(int64(span)))
}

func (c *Consensus) ensureState(state model.NodeState) bool {
	if model.NodeState(c.fsm.Current()) != state {
		return false
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			c.logger.Error("wait for state ready timeout", "state", state)
			return false
		default:
		}
		stateReady := false
		switch state {
		case model.NodeStateLeader:
			stateReady = c.inLeaderState
		case model.NodeStateFollower:
			stateReady = c.inFollowerState
		case model.NodeStateCandidate:
			stateReady = c.inCandidateState
		case model.NodeStateDown:
			stateReady = c.inDownState
		}

		if stateReady {
			break
		}
		time.Sleep(500 * time.Microsecond)
	}

	return true
}

func (c *Consensus) enterLeader(ctx context.Context, ev *fsm.Event) {
	c.logger.Info("become leader", "term", c.state.currentTerm())
	c.state.setRole(model.NodeStateLeader)
	c.leaderChan = make(chan struct{}, 1)
	go func() {
		err := c.runLeader(ctx)
		if err != nil {
			c.logger.Error("failed to enter leader state", "err", err.Error())
			return
		}
	}()
	c.sendNodeStateTransition(model.NodeState(ev.Dst), model.NodeState(ev.Src), model.TransitionTypeEnter)
	c.inLeaderState = true
}

func (c *Consensus) runLeader(_ context.Context) error {
	tk := time.NewTicker(c.cfg.HeartBeatInterval)
	defer tk.Stop()

	for {
		select {
		case <-c.leaderChan:
			c.logger.Info("leave leader")
			return nil
		default:
		}

		// send heartbeat to followers; a response carrying a higher term
		// forces this node back to follower
		if higher := c.sendHeartBeat(); higher {
			c.sendEvent(model.NodeStateLeader, model.EventLeaveLeader)
		}

		select {
		case <-c.leaderChan:
			c.logger.Info("leave leader")
			return nil
		case <-tk.C:
		}
	}
}

func (c *Consensus) leaveLeader(_ context.Context, ev *fsm.Event) {
	c.logger.Info("leave leader")
	c.sendNodeStateTransition(model.NodeState(ev.Src), model.NodeState(ev.Dst), model.TransitionTypeLeave)
	close(c.leaderChan)
	c.inLeaderState = false
}

func (c *Consensus) enterFollower(ctx context.Context, ev *fsm.Event) {
	c.logger.Info("become follower")
	c.state.setRole(model.NodeStateFollower)
	c.followerMu.Lock()
	c.followerChan = make(chan struct{}, 1)
	c.inFollowerState = true
	c.followerMu.Unlock()
	go func() {
		err := c.runFollower(ctx)
		if err != nil {
			c.logger.Error("failed to enter follower state", "err", err.Error())
			return
		}
	}()
	c.sendNodeStateTransition(model.NodeState(ev.Dst), model.NodeState(ev.Src), model.TransitionTypeEnter)
}

func (c *Consensus) runFollower(_ context.Context) error {
	// randomized election timer, armed anew on every valid heartbeat
	timeout := c.electionTimeout()
	ts := time.NewTimer(timeout)
	defer ts.Stop()
	for {
		select {
		case _, ok := <-c.followerChan:
			if !ok {
				// channel is closed
				c.logger.Info("leave follower state, channel is closed")
				return nil
			}
			// reset the timer
			if !ts.Stop() {
				select {
				case <-ts.C:
				default:
				}
			}
			ts.Reset(timeout)
		case <-ts.C:
			c.logger.Info("leave follower state due to heartbeat timeout", "timeout", timeout)
			// heartbeat timeout
			c.sendEvent(model.NodeStateFollower, model.EventHeartbeatTimeout)
			return nil
		}
	}
}

func (c *Consensus) leaveFollower(_ context.Context, ev *fsm.Event) {
	c.logger.Info("leave follower")
	c.sendNodeStateTransition(model.NodeState(ev.Src), model.NodeState(ev.Dst), model.TransitionTypeLeave)
	c.followerMu.Lock()
	c.inFollowerState = false
	close(c.followerChan)
	c.followerMu.Unlock()
}

// rearmFollowerTimer resets the follower election timer. Safe against a
// concurrent leaveFollower: once the channel is closed the rearm is a
// no-op instead of a panic.
func (c *Consensus) rearmFollowerTimer() {
	c.followerMu.Lock()
	defer c.followerMu.Unlock()

	if !c.inFollowerState {
		return
	}
	select {
	case c.followerChan <- struct{}{}:
	default:
	}
}

func (c *Consensus) enterCandidate(ctx context.Context, ev *fsm.Event) {
	c.logger.Info("become candidate")
	c.state.setRole(model.NodeStateCandidate)
	c.candidateChan = make(chan struct{}, 1)
	go func() {
		err := c.runCandidate(ctx)
		if err != nil {
			c.logger.Error("failed to enter candidate state", "err", err.Error())
			return
		}
	}()
	c.inCandidateState = true
	c.sendNodeStateTransition(model.NodeState(ev.Dst), model.NodeState(ev.Src), model.TransitionTypeEnter)
}

func (c *Consensus) runCandidate(ctx context.Context) error {
	err := c.tryToBecomeLeader(ctx)
	if err != nil {
		c.logger.Error("failed to make the try to become leader", "err", err.Error())
		return err
	}

	return nil
}

func (c *Consensus) tryToBecomeLeader(_ context.Context) error {
	for {
		// randomized delay to reduce the probability of all nodes
		// initiating voting requests at the same time
		roundTimeout := c.electionTimeout()
		delayDuration := time.Duration(rand.Int63n(int64(c.cfg.HeartBeatInterval)))
		select {
		case <-c.candidateChan:
			c.logger.Info("leave candidate state")
			return nil
		case <-time.After(delayDuration):
		}

		// quorum is computed over one live-set snapshot per election round
		peers := c.livePeers()
		needed := cluster.Quorum(len(peers) + 1)

		// update term and vote for self
		c.state.incrementTerm(c.node.ID)
		voteCount := 1

		c.logger.Info("start election round",
			"term", c.state.currentTerm(), "live_peers", len(peers)+1, "needed", needed)

		voteChan := make(chan model.Node, len(peers)+1)
		go func() {
			// send vote request to all live peers
			err := c.sendRequestVote(peers, voteChan)
			if err != nil {
				c.logger.Error("failed to send vote request", "error", err.Error())
				return
			}
		}()

		ts := time.NewTimer(roundTimeout)

		for {
			// become a leader when votes reach quorum of the live set
			if voteCount >= needed {
				ts.Stop()
				c.logger.Info("received majority of votes, become leader", "votes", voteCount)
				c.sendEvent(model.NodeStateCandidate, model.EventMajorityVotes)
				return nil
			}
			select {
			case node, ok := <-voteChan:
				if !ok {
					c.logger.Info("vote end", "term", c.state.currentTerm(), "count", voteCount)
					goto nextLoop
				}
				c.logger.Info("receive vote", "peer", node.ID)
				voteCount += 1
				if voteCount >= needed {
					ts.Stop()
					c.logger.Info("received majority of votes, become leader", "votes", voteCount)
					c.sendEvent(model.NodeStateCandidate, model.EventMajorityVotes)
					return nil
				}
			case <-c.candidateChan:
				ts.Stop()
				c.logger.Info("stop receive vote response")
				return nil
			}
		}
	nextLoop:
		select {
		case <-ts.C:
			// this round timed out, start the next with a new term
		case <-c.candidateChan:
			ts.Stop()
			c.logger.Info("leave candidate state")
			return nil
		}
	}
}

func (c *Consensus) leaveCandidate(_ context.Context, ev *fsm.Event) {
	c.logger.Info("leave candidate")
	c.sendNodeStateTransition(model.NodeState(ev.Src), model.NodeState(ev.Dst), model.TransitionTypeLeave)
	close(c.candidateChan)
	c.inCandidateState = false
}

func (c *Consensus) enterShutdown(_ context.Context, ev *fsm.Event) {
	c.logger.Info("become shutdown")
	c.state.setRole(model.NodeStateDown)
	c.inDownState = true
	c.sendNodeStateTransition(model.NodeState(ev.Dst), model.NodeState(ev.Src), model.TransitionTypeEnter)
}

func (c *Consensus) leaveShutdown(_ context.Context, ev *fsm.Event) {
	c.logger.Info("leave shutdown")
	c.sendNodeStateTransition(model.NodeState(ev.Src), model.NodeState(ev.Dst), model.TransitionTypeLeave)
	close(c.shutdownChan)
	c.inDownState = false
}

func (c *Consensus) sendEvent(currentState model.NodeState, ev model.NodeEvent) {
	if currentState == c.preEventState {
		c.logger.Warn("event occurring simultaneously under the same state, ignore it",
			"state", currentState, "event", ev)
		return
	}
	c.preEventState = currentState
	c.eventChan <- ev
	c.logger.Debug("node event", "event", ev.String())
}

func (c *Consensus) runEventHandler() {
	handler := func(ev model.NodeEvent) {
		// check if the event is legal
		ok := c.fsm.Can(ev.String())
		if !ok {
			c.logger.Error("wrong event", "current state", c.fsm.Current(), "event", ev.String())
			// faulty state migration is unacceptable
			panic("unrecoverable error: wrong state transition")
		}

		err := c.fsm.Event(context.TODO(), ev.String())
		if err != nil {
			c.logger.Error("error state transition", "current state", c.fsm.Current(), "event", ev.String())
			// faulty state migration is unacceptable
			panic("unrecoverable error: wrong state transition")
		}
	}
	go func() {
		for ev := range c.eventChan {
			handler(ev)
		}
	}()
}

// sendHeartBeat fans the leader heartbeat out to every live peer.
// It reports whether any response carried a term above the local one.
func (c *Consensus) sendHeartBeat() bool {
	var higherTermSeen bool
	var mu sync.Mutex

	term := c.state.currentTerm()
	g := errgroup.Group{}
	for _, peer := range c.livePeers() {
		peerID := peer.ID
		g.Go(func() error {
			c.logger.Debug("send heartbeat to peer", "peer", peerID)
			resp := &model.Response{}
			// send heartbeat request to peer
			err := c.transport.SendRequest(peerID, &model.Request{
				Header:      c.buildHeaders(),
				CommandCode: model.HeartBeat,
				Command:     &model.HeartBeatRequest{NodeId: c.node.ID, Term: term},
			}, resp)
			if err != nil {
				// an unreachable peer is simply absent from the tally
				c.logger.Debug("failed to send heartbeat", "peer", peerID, "error", err.Error())
				return nil
			}
			hbResponse := &model.HeartBeatResponse{}
			err = c.transport.Decode(resp.CommandResponse, hbResponse)
			if err != nil {
				return fmt.Errorf("heartbeat, peer %s, bad response", peerID)
			}
			if !hbResponse.Ok && hbResponse.Term > term {
				// the cluster moved on, step down
				mu.Lock()
				higherTermSeen = true
				mu.Unlock()
				c.state.adoptTerm(hbResponse.Term)
				c.logger.Info("peer term is ahead of self",
					"peer", peerID, "peer term", hbResponse.Term, "self term", term)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		c.logger.Error("leader, heartbeat error", "error", err.Error())
	}
	return higherTermSeen
}

func (c *Consensus) sendRequestVote(peers []model.Node, voteChan chan model.Node) error {
	g := errgroup.Group{}
	defer close(voteChan)

	term := c.state.currentTerm()
	for _, peer := range peers {
		peerID := peer.ID
		peerNode := peer
		g.Go(func() error {
			if !c.ensureState(model.NodeStateCandidate) {
				return nil
			}

			c.logger.Info("send vote request to peer", "peer", peerID)
			resp := &model.Response{}
			// send vote request
			err := c.transport.SendRequest(peerID, &model.Request{
				Header:      c.buildHeaders(),
				CommandCode: model.RequestVote,
				Command: model.RequestVoteRequest{
					NodeId:   c.node.ID,
					Term:     term,
					NodeAddr: c.node.Address,
				},
			}, resp)
			if err != nil {
				// a silent peer contributes neither a yes nor a no
				c.logger.Debug("failed to get vote", "peer", peerID, "err", err.Error())
				return nil
			}
			voteResp := &model.RequestVoteResponse{}
			err = c.transport.Decode(resp.CommandResponse, voteResp)
			if err != nil {
				c.logger.Error("vote response, bad response", "peer", peerID, "err", err.Error())
				return fmt.Errorf("vote response, peer %s, bad response: %s", peerID, err)
			}

			if !voteResp.Vote {
				if voteResp.Term > term {
					c.state.adoptTerm(voteResp.Term)
					c.sendEvent(model.NodeStateCandidate, model.EventNewTerm)
				}
				c.logger.Info("peer disagrees with voting for you", "peer", peerID, "message", voteResp.Message)
				return nil
			}

			select {
			case <-c.candidateChan:
				return nil
			case voteChan <- peerNode:
				// receive a valid vote from peer node
			}
			c.logger.Info("get voting", "peer", peerID)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		c.logger.Error("candidate, request voting error", "error", err.Error())
		return err
	}

	return nil
}

func (c *Consensus) sendNodeStateTransition(state, srcState model.NodeState, transType model.TransitionType) {
	c.nodeStateChan <- model.StateTransition{
		State:    state,
		SrcState: srcState,
		Type:     transType,
	}
}

// initializeFsm initializes the role state machine
func (c *Consensus) initializeFsm() {
	c.fsm = fsm.NewFSM(
		model.NodeStateFollower.String(),
		fsm.Events{
			{
				Name: model.EventHeartbeatTimeout.String(),
				Src:  []string{model.NodeStateFollower.String()},
				Dst:  model.NodeStateCandidate.String(),
			},
			{
				Name: model.EventLeaveLeader.String(),
				Src:  []string{model.NodeStateLeader.String()},
				Dst:  model.NodeStateFollower.String(),
			},
			{
				Name: model.EventMajorityVotes.String(),
				Src:  []string{model.NodeStateCandidate.String()},
				Dst:  model.NodeStateLeader.String(),
			},
			{
				Name: model.EventNewLeader.String(),
				Src:  []string{model.NodeStateCandidate.String()},
				Dst:  model.NodeStateFollower.String(),
			},
			{
				Name: model.EventNewTerm.String(),
				Src:  []string{model.NodeStateCandidate.String()},
				Dst:  model.NodeStateFollower.String(),
			},
			{
				Name: model.EventDown.String(),
				Src: []string{
					model.NodeStateLeader.String(),
					model.NodeStateFollower.String(),
					model.NodeStateCandidate.String(),
				},
				Dst: model.NodeStateDown.String(),
			},
		},
		fsm.Callbacks{
			"enter_" + model.NodeStateLeader.String():    c.enterLeader,
			"leave_" + model.NodeStateLeader.String():    c.leaveLeader,
			"enter_" + model.NodeStateFollower.String():  c.enterFollower,
			"leave_" + model.NodeStateFollower.String():  c.leaveFollower,
			"enter_" + model.NodeStateCandidate.String(): c.enterCandidate,
			"leave_" + model.NodeStateCandidate.String(): c.leaveCandidate,
			"enter_" + model.NodeStateDown.String():      c.enterShutdown,
			"leave_" + model.NodeStateDown.String():      c.leaveShutdown,
		},
	)
}
