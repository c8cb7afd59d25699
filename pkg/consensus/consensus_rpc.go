package consensus

import (
	"github.com/docmesh/docmesh/pkg/common"
	"github.com/docmesh/docmesh/pkg/model"
)

// HeartBeat handles a heartbeat request from a peer node.
func (c *Consensus) HeartBeat(args *model.HeartBeatRequest, reply *model.HeartBeatResponse) error {
	c.logger.Debug("receive heartbeat", "from", args.NodeId, "term", args.Term)

	term := c.state.currentTerm()
	if term > args.Term {
		// term in the request is behind this node, signal ours back so
		// the sender steps down
		c.logger.Info("peer term is behind self", "peer term", args.Term, "self term", term)
		model.HBResponse(reply, false, term, common.HeartbeatExpired.String())
		return nil
	}

	if c.ensureState(model.NodeStateLeader) && args.Term == term && args.NodeId != c.node.ID {
		// two leaders observed in the same term; a node must never trust
		// its own leadership over a valid peer claim, fall back to follower
		c.logger.Error("invariant violation: second leader in current term",
			"peer", args.NodeId, "term", term)
		c.sendEvent(model.NodeStateLeader, model.EventLeaveLeader)
		c.state.recordLeader(args.NodeId)
		model.HBResponse(reply, true, args.Term, common.HeartbeatOk.String())
		return nil
	}

	// update term of this node
	c.state.adoptTerm(args.Term)
	c.state.recordLeader(args.NodeId)

	switch {
	case c.ensureState(model.NodeStateLeader):
		// a higher term leader exists, leave leader state
		c.sendEvent(model.NodeStateLeader, model.EventLeaveLeader)
	case c.ensureState(model.NodeStateFollower):
		// rearm the election timer
		c.rearmFollowerTimer()
	case c.ensureState(model.NodeStateCandidate):
		// receive a new leader
		c.sendEvent(model.NodeStateCandidate, model.EventNewLeader)
	case c.ensureState(model.NodeStateDown):
	}

	model.HBResponse(reply, true, args.Term, common.HeartbeatOk.String())
	return nil
}

// RequestVote handles a vote request from a peer node.
func (c *Consensus) RequestVote(args *model.RequestVoteRequest, reply *model.RequestVoteResponse) error {
	term := c.state.currentTerm()
	c.logger.Info("receive vote request", "from", args.NodeId, "term", args.Term, "current term", term)

	switch {
	case c.ensureState(model.NodeStateLeader):
		if args.Term <= term {
			model.VoteResponse(reply, c.node, term, false, common.VoteLeaderExist.String())
			return nil
		}
		// term in the request is newer, leaves leader state
		c.sendEvent(model.NodeStateLeader, model.EventLeaveLeader)
	case c.ensureState(model.NodeStateFollower):
		if args.Term < term {
			model.VoteResponse(reply, c.node, term, false, common.VoteTermExpired.String())
			return nil
		}
	case c.ensureState(model.NodeStateCandidate):
		if args.Term <= term {
			// already voted for self in this term
			model.VoteResponse(reply, c.node, term, false, common.VoteHaveVoted.String())
			return nil
		}
		// term in the request is newer, vote and switch to follower state
		c.sendEvent(model.NodeStateCandidate, model.EventNewTerm)
	case c.ensureState(model.NodeStateDown):
	}

	// adopt the term, then grant at most one vote in it
	c.state.adoptTerm(args.Term)
	if !c.state.tryVote(args.Term, args.NodeId) {
		model.VoteResponse(reply, c.node, args.Term, false, common.VoteHaveVoted.String())
		return nil
	}

	// granting a vote counts as hearing from a live candidate, rearm the
	// election timer so the grantee has a chance to win
	if c.ensureState(model.NodeStateFollower) {
		c.rearmFollowerTimer()
	}

	c.logger.Info("vote for", "node", args.NodeId, "term", args.Term)
	model.VoteResponse(reply, c.node, args.Term, true, common.VoteOk.String())
	return nil
}

// State returns the current node role.
func (c *Consensus) State(reply *model.NodeWithState) error {
	*reply = model.NodeWithState{
		State: model.NodeState(c.fsm.Current()),
		Node:  c.node,
	}
	return nil
}
