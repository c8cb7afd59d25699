package consensus

import (
	"log/slog"
	"testing"
	"time"

	"github.com/looplab/fsm"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/docmesh/docmesh/pkg/common"
	"github.com/docmesh/docmesh/pkg/config"
	"github.com/docmesh/docmesh/pkg/model"
)

// newTestConsensus builds a consensus instance pinned to one role, without
// the run loops, so the request handlers can be exercised directly.
func newTestConsensus(state model.NodeState, term uint64) *Consensus {
	f := &fsm.FSM{}
	f.SetState(state.String())

	c := &Consensus{
		state:        &nodeState{role: state, term: term},
		cfg:          &config.Config{},
		logger:       slog.Default(),
		node:         model.Node{ID: "self", Address: "self"},
		fsm:          f,
		eventChan:    make(chan model.NodeEvent, 10),
		followerChan: make(chan struct{}, 1),
	}
	switch state {
	case model.NodeStateLeader:
		c.inLeaderState = true
	case model.NodeStateFollower:
		c.inFollowerState = true
	case model.NodeStateCandidate:
		c.inCandidateState = true
	case model.NodeStateDown:
		c.inDownState = true
	}
	return c
}

func TestConsensus_HeartBeat(t *testing.T) {
	tests := []struct {
		name      string
		state     model.NodeState
		term      uint64
		args      *model.HeartBeatRequest
		result    *model.HeartBeatResponse
		wantTerm  uint64
		wantEvent *model.NodeEvent
	}{
		{
			name:  "normal_heartbeat",
			state: model.NodeStateFollower,
			term:  1,
			args:  &model.HeartBeatRequest{NodeId: "peer1", Term: 2},
			result: &model.HeartBeatResponse{
				Ok:      true,
				Term:    2,
				Message: common.HeartbeatOk.String(),
			},
			wantTerm: 2,
		},
		{
			name:  "expired_heartbeat",
			state: model.NodeStateFollower,
			term:  2,
			args:  &model.HeartBeatRequest{NodeId: "peer1", Term: 1},
			result: &model.HeartBeatResponse{
				Ok:      false,
				Term:    2,
				Message: common.HeartbeatExpired.String(),
			},
			wantTerm: 2,
		},
		{
			name:  "leader_steps_down_on_higher_term",
			state: model.NodeStateLeader,
			term:  1,
			args:  &model.HeartBeatRequest{NodeId: "peer1", Term: 3},
			result: &model.HeartBeatResponse{
				Ok:      true,
				Term:    3,
				Message: common.HeartbeatOk.String(),
			},
			wantTerm:  3,
			wantEvent: eventPtr(model.EventLeaveLeader),
		},
		{
			name:  "second_leader_in_same_term",
			state: model.NodeStateLeader,
			term:  2,
			args:  &model.HeartBeatRequest{NodeId: "peer1", Term: 2},
			result: &model.HeartBeatResponse{
				Ok:      true,
				Term:    2,
				Message: common.HeartbeatOk.String(),
			},
			wantTerm:  2,
			wantEvent: eventPtr(model.EventLeaveLeader),
		},
		{
			name:  "candidate_accepts_new_leader",
			state: model.NodeStateCandidate,
			term:  2,
			args:  &model.HeartBeatRequest{NodeId: "peer1", Term: 2},
			result: &model.HeartBeatResponse{
				Ok:      true,
				Term:    2,
				Message: common.HeartbeatOk.String(),
			},
			wantTerm:  2,
			wantEvent: eventPtr(model.EventNewLeader),
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestConsensus(tt.state, tt.term)

			reply := &model.HeartBeatResponse{}
			require.NoError(t, c.HeartBeat(tt.args, reply))

			assert.Equal(t, tt.result.Ok, reply.Ok)
			assert.Equal(t, tt.result.Term, reply.Term)
			assert.Equal(t, tt.result.Message, reply.Message)
			assert.Equal(t, tt.wantTerm, c.state.currentTerm())

			if tt.wantEvent != nil {
				select {
				case ev := <-c.eventChan:
					assert.Equal(t, *tt.wantEvent, ev)
				default:
					t.Errorf("expected event %s, got none", tt.wantEvent.String())
				}
			}
			if tt.result.Ok {
				assert.Equal(t, tt.args.NodeId, c.state.leader())
			}
		})
	}
}

func TestConsensus_RequestVote(t *testing.T) {
	tests := []struct {
		name     string
		state    model.NodeState
		term     uint64
		voteFor  string
		args     *model.RequestVoteRequest
		wantVote bool
		wantMsg  string
	}{
		{
			name:     "vote_leader_ok",
			state:    model.NodeStateLeader,
			term:     1,
			args:     &model.RequestVoteRequest{NodeId: "peer1", Term: 2},
			wantVote: true,
			wantMsg:  common.VoteOk.String(),
		},
		{
			name:     "vote_leader_exist",
			state:    model.NodeStateLeader,
			term:     2,
			args:     &model.RequestVoteRequest{NodeId: "peer1", Term: 2},
			wantVote: false,
			wantMsg:  common.VoteLeaderExist.String(),
		},
		{
			name:     "vote_follower_ok",
			state:    model.NodeStateFollower,
			term:     2,
			args:     &model.RequestVoteRequest{NodeId: "peer1", Term: 2},
			wantVote: true,
			wantMsg:  common.VoteOk.String(),
		},
		{
			name:     "vote_follower_term_expired",
			state:    model.NodeStateFollower,
			term:     3,
			args:     &model.RequestVoteRequest{NodeId: "peer1", Term: 2},
			wantVote: false,
			wantMsg:  common.VoteTermExpired.String(),
		},
		{
			name:     "vote_follower_have_voted",
			state:    model.NodeStateFollower,
			term:     2,
			voteFor:  "peer2",
			args:     &model.RequestVoteRequest{NodeId: "peer1", Term: 2},
			wantVote: false,
			wantMsg:  common.VoteHaveVoted.String(),
		},
		{
			name:     "vote_candidate_have_voted",
			state:    model.NodeStateCandidate,
			term:     2,
			voteFor:  "self",
			args:     &model.RequestVoteRequest{NodeId: "peer1", Term: 2},
			wantVote: false,
			wantMsg:  common.VoteHaveVoted.String(),
		},
		{
			name:     "vote_candidate_newer_term",
			state:    model.NodeStateCandidate,
			term:     1,
			voteFor:  "self",
			args:     &model.RequestVoteRequest{NodeId: "peer1", Term: 2},
			wantVote: true,
			wantMsg:  common.VoteOk.String(),
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestConsensus(tt.state, tt.term)
			if tt.voteFor != "" {
				require.True(t, c.state.tryVote(tt.term, tt.voteFor))
			}

			reply := &model.RequestVoteResponse{}
			require.NoError(t, c.RequestVote(tt.args, reply))

			assert.Equal(t, tt.wantVote, reply.Vote)
			assert.Equal(t, tt.wantMsg, reply.Message)
			assert.Equal(t, "self", reply.Node.ID)
		})
	}
}

func TestConsensus_State(t *testing.T) {
	c := newTestConsensus(model.NodeStateFollower, 1)

	reply := &model.NodeWithState{}
	require.NoError(t, c.State(reply))

	assert.Equal(t, model.NodeStateFollower, reply.State)
	assert.Equal(t, "self", reply.Node.ID)
}

func TestNodeState_AdoptTerm(t *testing.T) {
	s := &nodeState{}

	assert.True(t, s.adoptTerm(3))
	assert.Equal(t, uint64(3), s.currentTerm())

	// terms never go backwards
	assert.False(t, s.adoptTerm(2))
	assert.Equal(t, uint64(3), s.currentTerm())

	// adopting a newer term clears the vote and the leader
	require.True(t, s.tryVote(3, "peer1"))
	s.recordLeader("peer1")
	assert.True(t, s.adoptTerm(4))
	assert.Empty(t, s.leader())
	assert.True(t, s.tryVote(4, "peer2"))
}

func TestNodeState_SingleVotePerTerm(t *testing.T) {
	s := &nodeState{term: 5}

	assert.True(t, s.tryVote(5, "peer1"))
	// repeat grant to the same candidate is idempotent
	assert.True(t, s.tryVote(5, "peer1"))
	// but no second candidate in the same term
	assert.False(t, s.tryVote(5, "peer2"))
	// and no votes in stale terms
	assert.False(t, s.tryVote(4, "peer3"))
}

func TestNodeState_IncrementTerm(t *testing.T) {
	s := &nodeState{term: 7}
	s.recordLeader("peer1")

	term := s.incrementTerm("self")
	assert.Equal(t, uint64(8), term)
	assert.Empty(t, s.leader())
	// the self vote is already spent
	assert.False(t, s.tryVote(8, "peer1"))
	assert.True(t, s.tryVote(8, "self"))
}

func TestConsensus_Snapshot(t *testing.T) {
	t.Run("leader_reports_self", func(t *testing.T) {
		c := newTestConsensus(model.NodeStateLeader, 5)

		snap := c.Snapshot()
		assert.Equal(t, model.NodeStateLeader, snap.State)
		assert.Equal(t, uint64(5), snap.Term)
		assert.Equal(t, "self", snap.Leader)
	})

	t.Run("follower_reports_recorded_leader", func(t *testing.T) {
		c := newTestConsensus(model.NodeStateFollower, 3)
		c.state.recordLeader("peer1")

		snap := c.Snapshot()
		assert.Equal(t, model.NodeStateFollower, snap.State)
		assert.Equal(t, uint64(3), snap.Term)
		assert.Equal(t, "peer1", snap.Leader)
	})

	t.Run("consistent_under_concurrent_elections", func(t *testing.T) {
		c := newTestConsensus(model.NodeStateFollower, 1)

		done := make(chan struct{})
		go func() {
			defer close(done)
			for term := uint64(2); term < 2000; term++ {
				// a new term always clears the leader before one is recorded
				c.state.adoptTerm(term)
				c.state.recordLeader("peer1")
			}
		}()

		// a snapshot must never pair a recorded leader with a term the
		// writer has already moved past
		for i := 0; i < 1000; i++ {
			before := c.state.currentTerm()
			snap := c.Snapshot()
			assert.GreaterOrEqual(t, snap.Term, before)
		}
		<-done
	})
}

func TestConsensus_RearmAfterFollowerExit(t *testing.T) {
	c := newTestConsensus(model.NodeStateFollower, 1)

	// the election timer fired concurrently: the follower loop is gone
	// and its channel is closed
	c.followerMu.Lock()
	c.inFollowerState = false
	close(c.followerChan)
	c.followerMu.Unlock()

	assert.NotPanics(t, func() { c.rearmFollowerTimer() })
}

func TestConsensus_ElectionTimeoutBounds(t *testing.T) {
	c := &Consensus{
		cfg: &config.Config{
			ElectTimeoutMin: 300 * time.Millisecond,
			ElectTimeoutMax: 600 * time.Millisecond,
		},
	}

	for i := 0; i < 100; i++ {
		d := c.electionTimeout()
		assert.GreaterOrEqual(t, d, 300*time.Millisecond)
		assert.Less(t, d, 600*time.Millisecond)
	}
}

func eventPtr(ev model.NodeEvent) *model.NodeEvent {
	return &ev
}
