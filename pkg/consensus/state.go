package consensus

import (
	"sync"
	"time"

	"github.com/docmesh/docmesh/pkg/model"
)

// nodeState is the role, term, vote and leader bookkeeping of the local
// node. currentTerm never decreases and voteFor is set at most once per
// term. The role mirrors the FSM so status reads get role, term and
// leader from one lock acquisition.
type nodeState struct {
	mu sync.Mutex

	role    model.NodeState
	term    uint64
	voted   bool
	voteFor string

	leaderID        string
	lastHeartbeatAt time.Time
}

func (s *nodeState) currentTerm() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.term
}

// adoptTerm raises the local term, clearing the vote and the known leader.
// Terms below the current one are ignored.
func (s *nodeState) adoptTerm(term uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if term < s.term {
		return false
	} else if term == s.term {
		return true
	}
	s.term = term
	s.voted = false
	s.voteFor = ""
	s.leaderID = ""
	return true
}

// tryVote grants a vote for candidate in term. It fails when the term is
// stale or a vote in this term already went to a different candidate.
func (s *nodeState) tryVote(term uint64, candidate string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if term != s.term {
		return false
	}
	if s.voted && s.voteFor != candidate {
		return false
	}
	s.voted = true
	s.voteFor = candidate
	return true
}

// incrementTerm starts a new term with a self-vote.
func (s *nodeState) incrementTerm(self string) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.term += 1
	s.voted = true
	s.voteFor = self
	s.leaderID = ""
	return s.term
}

// recordLeader notes the leader that sent a valid heartbeat.
func (s *nodeState) recordLeader(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.leaderID = id
	s.lastHeartbeatAt = time.Now()
}

func (s *nodeState) leader() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.leaderID
}

func (s *nodeState) lastHeartbeat() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastHeartbeatAt
}

// setRole records the election role the FSM just entered.
func (s *nodeState) setRole(role model.NodeState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.role = role
}

// snapshot returns role, term and leader under one lock acquisition.
func (s *nodeState) snapshot() (model.NodeState, uint64, string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.role, s.term, s.leaderID
}
