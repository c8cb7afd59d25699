package model

import (
	"time"
)

// SessionState is the lifecycle state of a document voting session.
type SessionState string

const (
	// SessionOpen session is still collecting votes
	SessionOpen SessionState = "open"
	// SessionApproved yes votes reached quorum of the live-peer set
	SessionApproved SessionState = "approved"
	// SessionRejected a yes quorum became mathematically unreachable
	SessionRejected SessionState = "rejected"
	// SessionExpired session passed its deadline without resolving
	SessionExpired SessionState = "expired"
)

func (s SessionState) String() string {
	return string(s)
}

// VotingSession is a per-document approval process, owned by the leader
// that created it. Peers hold read-only mirrors for display.
type VotingSession struct {
	ID          string          `json:"id"`
	DocumentId  string          `json:"document_id"`
	ProposerId  string          `json:"proposer_id"`
	Filename    string          `json:"filename"`
	Fingerprint string          `json:"fingerprint"`
	Size        int64           `json:"size"`
	Votes       map[string]bool `json:"votes"`
	State       SessionState    `json:"state"`
	CreatedAt   time.Time       `json:"created_at"`
	ExpiresAt   time.Time       `json:"expires_at"`
}

// TxPhase is the phase of a commit transaction.
type TxPhase string

const (
	// TxPrepare collecting prepare acknowledgements
	TxPrepare TxPhase = "prepare"
	// TxCommit terminal, document visible on every acking peer
	TxCommit TxPhase = "commit"
	// TxAbort terminal, no peer exposes the document
	TxAbort TxPhase = "abort"
)

func (p TxPhase) String() string {
	return string(p)
}

// CommitTransaction replicates one approved document across the peer set.
// Created only from an approved VotingSession.
type CommitTransaction struct {
	ID         string          `json:"id"`
	DocumentId string          `json:"document_id"`
	Filename   string          `json:"filename"`
	ContentRef string          `json:"content_ref"`
	Version    uint64          `json:"version"`
	Phase      TxPhase         `json:"phase"`
	Acks       map[string]bool `json:"acks"`
	CreatedAt  time.Time       `json:"created_at"`
}

// ReplicaSet returns the ids of peers that acknowledged prepare.
func (t *CommitTransaction) ReplicaSet() []string {
	var replicas []string
	for peerID, ok := range t.Acks {
		if ok {
			replicas = append(replicas, peerID)
		}
	}
	return replicas
}

// SearchSession is an ephemeral cache entry recording where a query was
// dispatched and what came back.
type SearchSession struct {
	QueryId      string      `json:"query_id"`
	Token        string      `json:"token"`
	QueryVector  []float32   `json:"query_vector"`
	TargetPeerId string      `json:"target_peer_id"`
	Results      []SearchHit `json:"results"`
	Done         bool        `json:"done"`
	CreatedAt    time.Time   `json:"created_at"`
	ExpiresAt    time.Time   `json:"expires_at"`
}

// Document is a committed entry in the replicated index.
type Document struct {
	ID          string    `json:"id"`
	Filename    string    `json:"filename"`
	ContentRef  string    `json:"content_ref"`
	Fingerprint string    `json:"fingerprint"`
	Version     uint64    `json:"version"`
	AddedAt     time.Time `json:"added_at"`
	Replicas    []string  `json:"replicas,omitempty"`
}
