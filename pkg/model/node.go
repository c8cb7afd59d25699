package model

import (
	"errors"
	"time"
)

// NodeState represents the election role of a node.
type NodeState string

const (
	// NodeStateLeader leader state
	NodeStateLeader NodeState = "leader"
	// NodeStateFollower follower state
	NodeStateFollower NodeState = "follower"
	// NodeStateCandidate candidate state
	NodeStateCandidate NodeState = "candidate"
	// NodeStateDown down state
	NodeStateDown NodeState = "down"
)

func (n NodeState) String() string {
	return string(n)
}

// PeerStatus represents the liveness status of an entry in the peer registry.
type PeerStatus string

const (
	// PeerStatusActive peer has been heard from within the liveness threshold
	PeerStatusActive PeerStatus = "active"
	// PeerStatusInactive peer has been silent past the liveness threshold
	PeerStatusInactive PeerStatus = "inactive"
)

func (p PeerStatus) String() string {
	return string(p)
}

// Node represents a node instance
type Node struct {
	ID      string
	Address string
	Tags    map[string]string
}

func (n *Node) Validate() error {
	if n.ID == "" {
		return errors.New("node ID is required")
	}
	if n.Address == "" {
		return errors.New("node address is required")
	}
	return nil
}

// Peer is a registry entry for a known cluster member.
// Entries are created lazily on first contact and marked inactive
// after the liveness threshold elapses without traffic.
type Peer struct {
	Node

	LastSeenAt time.Time
	Status     PeerStatus
}

// NodeWithState couples a node with its current election role, used by status queries.
type NodeWithState struct {
	Node  Node      `json:"node"`
	State NodeState `json:"state"`
}

// ClusterState represents the state of a cluster, including the nodes that make up the cluster.
type ClusterState struct {
	Nodes map[string]*NodeWithState `json:"nodes"`
}
