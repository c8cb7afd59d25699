package config

import (
	"errors"
	"time"
)

// Config represents the node coordination config
type Config struct {
	// ElectTimeoutMin is the lower bound of the randomized election timeout
	ElectTimeoutMin time.Duration `json:"elect_timeout_min,omitempty"`
	// ElectTimeoutMax is the upper bound of the randomized election timeout
	ElectTimeoutMax time.Duration `json:"elect_timeout_max,omitempty"`
	// HeartBeatInterval is interval duration for heartbeat between leader and followers.
	// Must be shorter than ElectTimeoutMin.
	HeartBeatInterval time.Duration `json:"heartbeat_interval,omitempty"`
	// ConnectTimeout represents the timeout duration for a transport connection
	ConnectTimeout time.Duration `json:"connect_timeout,omitempty"`
	// RequestTimeout bounds every node-to-node request
	RequestTimeout time.Duration `json:"request_timeout,omitempty"`

	// SessionTTL is how long a voting session may stay open before it expires
	SessionTTL time.Duration `json:"session_ttl,omitempty"`
	// PrepareTimeout bounds the prepare phase of a commit transaction
	PrepareTimeout time.Duration `json:"prepare_timeout,omitempty"`
	// PeerLivenessThreshold is the maximum silence before a peer is marked inactive
	PeerLivenessThreshold time.Duration `json:"peer_liveness_threshold,omitempty"`
	// SearchSessionTTL is how long cached search sessions are kept
	SearchSessionTTL time.Duration `json:"search_session_ttl,omitempty"`
	// GCSweepInterval is the period of the garbage collector sweep
	GCSweepInterval time.Duration `json:"gc_sweep_interval,omitempty"`

	// Peers contain information about the initially known nodes in the cluster.
	// Nodes discovered later are added to the registry on first contact.
	Peers []NodeConfig `json:"peers,omitempty"`
}

// Validate checks the relationships between the timing fields.
func (c *Config) Validate() error {
	if c.ElectTimeoutMin <= 0 || c.ElectTimeoutMax <= 0 {
		return errors.New("election timeouts must be positive")
	}
	if c.ElectTimeoutMax < c.ElectTimeoutMin {
		return errors.New("elect timeout max must not be below min")
	}
	if c.HeartBeatInterval <= 0 {
		return errors.New("heartbeat interval must be positive")
	}
	if c.HeartBeatInterval >= c.ElectTimeoutMin {
		return errors.New("heartbeat interval must be shorter than the minimum election timeout")
	}
	return nil
}

type NodeConfig struct {
	// ID of node
	ID string `json:"id"`
	// Address of node, used for establishing connections
	Address string `json:"address"`
	// Tags represent additional label information of the node
	Tags map[string]string `json:"tags"`
}
