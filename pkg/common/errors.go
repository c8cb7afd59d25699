package common

import (
	"errors"
)

var (
	// ErrBadCommand indicates a request payload that could not be decoded
	ErrBadCommand = errors.New("bad command payload")
	// ErrNotLeader indicates an operation that is only valid on the current leader
	ErrNotLeader = errors.New("node is not the leader")
	// ErrStaleTerm indicates a message carrying a term below the recipient's
	ErrStaleTerm = errors.New("stale term rejected")
	// ErrQuorumUnreachable indicates too few live peers to ever reach quorum
	ErrQuorumUnreachable = errors.New("quorum unreachable")
	// ErrSessionExpired indicates a voting session that timed out unresolved
	ErrSessionExpired = errors.New("voting session expired")
	// ErrSessionNotFound indicates an unknown voting session id
	ErrSessionNotFound = errors.New("voting session not found")
	// ErrSessionClosed indicates a voting session that already resolved
	ErrSessionClosed = errors.New("voting session is not open")
	// ErrTransactionAborted indicates a replication transaction that rolled back
	ErrTransactionAborted = errors.New("transaction aborted")
	// ErrTransactionNotFound indicates an unknown transaction id
	ErrTransactionNotFound = errors.New("transaction not found")
	// ErrPeerUnreachable indicates a peer that did not answer within the timeout
	ErrPeerUnreachable = errors.New("peer unreachable")
	// ErrStorageUnavailable indicates the storage network failed to serve a reference
	ErrStorageUnavailable = errors.New("storage unavailable")
	// ErrNoPeersAvailable indicates no live peer could serve a request
	ErrNoPeersAvailable = errors.New("no live peers available")
)
