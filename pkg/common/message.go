package common

// VoteResponseMessage is the message used to indicate the reason in the response to the voting request
type VoteResponseMessage string

const (
	// VoteOk represents a vote in agreement
	VoteOk VoteResponseMessage = `ok`
	// VoteTermExpired represents the term has expired
	VoteTermExpired VoteResponseMessage = `term has expired`
	// VoteLeaderExist represents that a leader already exists
	VoteLeaderExist VoteResponseMessage = `leader exist`
	// VoteHaveVoted represents that a vote has already been cast in this term
	VoteHaveVoted VoteResponseMessage = `have voted`
)

func (v VoteResponseMessage) String() string {
	return string(v)
}

// HeartbeatMessage is the message used to indicate the reason in the response to the heartbeat request
type HeartbeatMessage string

const (
	// HeartbeatOk represents that the heartbeat is normal
	HeartbeatOk HeartbeatMessage = `ok`
	// HeartbeatExpired represents that the term has fallen behind
	HeartbeatExpired HeartbeatMessage = `term has expired`
)

func (h HeartbeatMessage) String() string {
	return string(h)
}

// AdmissionMessage is the message used to indicate the reason in the reply to a document proposal
type AdmissionMessage string

const (
	// AdmissionOk represents a document vote in agreement
	AdmissionOk AdmissionMessage = `ok`
	// AdmissionRejected represents a document refused by the local admission policy
	AdmissionRejected AdmissionMessage = `rejected by admission policy`
	// AdmissionSessionUnknown represents a vote for a session this node does not know
	AdmissionSessionUnknown AdmissionMessage = `unknown session`
	// AdmissionSessionClosed represents a vote arriving after the session resolved
	AdmissionSessionClosed AdmissionMessage = `session is not open`
)

func (a AdmissionMessage) String() string {
	return string(a)
}

// AckMessage is the message used to indicate the reason in the reply to a prepare request
type AckMessage string

const (
	// AckOk represents that the content reference resolved and the pending entry is registered
	AckOk AckMessage = `ok`
	// AckStorageUnavailable represents that the storage network could not resolve the reference
	AckStorageUnavailable AckMessage = `storage unavailable`
	// AckUnknownTransaction represents a decision for a transaction with no pending entry
	AckUnknownTransaction AckMessage = `unknown transaction`
)

func (a AckMessage) String() string {
	return string(a)
}
