package model

// CommandCode identifies a node-to-node control message.
// The set is closed; HandleRequest dispatches by an explicit match.
type CommandCode uint8

const (
	// HeartBeat is the leader heartbeat command
	HeartBeat CommandCode = iota + 1
	// RequestVote is the election vote request command
	RequestVote
	// ProposeDocument opens a document voting session on a peer
	ProposeDocument
	// CastVote records a peer vote in a voting session on the leader
	CastVote
	// Prepare is the first phase of document replication
	Prepare
	// Commit finalizes a prepared transaction
	Commit
	// Abort rolls back a prepared transaction
	Abort
	// Search forwards a query vector to a peer
	Search
	// State requests the election state of a node
	State
)

func (c CommandCode) String() string {
	switch c {
	case HeartBeat:
		return "heartbeat"
	case RequestVote:
		return "request_vote"
	case ProposeDocument:
		return "propose_document"
	case CastVote:
		return "cast_vote"
	case Prepare:
		return "prepare"
	case Commit:
		return "commit"
	case Abort:
		return "abort"
	case Search:
		return "search"
	case State:
		return "state"
	}
	return "unknown"
}

// HeartBeatRequest is the heartbeat request
type HeartBeatRequest struct {
	NodeId string `json:"node_id"`
	Term   uint64 `json:"term"`
}

// HeartBeatResponse is the heartbeat response.
// A rejection carries the responder's higher term so the sender can step down.
type HeartBeatResponse struct {
	Ok      bool   `json:"ok,omitempty"`
	Term    uint64 `json:"term,omitempty"`
	Message string `json:"message,omitempty"`
}

func HBResponse(resp *HeartBeatResponse, ok bool, term uint64, msg string) {
	resp.Ok = ok
	resp.Term = term
	resp.Message = msg
}

// RequestVoteRequest is the election vote request
type RequestVoteRequest struct {
	NodeId   string `json:"node_id"`
	Term     uint64 `json:"term"`
	NodeAddr string `json:"node_addr"`
}

// RequestVoteResponse is the election vote response
type RequestVoteResponse struct {
	Node    Node   `json:"node"`
	Term    uint64 `json:"term,omitempty"`
	Vote    bool   `json:"vote"`
	Message string `json:"message,omitempty"`
}

func VoteResponse(resp *RequestVoteResponse, node Node, term uint64, vote bool, msg string) {
	resp.Node = node
	resp.Term = term
	resp.Vote = vote
	resp.Message = msg
}

// ProposeDocumentRequest asks a peer to vote on admitting a document.
type ProposeDocumentRequest struct {
	SessionId   string `json:"session_id"`
	DocumentId  string `json:"document_id"`
	Filename    string `json:"filename"`
	Fingerprint string `json:"fingerprint"`
	Size        int64  `json:"size"`
	ProposerId  string `json:"proposer_id"`
}

// DocumentVote is the reply to a proposal, and also the payload of a
// late CastVote sent leader-ward.
type DocumentVote struct {
	SessionId string `json:"session_id"`
	PeerId    string `json:"peer_id"`
	Approve   bool   `json:"approve"`
	Message   string `json:"message,omitempty"`
}

// PrepareRequest is the first phase of two-phase commit for an approved document.
type PrepareRequest struct {
	TransactionId string `json:"transaction_id"`
	DocumentId    string `json:"document_id"`
	Filename      string `json:"filename"`
	ContentRef    string `json:"content_ref"`
	Version       uint64 `json:"version"`
}

// PrepareAck is the peer acknowledgement of a prepare request.
type PrepareAck struct {
	TransactionId string `json:"transaction_id"`
	PeerId        string `json:"peer_id"`
	Ok            bool   `json:"ok"`
	Message       string `json:"message,omitempty"`
}

// DecisionRequest carries the terminal decision of a transaction,
// used by both Commit and Abort commands.
type DecisionRequest struct {
	TransactionId string `json:"transaction_id"`
	LeaderId      string `json:"leader_id"`
}

// DecisionResponse acknowledges a commit or abort.
type DecisionResponse struct {
	TransactionId string `json:"transaction_id"`
	PeerId        string `json:"peer_id"`
	Ok            bool   `json:"ok"`
	Message       string `json:"message,omitempty"`
}

// SearchRequest forwards a query vector to a peer.
type SearchRequest struct {
	QueryId     string    `json:"query_id"`
	QueryVector []float32 `json:"query_vector"`
	TopK        int       `json:"top_k"`
	OriginId    string    `json:"origin_id"`
}

// SearchResponse carries the ranked document ids back to the dispatcher.
type SearchResponse struct {
	QueryId string      `json:"query_id"`
	PeerId  string      `json:"peer_id"`
	Results []SearchHit `json:"results"`
}

// SearchHit is a single ranked search result.
type SearchHit struct {
	Rank       int     `json:"rank"`
	Distance   float32 `json:"distance"`
	DocumentId string  `json:"document_id"`
	ContentRef string  `json:"content_ref"`
	Filename   string  `json:"filename"`
}
