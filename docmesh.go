// Package docmesh wires the coordination engine of a peer-to-peer document
// mesh: leader election, per-document voting, two-phase replication,
// distributed search dispatch and garbage collection, behind one facade.
package docmesh

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/docmesh/docmesh/pkg/cluster"
	"github.com/docmesh/docmesh/pkg/commit"
	"github.com/docmesh/docmesh/pkg/common"
	"github.com/docmesh/docmesh/pkg/config"
	"github.com/docmesh/docmesh/pkg/consensus"
	"github.com/docmesh/docmesh/pkg/gc"
	"github.com/docmesh/docmesh/pkg/index"
	"github.com/docmesh/docmesh/pkg/model"
	"github.com/docmesh/docmesh/pkg/search"
	"github.com/docmesh/docmesh/pkg/storage"
	"github.com/docmesh/docmesh/pkg/voting"
)

const (
	// heartbeat interval, in milliseconds
	defaultHeartBeatInterval = 150
	// lower bound of the election timeout, in milliseconds
	defaultElectTimeoutMin = 300
	// upper bound of the election timeout, in milliseconds
	defaultElectTimeoutMax = 600
	// connect timeout, in seconds
	defaultConnectTimeout = 5
	// peer request timeout, in seconds
	defaultRequestTimeout = 5
	// voting session time to live, in seconds
	defaultSessionTTL = 60
	// prepare round timeout, in seconds
	defaultPrepareTimeout = 10
	// silence threshold before a peer is marked inactive, in seconds
	defaultPeerLivenessThreshold = 30
	// search session time to live, in seconds
	defaultSearchSessionTTL = 300
	// sweep interval of the garbage collector, in seconds
	defaultGCSweepInterval = 10
)

// Config is the top level configuration of a mesh node.
type Config struct {
	// Node information
	Node Node
	// List of seed peers in the mesh
	Peers []Node

	// Interval between leader heartbeats, in milliseconds
	HeartBeatInterval uint
	// Bounds of the randomized election timeout, in milliseconds
	ElectTimeoutMin uint
	ElectTimeoutMax uint
	// Timeout for connecting to peers, in seconds
	ConnectTimeout uint
	// Timeout for a single peer request, in seconds
	RequestTimeout uint
	// Voting session lifetime, in seconds
	SessionTTL uint
	// Prepare round deadline, in seconds
	PrepareTimeout uint
	// Peer silence threshold, in seconds
	PeerLivenessThreshold uint
	// Search session lifetime, in seconds
	SearchSessionTTL uint
	// Sweep interval of the garbage collector, in seconds
	GCSweepInterval uint

	// Path of the local document index database
	IndexPath string

	// Admission policy limits; zero values fall back to the defaults
	MaxDocumentSize   int64
	AllowedExtensions []string

	// State callbacks
	CallBacks *StateCallBacks
	// Timeout for callbacks, in seconds
	CallBackTimeout int
}

// Node describes a mesh member.
type Node struct {
	// ID of the node
	ID string
	// Address of the node
	Address string
	// Tags associated with the node
	Tags map[string]string
}

type StateHandler func(ctx context.Context, st model.StateTransition) error

// StateCallBacks holds the hooks triggered on node state transitions.
type StateCallBacks struct {
	EnterLeader    StateHandler
	LeaveLeader    StateHandler
	EnterFollower  StateHandler
	LeaveFollower  StateHandler
	EnterCandidate StateHandler
	LeaveCandidate StateHandler
}

// NewMesh assembles a node from its transport, storage backend and search
// engine. Run starts it.
func NewMesh(
	cfg *Config,
	trans model.Transport,
	transConfig model.TransportConfig,
	store storage.Network,
	engine search.Engine,
	logger *slog.Logger) (*Mesh, error) {
	if logger == nil {
		return nil, fmt.Errorf("new mesh, logger is nil")
	}

	engineCfg := buildEngineConfig(cfg)
	if err := engineCfg.Validate(); err != nil {
		return nil, err
	}

	self := model.Node{
		ID:      cfg.Node.ID,
		Address: cfg.Node.Address,
		Tags:    cfg.Node.Tags,
	}
	if err := self.Validate(); err != nil {
		return nil, err
	}

	registry := cluster.NewRegistry(self, logger)

	indexPath := cfg.IndexPath
	if indexPath == "" {
		indexPath = "docmesh.db"
	}
	idx, err := index.Open(indexPath)
	if err != nil {
		return nil, fmt.Errorf("open document index: %w", err)
	}

	cons, err := consensus.NewConsensus(self, registry, trans, transConfig, engineCfg, logger)
	if err != nil {
		return nil, err
	}

	policy := voting.DefaultPolicy(cfg.MaxDocumentSize, cfg.AllowedExtensions, idx)
	votes, err := voting.NewCoordinator(self, registry, trans, engineCfg, policy, cons.IsLeader, logger)
	if err != nil {
		return nil, err
	}

	applier := &meshApplier{index: idx, engine: engine, logger: logger.With("component", "applier")}
	commits, err := commit.NewCoordinator(self, registry, trans, store, applier, engineCfg, logger)
	if err != nil {
		return nil, err
	}

	searches, err := search.NewDispatcher(self, registry, trans, engine, engineCfg, logger)
	if err != nil {
		return nil, err
	}

	m := &Mesh{
		cfg:             cfg,
		engineCfg:       engineCfg,
		node:            self,
		registry:        registry,
		transport:       trans,
		transportConfig: transConfig,
		store:           store,
		index:           idx,
		consensus:       cons,
		voting:          votes,
		commit:          commits,
		search:          searches,
		uploads:         make(map[string]*upload),
		results:         make(map[string]string),
		callBacks:       cfg.CallBacks,
		callBackTimeout: cfg.CallBackTimeout,
		errChan:         make(chan error, 10),
		done:            make(chan struct{}),
		logger:          logger.With("component", "mesh"),
	}
	m.sweeper = gc.NewSweeper(registry, votes, commits, searches, engineCfg, logger)
	votes.OnApproved(m.onSessionApproved)

	return m, nil
}

// Mesh is a running node of the document mesh.
type Mesh struct {
	cfg       *Config
	engineCfg *config.Config
	node      model.Node

	registry        *cluster.Registry
	transport       model.Transport
	transportConfig model.TransportConfig
	store           storage.Network
	index           *index.Store

	consensus *consensus.Consensus
	voting    *voting.Coordinator
	commit    *commit.Coordinator
	search    *search.Dispatcher
	sweeper   *gc.Sweeper

	// uploads holds proposed content until its session resolves
	uploadMu sync.Mutex
	uploads  map[string]*upload
	// results maps a resolved session to its replication transaction
	results map[string]string

	callBacks       *StateCallBacks
	callBackTimeout int
	errChan         chan error

	done     chan struct{}
	stopOnce sync.Once

	logger *slog.Logger
}

// upload is document content parked between proposal and replication.
type upload struct {
	documentID string
	content    []byte
	expiresAt  time.Time
}

// Run starts the transport server, connects the seed peers and launches
// the consensus loop and the garbage collector.
func (m *Mesh) Run() error {
	if err := m.transport.Start(m.node.Address, m.handleCommand, m.transportConfig); err != nil {
		m.logger.Error("failed to start transport server", "error", err.Error())
		return err
	}

	seeds := make([]*model.Node, 0, len(m.cfg.Peers))
	for _, p := range m.cfg.Peers {
		if p.ID == m.node.ID {
			continue
		}
		n := model.Node{ID: p.ID, Address: p.Address, Tags: p.Tags}
		seeds = append(seeds, &n)
		m.registry.Touch(n)
	}
	if err := m.transport.InitConnections(seeds, m.transportConfig); err != nil {
		return err
	}

	stateChan, err := m.consensus.Run()
	if err != nil {
		return err
	}
	go m.handleStateTransition(stateChan)
	go m.sweeper.Run()
	go m.pruneUploadsLoop()

	m.logger.Info("mesh node started", "node", m.node.ID, "address", m.node.Address)
	return nil
}

// Stop shuts the node down. Calling it more than once is a no-op.
func (m *Mesh) Stop() error {
	var err error
	m.stopOnce.Do(func() {
		m.consensus.Stop()
		m.sweeper.Stop()
		close(m.done)
		err = m.index.Close()
	})
	return err
}

// Errors returns a receive-only channel of callback errors.
func (m *Mesh) Errors() <-chan error {
	return m.errChan
}

// IsLeader determines whether this node is the current leader.
func (m *Mesh) IsLeader() bool {
	return m.consensus.IsLeader()
}

// LeaderID returns the id of the current leader, empty when unknown.
func (m *Mesh) LeaderID() string {
	return m.consensus.LeaderID()
}

// CurrentState returns current node state.
func (m *Mesh) CurrentState() string {
	return m.consensus.CurrentState().String()
}

// Status is a consistent snapshot of the node for display.
type Status struct {
	Node         model.Node   `json:"node"`
	State        string       `json:"state"`
	Term         uint64       `json:"term"`
	Leader       string       `json:"leader"`
	Peers        []model.Peer `json:"peers"`
	OpenSessions int          `json:"open_sessions"`
	Transactions int          `json:"transactions"`
	IndexVersion uint64       `json:"index_version"`
}

// Status reports the node, cluster and table state in one snapshot.
func (m *Mesh) Status() Status {
	version, err := m.index.Version()
	if err != nil {
		m.logger.Error("failed to read index version", "error", err.Error())
	}

	snap := m.consensus.Snapshot()
	return Status{
		Node:         m.node,
		State:        snap.State.String(),
		Term:         snap.Term,
		Leader:       snap.Leader,
		Peers:        m.registry.Snapshot(),
		OpenSessions: len(m.voting.OpenSessions()),
		Transactions: len(m.commit.Transactions()),
		IndexVersion: version,
	}
}

// AddDocument proposes new content to the mesh. Only the leader accepts
// proposals; followers fail with common.ErrNotLeader so callers can
// redirect to LeaderID. The returned session id can be polled with
// Session until the vote resolves and replication finishes.
func (m *Mesh) AddDocument(filename string, content []byte) (string, error) {
	sum := sha256.Sum256(content)
	fingerprint := hex.EncodeToString(sum[:])
	documentID := fingerprint[:16]

	sessionID, err := m.voting.OpenSession(documentID, filename, fingerprint, int64(len(content)))
	if err != nil {
		return "", err
	}

	m.uploadMu.Lock()
	m.uploads[sessionID] = &upload{
		documentID: documentID,
		content:    content,
		expiresAt:  time.Now().Add(m.engineCfg.SessionTTL),
	}
	m.uploadMu.Unlock()

	m.logger.Info("document proposed",
		"session", sessionID, "document", documentID, "filename", filename, "size", len(content))
	return sessionID, nil
}

// Session returns the voting session together with the transaction id of
// its replication, once one exists.
func (m *Mesh) Session(sessionID string) (model.VotingSession, string, bool) {
	session, ok := m.voting.Session(sessionID)
	if !ok {
		return model.VotingSession{}, "", false
	}

	m.uploadMu.Lock()
	txID := m.results[sessionID]
	m.uploadMu.Unlock()
	return session, txID, true
}

// Transaction returns a replication transaction by id.
func (m *Mesh) Transaction(txID string) (model.CommitTransaction, bool) {
	return m.commit.Transaction(txID)
}

// Documents lists the locally committed documents in commit order.
func (m *Mesh) Documents() ([]model.Document, error) {
	return m.index.List()
}

// Document returns a committed document by id.
func (m *Mesh) Document(id string) (model.Document, bool, error) {
	return m.index.Get(id)
}

// Download fetches the content of a committed document from storage.
func (m *Mesh) Download(ctx context.Context, id string) (model.Document, []byte, error) {
	doc, ok, err := m.index.Get(id)
	if err != nil {
		return model.Document{}, nil, err
	}
	if !ok {
		return model.Document{}, nil, fmt.Errorf("document %s not found", id)
	}

	content, err := m.store.Get(ctx, doc.ContentRef)
	if err != nil {
		return model.Document{}, nil, err
	}
	return doc, content, nil
}

// Search runs a query somewhere on the mesh, round-robin over the live
// peers. Any node accepts searches.
func (m *Mesh) Search(ctx context.Context, vector []float32, k int) (model.SearchSession, error) {
	return m.search.Dispatch(ctx, vector, k)
}

// SearchResult looks up a finished search by query id and token.
func (m *Mesh) SearchResult(queryID, token string) (model.SearchSession, bool) {
	return m.search.Session(queryID, token)
}

// ClusterState collects the state of every live peer.
func (m *Mesh) ClusterState() (*model.ClusterState, error) {
	return m.consensus.ClusterState()
}

// handleCommand is the single entry point for peer requests. Every inbound
// message refreshes the sender in the registry before dispatch.
func (m *Mesh) handleCommand(request *model.Request, response *model.Response) error {
	response.Header = model.Header{Node: m.node}

	peer := request.Header.Node
	if peer.ID != "" && peer.ID != m.node.ID {
		m.registry.Touch(peer)
		if err := m.transport.Connect(&peer, m.transportConfig); err != nil {
			m.logger.Warn("failed to open return path", "peer", peer.ID, "error", err.Error())
		}
	}

	switch request.CommandCode {
	case model.HeartBeat:
		return dispatch(m, request, response, &model.HeartBeatRequest{}, &model.HeartBeatResponse{}, m.consensus.HeartBeat)
	case model.RequestVote:
		return dispatch(m, request, response, &model.RequestVoteRequest{}, &model.RequestVoteResponse{}, m.consensus.RequestVote)
	case model.State:
		resp := &model.NodeWithState{}
		if err := m.consensus.State(resp); err != nil {
			response.Error = err
			return err
		}
		response.CommandResponse = resp
		return nil
	case model.ProposeDocument:
		return dispatch(m, request, response, &model.ProposeDocumentRequest{}, &model.DocumentVote{}, m.voting.HandlePropose)
	case model.CastVote:
		vote := &model.DocumentVote{}
		if err := m.transport.Decode(request.Command, vote); err != nil {
			response.Error = common.ErrBadCommand
			return common.ErrBadCommand
		}
		if err := m.voting.CastVote(vote.SessionId, vote.PeerId, vote.Approve); err != nil {
			response.Error = err
			return err
		}
		response.CommandResponse = vote
		return nil
	case model.Prepare:
		return dispatch(m, request, response, &model.PrepareRequest{}, &model.PrepareAck{}, m.commit.HandlePrepare)
	case model.Commit:
		return dispatch(m, request, response, &model.DecisionRequest{}, &model.DecisionResponse{}, m.commit.HandleCommit)
	case model.Abort:
		return dispatch(m, request, response, &model.DecisionRequest{}, &model.DecisionResponse{}, m.commit.HandleAbort)
	case model.Search:
		return dispatch(m, request, response, &model.SearchRequest{}, &model.SearchResponse{}, m.search.HandleSearch)
	default:
		m.logger.Error("unknown command", "code", request.CommandCode, "peer", peer.ID)
		response.Error = common.ErrBadCommand
		return common.ErrBadCommand
	}
}

// dispatch decodes the command payload, runs the handler and attaches its
// reply to the response envelope.
func dispatch[Req any, Resp any](m *Mesh, request *model.Request, response *model.Response, args *Req, reply *Resp, handler func(*Req, *Resp) error) error {
	if err := m.transport.Decode(request.Command, args); err != nil {
		m.logger.Error("failed to decode command",
			"code", request.CommandCode.String(), "error", err.Error())
		response.Error = common.ErrBadCommand
		return common.ErrBadCommand
	}
	if err := handler(args, reply); err != nil {
		response.Error = err
		return err
	}
	response.CommandResponse = reply
	return nil
}

// onSessionApproved fires when a voting session reaches quorum. The
// proposer holds the content, so only it drives replication; other nodes
// see the session approved and wait for the prepare round.
func (m *Mesh) onSessionApproved(session model.VotingSession) {
	m.uploadMu.Lock()
	up, ok := m.uploads[session.ID]
	delete(m.uploads, session.ID)
	m.uploadMu.Unlock()
	if !ok {
		return
	}

	go m.replicate(session, up.content)
}

func (m *Mesh) replicate(session model.VotingSession, content []byte) {
	timeout := m.engineCfg.PrepareTimeout + m.engineCfg.RequestTimeout
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	tx, err := m.commit.Replicate(ctx, session, content)
	if err != nil {
		m.logger.Error("replication failed",
			"session", session.ID, "document", session.DocumentId, "error", err.Error())
		m.sendError(err)
	}
	if tx.ID == "" {
		return
	}

	m.uploadMu.Lock()
	m.results[session.ID] = tx.ID
	m.uploadMu.Unlock()
}

// pruneUploadsLoop drops parked content whose session never resolved.
// It runs until Stop.
func (m *Mesh) pruneUploadsLoop() {
	ticker := time.NewTicker(m.engineCfg.GCSweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.pruneUploads(time.Now())
		case <-m.done:
			return
		}
	}
}

func (m *Mesh) pruneUploads(now time.Time) {
	m.uploadMu.Lock()
	defer m.uploadMu.Unlock()

	for id, up := range m.uploads {
		if now.After(up.expiresAt) {
			delete(m.uploads, id)
			m.logger.Info("dropped unresolved upload", "session", id, "document", up.documentID)
		}
	}
}

func (m *Mesh) sendError(err error) {
	select {
	case m.errChan <- err:
	default:
	}
}

func (m *Mesh) handleStateTransition(stateChan <-chan model.StateTransition) {
	for st := range stateChan {
		m.logger.Debug("state transition",
			"type", st.Type.String(), "state", st.State, "src", st.SrcState)

		if m.callBacks == nil {
			continue
		}
		var err error
		switch st.Type {
		case model.TransitionTypeLeave:
			switch st.State {
			case model.NodeStateLeader:
				err = m.execStateHandler(m.callBacks.LeaveLeader, st)
			case model.NodeStateFollower:
				err = m.execStateHandler(m.callBacks.LeaveFollower, st)
			case model.NodeStateCandidate:
				err = m.execStateHandler(m.callBacks.LeaveCandidate, st)
			}
		case model.TransitionTypeEnter:
			switch st.State {
			case model.NodeStateLeader:
				err = m.execStateHandler(m.callBacks.EnterLeader, st)
			case model.NodeStateFollower:
				err = m.execStateHandler(m.callBacks.EnterFollower, st)
			case model.NodeStateCandidate:
				err = m.execStateHandler(m.callBacks.EnterCandidate, st)
			}
		}
		if err != nil {
			m.sendError(err)
		}
	}
	m.logger.Info("state transition chan is closed")
}

func (m *Mesh) execStateHandler(sh StateHandler, st model.StateTransition) error {
	if sh == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(m.callBackTimeout)*time.Second)
	defer cancel()

	return sh(ctx, st)
}

// meshApplier lands a committed document in the index and the search
// engine.
type meshApplier struct {
	index  *index.Store
	engine search.Engine
	logger *slog.Logger
}

func (a *meshApplier) Apply(doc model.Document) error {
	if err := a.index.Apply(doc); err != nil {
		return err
	}
	if err := a.engine.Index(context.Background(), doc.ID, doc.ContentRef); err != nil {
		return err
	}

	a.logger.Info("document committed", "document", doc.ID, "filename", doc.Filename)
	return nil
}

func buildEngineConfig(cfg *Config) *config.Config {
	heartbeat := cfg.HeartBeatInterval
	if heartbeat == 0 {
		heartbeat = defaultHeartBeatInterval
	}
	electMin := cfg.ElectTimeoutMin
	if electMin == 0 {
		electMin = defaultElectTimeoutMin
	}
	electMax := cfg.ElectTimeoutMax
	if electMax == 0 {
		electMax = defaultElectTimeoutMax
	}
	connectTimeout := cfg.ConnectTimeout
	if connectTimeout == 0 {
		connectTimeout = defaultConnectTimeout
	}
	requestTimeout := cfg.RequestTimeout
	if requestTimeout == 0 {
		requestTimeout = defaultRequestTimeout
	}
	sessionTTL := cfg.SessionTTL
	if sessionTTL == 0 {
		sessionTTL = defaultSessionTTL
	}
	prepareTimeout := cfg.PrepareTimeout
	if prepareTimeout == 0 {
		prepareTimeout = defaultPrepareTimeout
	}
	liveness := cfg.PeerLivenessThreshold
	if liveness == 0 {
		liveness = defaultPeerLivenessThreshold
	}
	searchTTL := cfg.SearchSessionTTL
	if searchTTL == 0 {
		searchTTL = defaultSearchSessionTTL
	}
	sweepInterval := cfg.GCSweepInterval
	if sweepInterval == 0 {
		sweepInterval = defaultGCSweepInterval
	}

	var peers []config.NodeConfig
	for _, p := range cfg.Peers {
		peers = append(peers, config.NodeConfig{ID: p.ID, Address: p.Address, Tags: p.Tags})
	}

	return &config.Config{
		HeartBeatInterval:     time.Duration(heartbeat) * time.Millisecond,
		ElectTimeoutMin:       time.Duration(electMin) * time.Millisecond,
		ElectTimeoutMax:       time.Duration(electMax) * time.Millisecond,
		ConnectTimeout:        time.Duration(connectTimeout) * time.Second,
		RequestTimeout:        time.Duration(requestTimeout) * time.Second,
		SessionTTL:            time.Duration(sessionTTL) * time.Second,
		PrepareTimeout:        time.Duration(prepareTimeout) * time.Second,
		PeerLivenessThreshold: time.Duration(liveness) * time.Second,
		SearchSessionTTL:      time.Duration(searchTTL) * time.Second,
		GCSweepInterval:       time.Duration(sweepInterval) * time.Second,
		Peers:                 peers,
	}
}
