// Package inmem is a process-local transport for wiring several nodes
// together in tests. Requests are delivered as direct handler calls, and
// links can be cut to simulate partitions and dead peers.
package inmem

import (
	"fmt"
	"sync"

	"github.com/mitchellh/mapstructure"

	"github.com/docmesh/docmesh/pkg/common"
	"github.com/docmesh/docmesh/pkg/model"
)

// Network is the shared fabric all test nodes attach to.
type Network struct {
	mu       sync.RWMutex
	handlers map[string]model.CommandHandler
	cut      map[string]struct{}
}

func NewNetwork() *Network {
	return &Network{
		handlers: make(map[string]model.CommandHandler),
		cut:      make(map[string]struct{}),
	}
}

// Cut drops the directed link from one node to another. Requests over a
// cut link fail as unreachable until Restore.
func (n *Network) Cut(fromID, toID string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.cut[linkKey(fromID, toID)] = struct{}{}
}

// Restore re-enables a previously cut link.
func (n *Network) Restore(fromID, toID string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.cut, linkKey(fromID, toID))
}

// Isolate cuts every link to and from a node.
func (n *Network) Isolate(nodeID string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for id := range n.handlers {
		if id == nodeID {
			continue
		}
		n.cut[linkKey(nodeID, id)] = struct{}{}
		n.cut[linkKey(id, nodeID)] = struct{}{}
	}
}

func (n *Network) register(nodeID string, handler model.CommandHandler) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.handlers[nodeID] = handler
}

func (n *Network) deliver(fromID, toID string, request *model.Request, response *model.Response) error {
	n.mu.RLock()
	_, severed := n.cut[linkKey(fromID, toID)]
	handler, ok := n.handlers[toID]
	n.mu.RUnlock()

	if severed || !ok {
		return fmt.Errorf("%w: node %s", common.ErrPeerUnreachable, toID)
	}
	return handler(request, response)
}

func linkKey(fromID, toID string) string {
	return fromID + "->" + toID
}

// NewTransport attaches one node to the network. The node id doubles as
// its address.
func NewTransport(network *Network, nodeID string) *Transport {
	return &Transport{network: network, nodeID: nodeID}
}

type Transport struct {
	network *Network
	nodeID  string
}

func (t *Transport) Start(_ string, handler model.CommandHandler, _ model.TransportConfig) error {
	t.network.register(t.nodeID, handler)
	return nil
}

func (t *Transport) InitConnections(_ []*model.Node, _ model.TransportConfig) error {
	return nil
}

func (t *Transport) Connect(_ *model.Node, _ model.TransportConfig) error {
	return nil
}

func (t *Transport) SendRequest(nodeId string, request *model.Request, response *model.Response) error {
	return t.network.deliver(t.nodeID, nodeId, request, response)
}

// Decode mirrors the wire transport's behavior so handler code paths stay
// identical in tests. In-process payloads are structs, which mapstructure
// maps directly onto the target.
func (t *Transport) Decode(raw any, target any) error {
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{Result: target})
	if err != nil {
		return err
	}
	return decoder.Decode(raw)
}

// Config is the transport config stub; the in-memory fabric has nothing
// to validate.
type Config struct{}

func (c *Config) Validate() error { return nil }
