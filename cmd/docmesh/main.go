/*
Usage:

	Single node:
	  go run main.go
	Three nodes:
	  go run main.go --node=127.0.0.1:9981 --api=127.0.0.1:8081 --peers=127.0.0.1:9981,127.0.0.1:9982,127.0.0.1:9983
	  go run main.go --node=127.0.0.1:9982 --api=127.0.0.1:8082 --peers=127.0.0.1:9981,127.0.0.1:9982,127.0.0.1:9983
	  go run main.go --node=127.0.0.1:9983 --api=127.0.0.1:8083 --peers=127.0.0.1:9981,127.0.0.1:9982,127.0.0.1:9983
*/
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/docmesh/docmesh"
	"github.com/docmesh/docmesh/pkg/api"
	"github.com/docmesh/docmesh/pkg/log"
	"github.com/docmesh/docmesh/pkg/search"
	"github.com/docmesh/docmesh/pkg/storage"
	"github.com/docmesh/docmesh/pkg/transport/rpc"
)

var (
	// nodeAddress is the rpc address of the self node
	nodeAddress = flag.String("node", "127.0.0.1:9981", "self node rpc address")

	// apiAddress is the HTTP api listen address
	apiAddress = flag.String("api", "127.0.0.1:8081", "http api address")

	// peers lists the rpc addresses of the seed peers, separated by a comma
	peers = flag.String("peers", "127.0.0.1:9981", "peer rpc addresses separated by comma")

	// indexPath is the path of the local document index database
	indexPath = flag.String("index", "docmesh.db", "document index path")

	// storageURL points at a content storage gateway; empty runs in-memory
	storageURL = flag.String("storage", "", "content storage gateway url, in-memory when empty")

	logFormat = flag.String("log-format", "text", "log format: text or json")
	logLevel  = flag.String("log-level", "info", "log level: debug, info, warn, error")
)

func main() {
	flag.Parse()

	logger := log.New(os.Stderr, *logFormat, *logLevel)

	var peerNodes []docmesh.Node
	for _, pa := range strings.Split(*peers, ",") {
		pa = strings.TrimSpace(pa)
		if pa == "" {
			continue
		}
		peerNodes = append(peerNodes, docmesh.Node{ID: pa, Address: pa})
	}

	rpcTransport, err := rpc.NewRPC(logger)
	if err != nil {
		logger.Error("failed to create rpc transport", "error", err.Error())
		os.Exit(1)
	}

	var store storage.Network
	if *storageURL != "" {
		store, err = storage.NewHTTPNetwork(*storageURL, 30*time.Second, logger)
		if err != nil {
			logger.Error("failed to create storage client", "error", err.Error())
			os.Exit(1)
		}
	} else {
		store = storage.NewMemory()
	}

	mesh, err := docmesh.NewMesh(
		&docmesh.Config{
			Node: docmesh.Node{
				ID:      *nodeAddress,
				Address: *nodeAddress,
			},
			Peers:     peerNodes,
			IndexPath: *indexPath,
		},
		rpcTransport,
		&rpc.Config{},
		store,
		search.NewListEngine(),
		logger)
	if err != nil {
		logger.Error("failed to create mesh node", "error", err.Error())
		os.Exit(1)
	}

	if err := mesh.Run(); err != nil {
		logger.Error("failed to run mesh node", "error", err.Error())
		os.Exit(1)
	}

	httpServer := api.NewServer(mesh, logger)
	if err := httpServer.Start(*apiAddress); err != nil {
		logger.Error("failed to start http api", "error", err.Error())
		os.Exit(1)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	for {
		select {
		case err := <-mesh.Errors():
			logger.Error("mesh error", "error", err.Error())
		case sig := <-sigChan:
			logger.Info("shutting down", "signal", sig.String())

			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			if err := httpServer.Stop(ctx); err != nil {
				logger.Error("failed to stop http api", "error", err.Error())
			}
			cancel()

			if err := mesh.Stop(); err != nil {
				logger.Error("failed to stop mesh node", "error", err.Error())
			}
			return
		}
	}
}
