// Command visualize dumps the node state machine as a graphviz document.
package main

import (
	"flag"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/docmesh/docmesh/pkg/cluster"
	"github.com/docmesh/docmesh/pkg/config"
	"github.com/docmesh/docmesh/pkg/consensus"
	"github.com/docmesh/docmesh/pkg/model"
	"github.com/docmesh/docmesh/pkg/transport/rpc"
)

var (
	outputPath = flag.String("o", "./fsm_visual", "output path")
)

func main() {
	flag.Parse()

	logger := slog.Default()
	rpcTransport, _ := rpc.NewRPC(logger)

	node := model.Node{ID: "visualize", Address: "visualize"}
	c, err := consensus.NewConsensus(
		node,
		cluster.NewRegistry(node, logger),
		rpcTransport,
		&rpc.Config{},
		&config.Config{
			ElectTimeoutMin:   300 * time.Millisecond,
			ElectTimeoutMax:   600 * time.Millisecond,
			HeartBeatInterval: 150 * time.Millisecond,
			ConnectTimeout:    10 * time.Second,
		},
		logger)
	if err != nil {
		panic(err)
	}
	visualStr := c.Visualize()

	f, err := os.OpenFile(*outputPath, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0666)
	if err != nil {
		panic(err)
	}
	defer f.Close()

	_, err = f.WriteString(visualStr)
	if err != nil {
		panic(err)
	}

	fmt.Println("Visualization finished")
}
