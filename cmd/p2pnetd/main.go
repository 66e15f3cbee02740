// Package main is the p2pnetd daemon: a libp2p node driven through the
// network controller, with an HTTP control API and Prometheus metrics.
package main

import (
	"fmt"
	"os"

	"github.com/florinxfl/go-p2p/cmd/p2pnetd/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
