package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	version   = "dev"
	commit    = "none"
	buildDate = "unknown"
)

var rootCmd = &cobra.Command{
	Use:   "rdmapoold",
	Short: "rdmapoold serves RDMA-registered memory blocks over an RDMA-CM listener",
	Long: `rdmapoold is a daemon that pre-registers large, page-aligned memory
regions with an RDMA NIC and carves them into fixed-size blocks on demand,
exposing an RDMA-CM listener for connecting peers and an admin HTTP surface
for Prometheus scraping and health checks.`,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
