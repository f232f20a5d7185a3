// Command ojp-server runs one OJP proxy node.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/openjdbcproxy/ojp-go/backend/mysql"
	"github.com/openjdbcproxy/ojp-go/logging"
	"github.com/openjdbcproxy/ojp-go/protocol"
	"github.com/openjdbcproxy/ojp-go/server"
)

func main() {
	var configPath string

	root := &cobra.Command{
		Use:   "ojp-server",
		Short: "JDBC-over-RPC proxy server node",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := server.LoadConfig(configPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			logger, cleanup, err := logging.New(cfg.Logging)
			if err != nil {
				return fmt.Errorf("init logging: %w", err)
			}
			defer cleanup()

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			listener := protocol.NewAMQPListener(cfg.BrokerURL, logger)
			node := server.New(cfg, mysql.New(), listener, logger)
			return node.Serve(ctx)
		},
	}
	root.Flags().StringVarP(&configPath, "config", "c", "", "path to configuration file")

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
