package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/vanpelt/runbridge/internal/broker"
	"github.com/vanpelt/runbridge/internal/devrunner"
)

var devRunnerCmd = &cobra.Command{
	Use:    "devrunner",
	Short:  "Stand-in worker that echoes input over the control protocol",
	Long:   "Use as the worker command for local testing: runbridge serve --local --worker runbridge (with worker args [devrunner]).",
	Hidden: true,
	Args:   cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		socket := os.Getenv(broker.EnvControlSocket)
		if socket == "" {
			return fmt.Errorf("%s is not set; devrunner must be spawned by the broker", broker.EnvControlSocket)
		}
		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
		defer stop()
		return devrunner.Run(ctx, socket, os.Stdin, os.Stdout)
	},
}

func init() {
	rootCmd.AddCommand(devRunnerCmd)
}
