package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"github.com/vanpelt/runbridge/internal/middleware"
)

var (
	tokenSource string
	tokenTTL    time.Duration
)

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "🎟️  Mint an API token for a broker with api_secret set",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		token, err := middleware.GenerateToken(cfg.APISecret, tokenSource, tokenTTL)
		if err != nil {
			return err
		}
		fmt.Println(token)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(tokenCmd)

	tokenCmd.Flags().StringVar(&tokenSource, "source", "cli", "Recorded in the token claims (cli or browser)")
	tokenCmd.Flags().DurationVar(&tokenTTL, "ttl", 24*time.Hour, "Token lifetime")
}
