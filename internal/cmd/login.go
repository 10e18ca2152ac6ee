package cmd

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/vanpelt/runbridge/internal/auth"
	"golang.org/x/term"
)

var loginCmd = &cobra.Command{
	Use:   "login",
	Short: "🔑 Store a credential for spawning workers",
	Long: `# 🔑 Login

**Validate and store an access token** used when spawning workers.

The token is checked against the endpoint before it is saved. A running
broker notices the new credential and restarts sessions that were waiting
for one.

When **--access-token** is omitted the token is read from the terminal
without echo, or from stdin when it is not a terminal.`,
	Args: cobra.NoArgs,
	RunE: runLogin,
}

var logoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "🚪 Remove the stored credential",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		store := auth.NewStore(cfg.Auth.CredentialsPath)
		if err := store.Delete(); err != nil {
			return err
		}
		fmt.Println(successStyle.Render("✓ ") + valueStyle.Render("credential removed from "+store.Path()))
		return nil
	},
}

var (
	loginEndpoint     string
	loginAccessToken  string
	loginExpiresIn    time.Duration
	loginSkipValidate bool
)

func init() {
	rootCmd.AddCommand(loginCmd)
	rootCmd.AddCommand(logoutCmd)

	loginCmd.Flags().StringVar(&loginEndpoint, "endpoint", "", "Service endpoint the token belongs to")
	loginCmd.Flags().StringVar(&loginAccessToken, "access-token", "", "Access token (prompted for when omitted)")
	loginCmd.Flags().DurationVar(&loginExpiresIn, "expires-in", 0, "Token lifetime, if known")
	loginCmd.Flags().BoolVar(&loginSkipValidate, "skip-validate", false, "Store the token without checking it")
}

func runLogin(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	endpoint := loginEndpoint
	if endpoint == "" {
		endpoint = cfg.Auth.Endpoint
	}
	if endpoint == "" {
		return fmt.Errorf("an endpoint is required: pass --endpoint or set auth.endpoint")
	}

	token := loginAccessToken
	if token == "" {
		if token, err = readToken(); err != nil {
			return err
		}
	}
	if token == "" {
		return fmt.Errorf("no access token given")
	}

	if !loginSkipValidate {
		gate := auth.NewGate(cfg.Auth.ProbePath, cfg.Auth.ProbeTimeout)
		if res := gate.Validate(context.Background(), endpoint, token); !res.OK {
			return fmt.Errorf("token rejected: %s", res.Message)
		}
	}

	cred := &auth.Credential{Endpoint: endpoint, AccessToken: token}
	if loginExpiresIn > 0 {
		expires := time.Now().Add(loginExpiresIn)
		cred.ExpiresAt = &expires
	}

	store := auth.NewStore(cfg.Auth.CredentialsPath)
	if err := store.Save(cred); err != nil {
		return err
	}
	fmt.Println(successStyle.Render("✓ ") + valueStyle.Render("credential stored in "+store.Path()))
	return nil
}

func readToken() (string, error) {
	fd := int(os.Stdin.Fd())
	if term.IsTerminal(fd) {
		fmt.Fprint(os.Stderr, "Access token: ")
		b, err := term.ReadPassword(fd)
		fmt.Fprintln(os.Stderr)
		if err != nil {
			return "", fmt.Errorf("failed to read token: %w", err)
		}
		return strings.TrimSpace(string(b)), nil
	}

	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil && line == "" {
		return "", fmt.Errorf("failed to read token from stdin: %w", err)
	}
	return strings.TrimSpace(line), nil
}
