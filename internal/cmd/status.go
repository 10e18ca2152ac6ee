package cmd

import (
	"fmt"
	"io"
	"net/url"
	"os"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"
	"github.com/valyala/fasthttp"
	"github.com/vanpelt/runbridge/internal/broker"
	"github.com/vanpelt/runbridge/internal/handlers"
)

const (
	colorPrimary = "6"  // Cyan
	colorSuccess = "2"  // Green
	colorWarning = "3"  // Yellow
	colorError   = "1"  // Red
	colorMuted   = "8"  // Gray
	colorText    = "15" // White
)

var (
	sectionHeaderStyle = lipgloss.NewStyle().
				Bold(true).
				Foreground(lipgloss.Color(colorPrimary))

	labelStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color(colorMuted))

	valueStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color(colorText))

	successStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color(colorSuccess))

	warningStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color(colorWarning))

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color(colorError))
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "📊 Show broker sessions and credential status",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		var auth handlers.AuthStatusResponse
		if err := getJSON("/v1/auth/status", &auth); err != nil {
			return err
		}
		var sessions []broker.Status
		if err := getJSON("/v1/sessions", &sessions); err != nil {
			return err
		}
		renderStatus(os.Stdout, auth, sessions)
		return nil
	},
}

var restartCmd = &cobra.Command{
	Use:   "restart [session]",
	Short: "🔄 Restart a session's worker",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id := broker.DefaultSessionID
		if len(args) == 1 {
			id = args[0]
		}
		if _, err := doRequest(fasthttp.MethodPost, "/v1/sessions/"+url.PathEscape(id)+"/restart"); err != nil {
			return err
		}
		fmt.Println(successStyle.Render("✓ ") + valueStyle.Render("restarting "+id))
		return nil
	},
}

var (
	screenCols int
	screenRows int
)

var screenCmd = &cobra.Command{
	Use:   "screen [session]",
	Short: "🖼️  Print what a session's terminal currently shows",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id := broker.DefaultSessionID
		if len(args) == 1 {
			id = args[0]
		}
		q := url.Values{}
		if screenCols > 0 {
			q.Set("cols", fmt.Sprint(screenCols))
		}
		if screenRows > 0 {
			q.Set("rows", fmt.Sprint(screenRows))
		}
		path := "/v1/sessions/" + url.PathEscape(id) + "/screen"
		if len(q) > 0 {
			path += "?" + q.Encode()
		}
		body, err := doRequest(fasthttp.MethodGet, path)
		if err != nil {
			return err
		}
		fmt.Println(string(body))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(restartCmd)
	rootCmd.AddCommand(screenCmd)

	screenCmd.Flags().IntVar(&screenCols, "cols", 0, "Render width (default: session width)")
	screenCmd.Flags().IntVar(&screenRows, "rows", 0, "Render height (default: session height)")
}

func phaseStyle(p broker.Phase) lipgloss.Style {
	switch p {
	case broker.PhaseRunning:
		return successStyle
	case broker.PhaseStarting:
		return warningStyle
	default:
		return labelStyle
	}
}

func renderStatus(w io.Writer, auth handlers.AuthStatusResponse, sessions []broker.Status) {
	fmt.Fprintln(w, sectionHeaderStyle.Render("🔑 Credential"))
	if auth.Authenticated {
		fmt.Fprintf(w, "  %s %s\n", successStyle.Render("●"), valueStyle.Render("authenticated"))
	} else {
		fmt.Fprintf(w, "  %s %s\n", errorStyle.Render("●"), valueStyle.Render("not authenticated"))
	}
	if auth.Endpoint != "" {
		fmt.Fprintf(w, "  %s %s\n", labelStyle.Render("endpoint:"), valueStyle.Render(auth.Endpoint))
	}
	if auth.Message != "" {
		fmt.Fprintf(w, "  %s %s\n", labelStyle.Render("detail:"), valueStyle.Render(auth.Message))
	}

	fmt.Fprintln(w)
	fmt.Fprintln(w, sectionHeaderStyle.Render("🖥️  Sessions"))
	if len(sessions) == 0 {
		fmt.Fprintln(w, "  "+labelStyle.Render("none"))
		return
	}
	for _, s := range sessions {
		details := []string{fmt.Sprintf("%d viewer(s)", s.Viewers)}
		if s.PID != 0 {
			details = append(details, fmt.Sprintf("pid %d", s.PID))
		}
		if s.ControlConnected {
			details = append(details, "control connected")
		}
		if s.AuthBlocked {
			details = append(details, errorStyle.Render("blocked on credentials"))
		}
		details = append(details, fmt.Sprintf("%d bytes buffered", s.BacklogBytes))

		fmt.Fprintf(w, "  %s %s %s\n",
			valueStyle.Render(s.ID),
			phaseStyle(s.Phase).Render(string(s.Phase)),
			labelStyle.Render(strings.Join(details, " · ")))
	}
}
