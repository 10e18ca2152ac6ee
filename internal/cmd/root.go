package cmd

import (
	"fmt"
	"os"
	"strings"

	"github.com/charmbracelet/glamour"
	"github.com/spf13/cobra"
	"github.com/vanpelt/runbridge/internal/config"
)

var rootCmd = &cobra.Command{
	Use:   "runbridge",
	Short: "🌉 runbridge - share one terminal worker with many viewers",
	Long: `# 🌉 runbridge

**A session broker for terminal-based agent runners.**

## ✨ Features

- 🖥️  **One PTY worker per session**, spawned on first attach
- 👀 **Any number of WebSocket viewers** with full backlog replay
- 🧭 **Structured UI state** relayed from the worker's control socket
- 🔒 **Credential-gated** worker starts
- 💤 **Idle teardown** five minutes after the last viewer leaves

## 🚀 Getting Started

Run **runbridge login** to store a credential, then **runbridge serve**.

Use **runbridge attach** to watch the default session from a terminal.`,
	SilenceUsage: true,
}

var configPath string

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.CompletionOptions.DisableDefaultCmd = true
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to a YAML config file (default $"+config.EnvConfigPath+")")

	rootCmd.SetHelpFunc(func(cmd *cobra.Command, args []string) {
		renderMarkdownHelp(cmd)
	})
}

func loadConfig() (*config.Config, error) {
	return config.Load(config.ResolvePath(configPath))
}

// renderMarkdownHelp renders command help using glamour
func renderMarkdownHelp(cmd *cobra.Command) {
	var helpContent strings.Builder

	if cmd.Long != "" {
		helpContent.WriteString(cmd.Long)
		helpContent.WriteString("\n\n")
	} else if cmd.Short != "" {
		helpContent.WriteString("# " + cmd.Short)
		helpContent.WriteString("\n\n")
	}

	helpContent.WriteString("## 📖 Usage\n\n")
	helpContent.WriteString("```bash\n")
	helpContent.WriteString(cmd.UseLine())
	helpContent.WriteString("\n```\n\n")

	if cmd.HasAvailableSubCommands() {
		helpContent.WriteString("## 🔧 Available Commands\n\n")
		for _, subCmd := range cmd.Commands() {
			if subCmd.IsAvailableCommand() {
				helpContent.WriteString(fmt.Sprintf("- **%s** - %s\n", subCmd.Name(), subCmd.Short))
			}
		}
		helpContent.WriteString("\n")
	}

	if cmd.HasAvailableLocalFlags() {
		helpContent.WriteString("## ⚙️  Flags\n\n")
		helpContent.WriteString("```\n")
		helpContent.WriteString(cmd.LocalFlags().FlagUsages())
		helpContent.WriteString("```\n\n")
	}

	if cmd.HasAvailableInheritedFlags() {
		helpContent.WriteString("## 🌐 Global Flags\n\n")
		helpContent.WriteString("```\n")
		helpContent.WriteString(cmd.InheritedFlags().FlagUsages())
		helpContent.WriteString("```\n\n")
	}

	renderer, err := glamour.NewTermRenderer(
		glamour.WithAutoStyle(),
		glamour.WithWordWrap(100),
	)
	if err != nil {
		// Fallback to default help if glamour fails
		_ = cmd.Usage()
		return
	}

	rendered, err := renderer.Render(helpContent.String())
	if err != nil {
		_ = cmd.Usage()
		return
	}

	fmt.Print(rendered)
}
