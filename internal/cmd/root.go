package cmd

import (
	"fmt"
	"os"
	"strings"

	"github.com/charmbracelet/glamour"
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "vibeterm",
	Short: "🖥️ Vibeterm - Supervised web terminal for AI coding sessions",
	Long: `# 🖥️ Vibeterm

**A web terminal server that watches over interactive AI coding sessions.**

## ✨ Features

- 🖥️  **PTY sessions over WebSocket** with resize and replay
- 🤖 **Supervision engine** that answers the CLI's questions for you
- 💡 **Suggestion mode** for review-before-send workflows
- 🚦 **Rate-limited session registry** with idle and age expiry
- 📊 **Telemetry endpoint** for monitoring

## 🚀 Getting Started

Run **vibeterm serve** to start the server, then **vibeterm connect** to
attach a terminal from another shell.

Use **vibeterm serve --help** for detailed options.`,
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.CompletionOptions.DisableDefaultCmd = true

	rootCmd.SetHelpFunc(func(cmd *cobra.Command, args []string) {
		renderMarkdownHelp(cmd)
	})
}

// renderMarkdownHelp assembles a command's help text as a markdown document
// and renders it with glamour. Any rendering failure falls back to printing
// the plain markdown, never to recursing into cobra's help machinery.
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

	if cmd.HasAvailableFlags() {
		helpContent.WriteString("## ⚙️  Flags\n\n")
		flagUsages := cmd.Flags().FlagUsages()
		if flagUsages != "" {
			helpContent.WriteString("```\n")
			helpContent.WriteString(flagUsages)
			helpContent.WriteString("```\n\n")
		}
	}

	if cmd.HasParent() && cmd.InheritedFlags().HasFlags() {
		helpContent.WriteString("## 🌐 Global Flags\n\n")
		inheritedUsages := cmd.InheritedFlags().FlagUsages()
		if inheritedUsages != "" {
			helpContent.WriteString("```\n")
			helpContent.WriteString(inheritedUsages)
			helpContent.WriteString("```\n\n")
		}
	}

	renderer, err := glamour.NewTermRenderer(
		glamour.WithAutoStyle(),
		glamour.WithWordWrap(100),
	)
	if err != nil {
		fmt.Print(helpContent.String())
		return
	}

	rendered, err := renderer.Render(helpContent.String())
	if err != nil {
		fmt.Print(helpContent.String())
		return
	}
	fmt.Print(rendered)
}
