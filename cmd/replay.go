package cmd

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"msgrelay/pkg/agui"
)

var replayMaxFailures int

// replayCmd decodes a captured agent event stream the way a live run would.
var replayCmd = &cobra.Command{
	Use:   "replay <stream-file>",
	Short: "Decode a captured agent event stream",
	Long:  "Feeds a saved text/event-stream body through the run decoder and prints each assistant message that would have been delivered. Use - to read stdin.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var in io.Reader = cmd.InOrStdin()
		if args[0] != "-" {
			file, err := os.Open(args[0])
			if err != nil {
				return fmt.Errorf("open stream: %w", err)
			}
			defer file.Close()
			in = file
		}

		return replayStream(cmd.Context(), in, cmd.OutOrStdout(), replayMaxFailures)
	},
}

func init() {
	replayCmd.Flags().IntVar(&replayMaxFailures, "max-failures", agui.DefaultMaxDecodeFailures, "consecutive malformed frames tolerated before giving up")
	rootCmd.AddCommand(replayCmd)
}

type replayTheme struct {
	run            lipgloss.Style
	assistantBox   lipgloss.Style
	assistantTitle lipgloss.Style
	errorBox       lipgloss.Style
	errorTitle     lipgloss.Style
	summary        lipgloss.Style
}

func defaultReplayTheme() replayTheme {
	return replayTheme{
		run: lipgloss.NewStyle().
			Foreground(lipgloss.Color("180")),
		assistantBox: lipgloss.NewStyle().
			Border(lipgloss.DoubleBorder()).
			BorderForeground(lipgloss.Color("44")).
			Padding(0, 1),
		assistantTitle: lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("16")).
			Background(lipgloss.Color("44")).
			Padding(0, 1),
		errorBox: lipgloss.NewStyle().
			Border(lipgloss.DoubleBorder()).
			BorderForeground(lipgloss.Color("203")).
			Foreground(lipgloss.Color("203")).
			Padding(0, 1),
		errorTitle: lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("231")).
			Background(lipgloss.Color("160")).
			Padding(0, 1),
		summary: lipgloss.NewStyle().
			Foreground(lipgloss.Color("244")),
	}
}

// replayStream decodes r and renders run activity to w. A RUN_ERROR or a
// fatal decode error is rendered and returned.
func replayStream(ctx context.Context, r io.Reader, w io.Writer, maxFailures int) error {
	if ctx == nil {
		ctx = context.Background()
	}
	theme := defaultReplayTheme()
	delivered := 0

	handlers := agui.Handlers{
		OnRunStarted: func(_ context.Context, event agui.RunEvent) {
			fmt.Fprintln(w, theme.run.Render("run started "+event.RunID))
		},
		OnRunFinished: func(_ context.Context, event agui.RunEvent) {
			fmt.Fprintln(w, theme.run.Render("run finished "+event.RunID))
		},
		OnAssistantMessage: func(_ context.Context, msg agui.AssistantMessage) error {
			delivered++
			title := theme.assistantTitle.Render("assistant " + msg.ID)
			fmt.Fprintln(w, lipgloss.JoinVertical(lipgloss.Left, title, theme.assistantBox.Render(msg.Content)))
			return nil
		},
	}

	// Frame-level warnings are noise here; the summary reports the outcome.
	quiet := slog.New(slog.DiscardHandler)
	err := agui.NewDecoder(handlers, maxFailures, quiet).Decode(ctx, r)
	if err != nil {
		title := theme.errorTitle.Render("run failed")
		fmt.Fprintln(w, lipgloss.JoinVertical(lipgloss.Left, title, theme.errorBox.Render(err.Error())))
	}

	fmt.Fprintln(w, theme.summary.Render(fmt.Sprintf("%d assistant message(s) delivered", delivered)))
	return err
}
