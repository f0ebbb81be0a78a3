package cmd

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/samsaffron/mdstream/internal/langs"
	"github.com/samsaffron/mdstream/internal/render"
	"github.com/samsaffron/mdstream/internal/signal"
)

var (
	renderHTML  bool
	renderDark  bool
	renderWidth int
)

var renderCmd = &cobra.Command{
	Use:   "render [file]",
	Short: "Render markdown to the terminal or to HTML",
	Long: `Render a markdown file, or stdin when no file is given.

By default the output is styled for the terminal. With --html the document is
rendered the way the server renders it: code blocks become placeholders that
are filled with highlighted markup once the highlighter is ready, and fall
back to escaped <pre><code> when it is not.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runRender,
}

func init() {
	rootCmd.AddCommand(renderCmd)
	renderCmd.Flags().BoolVar(&renderHTML, "html", false, "Write HTML instead of terminal output")
	AddDarkFlag(renderCmd, &renderDark)
	AddWidthFlag(renderCmd, &renderWidth)
}

func runRender(cmd *cobra.Command, args []string) error {
	markdown, err := readInput(cmd, args)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()

	if !renderHTML {
		width := renderWidth
		if width <= 0 {
			width = render.TerminalWidth(os.Stdout)
		}
		rendered, err := render.Terminal(markdown, width, renderDark)
		if err != nil {
			return err
		}
		_, err = io.WriteString(out, rendered)
		return err
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	log, err := newLogger(cfg)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context())
	defer stop()

	pipeline, hl := newRenderPipeline(cfg, langs.Default(), log)
	defer hl.Dispose()
	hl.Initialize(ctx, cfg.Render.InitTimeout)

	res := pipeline.Render(markdown, renderDark)
	if !res.Success {
		return errors.New(res.Error)
	}
	_, err = fmt.Fprintln(out, res.HTML)
	return err
}

// readInput reads the file named by args[0], or stdin.
func readInput(cmd *cobra.Command, args []string) (string, error) {
	if len(args) == 0 || args[0] == "-" {
		data, err := io.ReadAll(cmd.InOrStdin())
		if err != nil {
			return "", fmt.Errorf("read stdin: %w", err)
		}
		return string(data), nil
	}
	data, err := os.ReadFile(args[0])
	if err != nil {
		return "", fmt.Errorf("read %s: %w", args[0], err)
	}
	return string(data), nil
}
