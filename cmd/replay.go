package cmd

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/samsaffron/mdstream/internal/llm"
	"github.com/samsaffron/mdstream/internal/relay"
	"github.com/samsaffron/mdstream/internal/signal"
	"github.com/samsaffron/mdstream/internal/streaming"
)

var (
	replayVariant     string
	replayChunk       int
	replayShow        bool
	replaySplitTokens bool
	replayMaxPending  int
)

var replayCmd = &cobra.Command{
	Use:   "replay [file]",
	Short: "Stream markdown through the classifier and report what was held",
	Long: `Replay a markdown file (or the built-in sample when no file is given) as if a
model were streaming it, and show when each piece reaches the client.

Pacing comes from a debug variant (fast, normal, slow, realtime, burst,
instant). --chunk replays the file in fixed-size chunks with no delay instead.

Examples:
  mdstream replay                       # built-in sample, normal pacing
  mdstream replay reply.md --show       # one line per emission
  mdstream replay reply.md --chunk 1    # worst case: one byte at a time`,
	Args: cobra.MaximumNArgs(1),
	RunE: runReplay,
}

func init() {
	rootCmd.AddCommand(replayCmd)
	replayCmd.Flags().StringVar(&replayVariant, "variant", "normal", "Pacing variant: "+strings.Join(llm.DebugVariants(), ", "))
	replayCmd.Flags().IntVar(&replayChunk, "chunk", 0, "Fixed chunk size in bytes, without delay")
	replayCmd.Flags().BoolVar(&replayShow, "show", false, "Print each emission with its offset instead of the raw text")
	replayCmd.Flags().BoolVar(&replaySplitTokens, "split-tokens", false, "Emit the safe prefix of a token that opens a construct")
	replayCmd.Flags().IntVar(&replayMaxPending, "max-pending", 0, "Force a flush when held text exceeds this many bytes (0 = never)")
	_ = replayCmd.RegisterFlagCompletionFunc("variant", func(cmd *cobra.Command, args []string, toComplete string) ([]string, cobra.ShellCompDirective) {
		return llm.DebugVariants(), cobra.ShellCompDirectiveNoFileComp
	})
}

func runReplay(cmd *cobra.Command, args []string) error {
	markdown := llm.DebugMarkdown()
	if len(args) > 0 {
		text, err := readInput(cmd, args)
		if err != nil {
			return err
		}
		markdown = text
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

	var upstream llm.Stream
	if replayChunk > 0 {
		upstream = llm.NewReaderStream(ctx, strings.NewReader(markdown), replayChunk)
	} else {
		s, err := llm.NewDebugProvider(replayVariant, llm.WithDebugText(markdown)).Stream(ctx, llm.Request{})
		if err != nil {
			return err
		}
		upstream = s
	}

	var opts []streaming.Option
	if replaySplitTokens {
		opts = append(opts, streaming.WithSplitTokens())
	}
	if replayMaxPending > 0 {
		opts = append(opts, streaming.WithMaxPending(replayMaxPending))
	}

	sink := &timingSink{out: cmd.OutOrStdout(), show: replayShow, start: time.Now()}
	res := relay.New(nil, log, relay.WithStreamOptions(opts...)).
		Run(ctx, relay.Target{}, upstream, sink)

	errOut := cmd.ErrOrStderr()
	if !replayShow {
		fmt.Fprintln(errOut)
	}
	st := res.Stats
	fmt.Fprintf(errOut, "state:          %s\n", res.State)
	fmt.Fprintf(errOut, "fragments:      %d (%d direct, %d held)\n", st.Fragments, st.Direct, st.Held)
	fmt.Fprintf(errOut, "releases:       %d\n", st.Releases)
	fmt.Fprintf(errOut, "emissions:      %d\n", sink.writes)
	fmt.Fprintf(errOut, "max pending:    %d bytes\n", st.MaxPending)
	fmt.Fprintf(errOut, "longest hold:   %s\n", sink.longestGap.Round(time.Millisecond))
	fmt.Fprintf(errOut, "elapsed:        %s\n", time.Since(sink.start).Round(time.Millisecond))
	return res.Err
}

// timingSink records when each piece of text is released to the client.
type timingSink struct {
	out   io.Writer
	show  bool
	start time.Time

	writes     int
	last       time.Time
	longestGap time.Duration
}

func (s *timingSink) Write(p []byte) (int, error) {
	now := time.Now()
	if s.writes > 0 {
		s.longestGap = max(s.longestGap, now.Sub(s.last))
	}
	s.last = now
	s.writes++

	if !s.show {
		return s.out.Write(p)
	}
	if _, err := fmt.Fprintf(s.out, "[+%6dms] %q\n", now.Sub(s.start).Milliseconds(), p); err != nil {
		return 0, err
	}
	return len(p), nil
}
