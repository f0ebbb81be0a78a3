package cmd

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/samsaffron/mdstream/internal/llm"
	"github.com/samsaffron/mdstream/internal/relay"
	"github.com/samsaffron/mdstream/internal/render"
	"github.com/samsaffron/mdstream/internal/session"
	"github.com/samsaffron/mdstream/internal/signal"
)

// cliUserID owns chats created from the command line.
const cliUserID = "local"

var (
	askProvider string
	askSystem   string
	askChat     string
	askNoStore  bool
	askRender   bool
	askDark     bool
	askWidth    int
)

var askCmd = &cobra.Command{
	Use:   "ask <question>",
	Short: "Ask a model and stream the answer to the terminal",
	Long: `Stream a model's answer to stdout. Markdown constructs are printed whole,
so a half-finished code fence or **bold** never shows up mid-line.

The question and answer are stored as a chat unless --no-store is given; pass
the printed chat id to --chat to continue it.

Examples:
  mdstream ask "write a go http server"
  mdstream ask -p openai:gpt-4o "explain channels"
  echo "summarize this" | mdstream ask -
  mdstream ask --chat 0f8c... "and now with tests"`,
	Args: cobra.MinimumNArgs(1),
	RunE: runAsk,
}

func init() {
	rootCmd.AddCommand(askCmd)
	AddProviderFlag(askCmd, &askProvider)
	askCmd.Flags().StringVarP(&askSystem, "system-message", "m", "", "System message for the model")
	askCmd.Flags().StringVar(&askChat, "chat", "", "Continue a stored chat")
	askCmd.Flags().BoolVar(&askNoStore, "no-store", false, "Do not store the conversation")
	askCmd.Flags().BoolVarP(&askRender, "render", "r", false, "Print the finished answer styled for the terminal instead of streaming raw markdown")
	AddDarkFlag(askCmd, &askDark)
	AddWidthFlag(askCmd, &askWidth)
}

func runAsk(cmd *cobra.Command, args []string) error {
	question := strings.Join(args, " ")
	if question == "-" {
		data, err := io.ReadAll(cmd.InOrStdin())
		if err != nil {
			return fmt.Errorf("read stdin: %w", err)
		}
		question = string(data)
	}
	if strings.TrimSpace(question) == "" {
		return errors.New("question is empty")
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if err := applyProviderFlag(cfg, askProvider); err != nil {
		return err
	}
	if askNoStore {
		cfg.Store.Enabled = false
	}
	log, err := newLogger(cfg)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context())
	defer stop()

	provider, err := llm.NewProvider(cfg)
	if err != nil {
		return err
	}
	store, err := openStore(cfg, log)
	if err != nil {
		return err
	}
	defer store.Close()

	chatID := askChat
	if chatID == "" {
		chatID = session.NewID()
	}
	userMsg := &session.Message{ChatID: chatID, UserID: cliUserID, Role: session.RoleUser, Content: question}
	if err := store.AddMessage(ctx, userMsg); err != nil {
		if errors.Is(err, session.ErrNotFound) {
			return fmt.Errorf("chat %s not found", chatID)
		}
		return err
	}
	history, err := store.GetMessages(ctx, cliUserID, chatID, 0, 0)
	if err != nil {
		log.Warn().Err(err).Msg("load history failed, sending question only")
	}

	upstream, err := provider.Stream(ctx, llm.Request{Messages: relay.Prompt(askSystem, history, question)})
	if err != nil {
		return err
	}

	var sink io.Writer = cmd.OutOrStdout()
	if askRender {
		sink = io.Discard
	}
	res := newRelay(cfg, store, log).Run(ctx, relay.Target{UserID: cliUserID, ChatID: chatID}, upstream, sink)

	if askRender && res.Text != "" {
		width := askWidth
		if width <= 0 {
			width = render.TerminalWidth(os.Stdout)
		}
		rendered, err := render.Terminal(res.Text, width, askDark)
		if err != nil {
			return err
		}
		fmt.Fprint(cmd.OutOrStdout(), rendered)
	} else if res.Text != "" && !strings.HasSuffix(res.Text, "\n") {
		fmt.Fprintln(cmd.OutOrStdout())
	}

	if res.Message != nil {
		fmt.Fprintf(cmd.ErrOrStderr(), "chat: %s\n", chatID)
	}
	if res.Usage != nil {
		log.Debug().Int("input_tokens", res.Usage.InputTokens).Int("output_tokens", res.Usage.OutputTokens).Msg("usage")
	}
	return res.Err
}
