package cmd

import (
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/samsaffron/mdstream/internal/config"
	"github.com/samsaffron/mdstream/internal/logging"
)

// Version is set at build time with -ldflags.
var Version = "dev"

var (
	configFile string
	logLevel   string
	debugLog   bool
)

func init() {
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "Config file (default $XDG_CONFIG_HOME/mdstream/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level override (trace, debug, info, warn, error)")
	rootCmd.PersistentFlags().BoolVar(&debugLog, "debug", false, "Shorthand for --log-level debug with console output")
}

var rootCmd = &cobra.Command{
	Use:   "mdstream",
	Short: "Stream and render LLM markdown without tearing",
	Long: `mdstream relays model output to clients while holding back half-finished
markdown, stores finished replies with their code blocks, and renders markdown
to highlighted HTML or the terminal.

Examples:
  mdstream serve --ui                      # HTTP server with the demo page
  mdstream ask "explain goroutines"        # stream an answer to the terminal
  mdstream render README.md --html         # markdown to HTML
  mdstream extract reply.md -o snippets/   # write fenced code blocks to files
  mdstream replay reply.md --chunk 3       # show what the classifier holds back`,
	Version:           Version,
	SilenceUsage:      true,
	CompletionOptions: cobra.CompletionOptions{DisableDefaultCmd: true},
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// loadConfig reads the config file and applies the logging flags.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configFile)
	if err != nil {
		return nil, err
	}
	if debugLog {
		cfg.Log.Level = "debug"
		cfg.Log.Format = "console"
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}
	return cfg, nil
}

func newLogger(cfg *config.Config) (zerolog.Logger, error) {
	log, err := logging.New(logging.Options{Level: cfg.Log.Level, Format: cfg.Log.Format})
	if err != nil {
		return zerolog.Nop(), fmt.Errorf("configure logging: %w", err)
	}
	return log, nil
}
