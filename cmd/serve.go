package cmd

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/samsaffron/mdstream/internal/config"
	"github.com/samsaffron/mdstream/internal/langs"
	"github.com/samsaffron/mdstream/internal/llm"
	"github.com/samsaffron/mdstream/internal/relay"
	"github.com/samsaffron/mdstream/internal/render"
	"github.com/samsaffron/mdstream/internal/serve"
	"github.com/samsaffron/mdstream/internal/session"
	"github.com/samsaffron/mdstream/internal/signal"
	"github.com/samsaffron/mdstream/internal/streaming"
)

var (
	serveHost        string
	servePort        int
	serveUI          bool
	serveCORSOrigins []string
	serveProvider    string
	serveNoStore     bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the chat streaming and render server",
	Long: `Run an HTTP server that relays model output without tearing markdown.

Endpoints:
  POST   /v1/chats/{chatID}/messages   stream a reply (chatID "new" allocates one)
  GET    /v1/chats/{chatID}/messages
  GET    /v1/chats/{chatID}/files
  GET    /v1/chats/{chatID}
  DELETE /v1/chats/{chatID}
  GET    /v1/search?q=
  POST   /v1/render
  GET    /v1/render/ws                 websocket render worker
  GET    /v1/languages
  GET    /healthz
  GET    /metrics

Chat endpoints require an X-User-ID header set by an authenticating proxy.
Use --ui to also serve a demo page.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().StringVar(&serveHost, "host", "", "Bind host (overrides server.host)")
	serveCmd.Flags().IntVar(&servePort, "port", 0, "Bind port (overrides server.port)")
	serveCmd.Flags().BoolVar(&serveUI, "ui", false, "Serve the demo page at /")
	serveCmd.Flags().StringArrayVar(&serveCORSOrigins, "cors-origin", nil, "Allowed CORS origin (repeatable, or '*' for all)")
	serveCmd.Flags().BoolVar(&serveNoStore, "no-store", false, "Do not persist chats")
	AddProviderFlag(serveCmd, &serveProvider)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if err := applyProviderFlag(cfg, serveProvider); err != nil {
		return err
	}
	if serveHost != "" {
		cfg.Server.Host = serveHost
	}
	if cmd.Flags().Changed("port") {
		if servePort <= 0 || servePort > 65535 {
			return fmt.Errorf("invalid --port %d (must be 1-65535)", servePort)
		}
		cfg.Server.Port = servePort
	}
	if len(serveCORSOrigins) > 0 {
		cfg.Server.CORSOrigins = serveCORSOrigins
	}
	if serveNoStore {
		cfg.Store.Enabled = false
	}

	log, err := newLogger(cfg)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context())
	defer stop()

	store, err := openStore(cfg, log)
	if err != nil {
		return err
	}
	defer store.Close()

	reg := langs.Default()
	pipeline, hl := newRenderPipeline(cfg, reg, log)
	defer hl.Dispose()
	go hl.Initialize(ctx, cfg.Render.InitTimeout)

	deps := serve.Deps{
		Store:    store,
		Relay:    newRelay(cfg, store, log),
		Pipeline: pipeline,
		Registry: reg,
		Log:      log,
	}
	// Render endpoints work without a model, so a missing provider only
	// disables chat.
	if provider, err := llm.NewProvider(cfg); err != nil {
		log.Warn().Err(err).Msg("no provider available, chat endpoints disabled")
	} else {
		deps.Provider = provider
	}
	srv := serve.New(serve.Config{
		Host:            cfg.Server.Host,
		Port:            cfg.Server.Port,
		CORSOrigins:     cfg.Server.CORSOrigins,
		RenderRateLimit: cfg.Server.RenderRateLimit,
		InitTimeout:     cfg.Render.InitTimeout,
		UI:              serveUI,
	}, deps)

	if cfg.Store.Enabled && cfg.Store.MaxAgeDays > 0 {
		pruner, err := serve.NewPruner(store, cfg.Store.PruneSchedule, cfg.Store.MaxAgeDays, log)
		if err != nil {
			return err
		}
		pruner.Start()
		defer pruner.Stop()
	}

	if err := srv.Start(); err != nil {
		return err
	}
	if serveUI {
		log.Info().Msgf("demo page at http://%s:%d/", cfg.Server.Host, cfg.Server.Port)
	}

	<-ctx.Done()
	log.Info().Msg("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Stop(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

// openStore opens the configured chat store, wrapped with logging.
func openStore(cfg *config.Config, log zerolog.Logger) (session.Store, error) {
	store, err := session.NewStore(session.Config{
		Enabled:    cfg.Store.Enabled,
		Path:       cfg.Store.Path,
		MaxAgeDays: cfg.Store.MaxAgeDays,
	})
	if err != nil {
		return nil, fmt.Errorf("open chat store: %w", err)
	}
	return session.NewLoggingStore(store, log), nil
}

func newRelay(cfg *config.Config, store session.Store, log zerolog.Logger) *relay.Relay {
	var streamOpts []streaming.Option
	if cfg.Stream.SplitTokens {
		streamOpts = append(streamOpts, streaming.WithSplitTokens())
	}
	if cfg.Stream.MaxPending > 0 {
		streamOpts = append(streamOpts, streaming.WithMaxPending(cfg.Stream.MaxPending))
	}
	return relay.New(store, log,
		relay.WithStreamOptions(streamOpts...),
		relay.WithPersistTimeout(cfg.Server.PersistTimeout),
	)
}

// newRenderPipeline builds a pipeline whose highlighter loads chroma lexers
// for every registry language. The caller starts initialization.
func newRenderPipeline(cfg *config.Config, reg *langs.Registry, log zerolog.Logger) (*render.Pipeline, *render.Highlighter) {
	hl := render.NewHighlighter(render.ChromaLoader(reg, cfg.Render.LightStyle, cfg.Render.DarkStyle), log)
	p := render.NewPipeline(hl,
		render.WithRegistry(reg),
		render.WithCacheSize(cfg.Render.CacheSize),
		render.WithLogger(log),
	)
	return p, hl
}
