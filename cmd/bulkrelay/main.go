// bulkrelay serves the bulk messaging relay: it keeps one authenticated
// messaging session alive and delivers personalized batches through it.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/markus-barta/bulkrelay/internal/actor"
	"github.com/markus-barta/bulkrelay/internal/config"
	"github.com/markus-barta/bulkrelay/internal/connection"
	"github.com/markus-barta/bulkrelay/internal/dispatch"
	"github.com/markus-barta/bulkrelay/internal/hub"
	"github.com/markus-barta/bulkrelay/internal/server"
	"github.com/markus-barta/bulkrelay/internal/sessionstore"
	"github.com/rs/zerolog"
)

const shutdownTimeout = 20 * time.Second

func main() {
	// CLI flags
	showVersion := flag.Bool("version", false, "print version and exit")
	showHelp := flag.Bool("help", false, "show usage")
	runCheck := flag.Bool("check", false, "validate config and session store")

	// Short flags
	flag.BoolVar(showVersion, "v", false, "print version and exit")
	flag.BoolVar(showHelp, "h", false, "show usage")

	flag.Usage = printUsage
	flag.Parse()

	if *showVersion {
		fmt.Printf("bulkrelay %s (built %s)\n", server.VersionInfo(), server.BuildTime)
		os.Exit(0)
	}

	if *showHelp {
		printUsage()
		os.Exit(0)
	}

	if *runCheck {
		os.Exit(runConfigCheck())
	}

	// Load configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		log := newLogger("info", "console")
		log.Fatal().Err(err).Msg("failed to load configuration")
	}

	log := newLogger(cfg.LogLevel, cfg.LogFormat)
	log.Info().
		Str("version", server.VersionInfo()).
		Str("client_id", cfg.ClientID).
		Int("strategies", len(cfg.Strategies())).
		Msg("bulkrelay starting")

	store, err := sessionstore.Open(cfg.SessionStore(), log)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open session store")
	}
	defer func() { _ = store.Close() }()

	h := hub.New(log)

	mgr, err := connection.New(log, connection.Options{
		Strategies: cfg.Strategies(),
		Factory:    actor.NewBridgeFactory(log, cfg.ClientID),
		Store:      store,
		Publisher:  h,
		Policy:     cfg.RetryPolicy(),
		Render:     connection.RenderQRDataURL,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create connection manager")
	}

	engine := dispatch.NewEngine(log, mgr, h, cfg.DispatchOptions())
	srv := server.New(cfg, log, mgr, engine, h)

	// Connect in the background; the auth code shows up on /qrcode.
	if err := mgr.InitializeAsync(); err != nil {
		log.Warn().Err(err).Msg("initial connection not started")
	}

	// Handle shutdown
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		sig := <-sigCh
		log.Info().Str("signal", sig.String()).Msg("shutting down...")

		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			log.Warn().Err(err).Msg("http shutdown incomplete")
		}
	}()

	// Run server
	if err := srv.Run(); err != nil {
		log.Fatal().Err(err).Msg("server error")
	}

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := mgr.Close(ctx); err != nil {
		log.Warn().Err(err).Msg("failed to release client")
	}
	log.Info().Msg("stopped")
}

func newLogger(level, format string) zerolog.Logger {
	var out io.Writer = zerolog.ConsoleWriter{Out: os.Stderr}
	if format == "json" {
		out = os.Stderr
	}

	// Set log level
	switch level {
	case "debug":
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	case "warn":
		zerolog.SetGlobalLevel(zerolog.WarnLevel)
	case "error":
		zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	default:
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}

	return zerolog.New(out).With().Timestamp().Logger()
}

func printUsage() {
	fmt.Printf(`Usage: bulkrelay [options]

bulkrelay %s - bulk messaging relay with live progress feeds.

Options:
  -v, --version   Print version and exit
  -h, --help      Print this help and exit
  --check         Validate config, open the session store and list strategies

Environment variables:
  BULKRELAY_CONFIG            Optional YAML config file (env overrides it)
  BULKRELAY_LISTEN / PORT     Listen address (default: :3000)
  BULKRELAY_STATIC_DIR        Static assets directory (default: public)
  BULKRELAY_DATA_DIR          Data directory (default: ./data)
  BULKRELAY_CLIENT_ID         Session id (default: bulkrelay)
  BULKRELAY_REMOTE_ENDPOINT   Remote automation bridge URL (ws:// or wss://)
  BULKRELAY_LOCAL_COMMAND     Local bridge command (fallback strategy)
  BULKRELAY_BROWSER_PATH      Browser executable for the local bridge
  BULKRELAY_SESSION_DRIVER    sqlite, memory or postgres (default: sqlite)
  BULKRELAY_SESSION_DB        SQLite path (default: <data>/sessions.db)
  BULKRELAY_POSTGRES_DSN      Postgres DSN for the postgres driver
  BULKRELAY_MAX_RETRIES       Automatic initialization retries (default: 3)
  BULKRELAY_MIN_INTERVAL      Minimum pause between messages (default: 3s)
  BULKRELAY_TOKEN_HASH        bcrypt hash of the operator token (enables auth)
  BULKRELAY_TOTP_SECRET       TOTP secret for a second factor
  BULKRELAY_LOG_LEVEL         debug, info, warn, error
  BULKRELAY_LOG_FORMAT        console or json
`, server.VersionInfo())
}

func runConfigCheck() int {
	fmt.Println("Checking configuration...")
	fmt.Println()

	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Printf("❌ Config error: %v\n", err)
		return 1
	}

	fmt.Println("✓ Config OK")
	fmt.Printf("  Listen:      %s\n", cfg.ListenAddr)
	fmt.Printf("  Client ID:   %s\n", cfg.ClientID)
	fmt.Printf("  Session:     %s\n", cfg.Session.Driver)
	fmt.Printf("  Auth:        %v (totp: %v)\n", cfg.HasAuth(), cfg.HasTOTP())
	fmt.Println()

	fmt.Print("Opening session store... ")
	store, err := sessionstore.Open(cfg.SessionStore(), zerolog.Nop())
	if err != nil {
		fmt.Printf("❌ Failed\n")
		fmt.Printf("  Error: %v\n", err)
		return 1
	}
	_ = store.Close()
	fmt.Println("✓ OK")

	status := 0
	for _, s := range cfg.Strategies() {
		switch s.Kind {
		case actor.KindRemote:
			fmt.Printf("  Strategy remote: %s\n", s.Endpoint)
		case actor.KindLocal:
			browser, err := actor.FindBrowser(s.BrowserPath)
			if err != nil {
				fmt.Printf("  Strategy local:  ❌ %v\n", err)
				status = 1
				continue
			}
			fmt.Printf("  Strategy local:  %s (browser %s)\n", s.Command, browser)
		}
	}
	return status
}
