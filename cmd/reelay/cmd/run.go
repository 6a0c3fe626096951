package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/reelay/reelay/internal/control"
	"github.com/reelay/reelay/internal/player"
	"github.com/reelay/reelay/internal/playlist"
	"github.com/reelay/reelay/internal/profile"
	"github.com/reelay/reelay/internal/server"
	"github.com/reelay/reelay/internal/session"
	"github.com/reelay/reelay/internal/store"
	"github.com/reelay/reelay/internal/version"
)

var runCmd = &cobra.Command{
	Use:     "run [media-id]",
	Aliases: []string{"play"},
	Short:   "Run the playback client",
	Long: `Run the reelay playback client.

Starts the local control API and waits for playback commands. When a
media ID is given, playback of that item starts immediately.

The control API provides:
- REST API for session commands (play, seek, track and resolution switches)
- Server-sent events at /api/v1/events
- OpenAPI documentation at /docs`,
	Args: cobra.MaximumNArgs(1),
	RunE: runRun,
}

func init() {
	rootCmd.AddCommand(runCmd)

	// Control API flags
	runCmd.Flags().String("host", "127.0.0.1", "Control API host to bind to")
	runCmd.Flags().Int("port", 8416, "Control API port to listen on")

	// Media server flags
	runCmd.Flags().String("server", "", "Media server base URL")
	runCmd.Flags().String("token", "", "Media server API token")

	// Playback flags
	runCmd.Flags().Float64("start-at", 0, "Absolute start position in seconds")
	runCmd.Flags().Bool("resume", false, "Resume from the stored history position")

	// Bind flags to viper
	viper.BindPFlag("control.host", runCmd.Flags().Lookup("host"))
	viper.BindPFlag("control.port", runCmd.Flags().Lookup("port"))
	viper.BindPFlag("server.base_url", runCmd.Flags().Lookup("server"))
	viper.BindPFlag("server.api_token", runCmd.Flags().Lookup("token"))
}

func runRun(cmd *cobra.Command, args []string) error {
	logger := slog.Default()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if cfg.Server.BaseURL == "" {
		return fmt.Errorf("server.base_url is required (set --server or REELAY_SERVER_BASE_URL)")
	}

	// Media server client, shared by all sessions.
	client, err := server.NewClient(cfg.Server, logger)
	if err != nil {
		return fmt.Errorf("creating server client: %w", err)
	}

	// Device profile is probed once and memoized.
	profiles := profile.NewBuilder(cfg.Playback, cfg.Server.DeviceName, logger)
	prober := playlist.NewProber(client.HTTPClient(), cfg.Jobs.ReadinessProbeTimeout, logger)

	// Each playback gets a fresh controller and player; the client, profile
	// builder, and prober are shared.
	factory := func() (control.Session, error) {
		hls := player.NewHLSPlayer(client.HTTPClient(), logger)
		return session.NewController(session.Options{
			API:                     client,
			Profiles:                profiles,
			Prober:                  prober,
			Player:                  hls,
			Seek:                    cfg.Seek,
			Jobs:                    cfg.Jobs,
			Retry:                   cfg.Retry,
			PreferredAudioLanguages: cfg.Playback.PreferredAudioLanguages,
			ProgressInterval:        cfg.Playback.ProgressInterval,
			Logger:                  logger,
		})
	}
	manager := control.NewManager(factory, logger)

	// Setup graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigChan
		logger.Info("received shutdown signal", slog.String("signal", sig.String()))
		cancel()
	}()

	// Playback history store
	var history *store.History
	if cfg.History.Enabled {
		db, err := store.Open(cfg.History, logger)
		if err != nil {
			return fmt.Errorf("opening history store: %w", err)
		}
		defer db.Close()
		history = store.NewHistory(db)

		pruner, err := store.NewPruner(history, cfg.History.PruneCron, cfg.History.Retention, logger)
		if err != nil {
			return fmt.Errorf("creating history pruner: %w", err)
		}
		pruner.Start()
		defer pruner.Stop()

		recorder := control.NewRecorder(manager, history, cfg.Playback.ProgressInterval, logger)
		go recorder.Run(ctx)
	}

	// Control API server
	ctrlServer := control.NewServer(cfg.Control, logger, version.Version)
	handler := control.NewHandler(manager, history, logger)
	handler.Register(ctrlServer.API())
	handler.RegisterSSE(ctrlServer.Router())

	// Immediate playback when a media ID is given on the command line.
	if len(args) == 1 {
		startAt, _ := cmd.Flags().GetFloat64("start-at")
		if resume, _ := cmd.Flags().GetBool("resume"); resume && history != nil {
			if pos, err := history.ResumePosition(ctx, args[0]); err == nil {
				startAt = pos
			}
		}
		if err := manager.Play(ctx, args[0], startAt); err != nil {
			return fmt.Errorf("starting playback: %w", err)
		}
	}

	logger.Info("starting reelay",
		slog.String("server", cfg.Server.BaseURL),
		slog.String("control", cfg.Control.Address()),
		slog.String("version", version.Version),
	)

	defer func() {
		if err := manager.Stop(context.Background()); err != nil && err != control.ErrNoSession {
			logger.Warn("stopping session on shutdown", slog.String("error", err.Error()))
		}
	}()

	if !cfg.Control.Enabled {
		// Headless: play until the session closes or a signal arrives.
		<-ctx.Done()
		return nil
	}

	return ctrlServer.ListenAndServe(ctx)
}
