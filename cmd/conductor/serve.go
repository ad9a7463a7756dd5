package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"gorm.io/gorm"

	"github.com/relkit/conductor/internal/ci"
	"github.com/relkit/conductor/internal/config"
	"github.com/relkit/conductor/internal/db"
	"github.com/relkit/conductor/internal/ingest"
	"github.com/relkit/conductor/internal/notify"
	"github.com/relkit/conductor/internal/poller"
	"github.com/relkit/conductor/internal/queue"
	"github.com/relkit/conductor/internal/store"
	"github.com/relkit/conductor/internal/vcs"
	"github.com/relkit/conductor/internal/webhook"
)

func newServeCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the Conductor daemon",
		Long:  "Starts the webhook server, the background task runner, the stuck-task sweep, and the train health digest. Runs until interrupted.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, configPath)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "conductor.yaml", "path to Conductor config file")
	return cmd
}

func connectFromConfig(configPath string) (*config.Config, *gorm.DB, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}

	gormDB, err := db.Connect(cfg.DB.User, cfg.DB.Host, cfg.DB.Port, cfg.DB.Database)
	if err != nil {
		return nil, nil, fmt.Errorf("connect to %s: %w", cfg.DB.Database, err)
	}

	return cfg, gormDB, nil
}

// buildNotifier assembles the notification fan-out from configured
// credentials. Channels without credentials are skipped.
func buildNotifier(cfg *config.Config, cmd *cobra.Command) (notify.Notifier, error) {
	var adapters []notify.Adapter

	if cfg.Notify.Slack.Token != "" {
		slack, err := notify.NewSlack(notify.SlackOpts{
			Token:   cfg.Notify.Slack.Token,
			Channel: cfg.Notify.Slack.Channel,
		})
		if err != nil {
			return nil, err
		}
		adapters = append(adapters, slack)
	}

	if cfg.Notify.Discord.Token != "" {
		discord, err := notify.NewDiscord(notify.DiscordOpts{
			Token:     cfg.Notify.Discord.Token,
			ChannelID: cfg.Notify.Discord.ChannelID,
		})
		if err != nil {
			return nil, err
		}
		adapters = append(adapters, discord)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Notifiers: %d configured\n", len(adapters))
	return notify.NewFanout(adapters...), nil
}

func runServe(cmd *cobra.Command, configPath string) error {
	cfg, gormDB, err := connectFromConfig(configPath)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()

	if err := db.AutoMigrate(gormDB); err != nil {
		return err
	}
	if err := db.SeedTrains(gormDB, cfg.Trains); err != nil {
		return err
	}
	fmt.Fprintf(out, "Database ready (%d trains seeded)\n", len(cfg.Trains))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		fmt.Fprintf(out, "\nReceived %s, shutting down...\n", sig)
		cancel()
	}()

	notifier, err := buildNotifier(cfg, cmd)
	if err != nil {
		return err
	}

	runner := queue.NewRunner(gormDB, cfg.Workers.Count, cfg.Workers.PollInterval.Std(), out)

	ingestHandlers := &ingest.Handlers{Clients: vcsClients(ctx, cfg), Notifier: notifier}
	ingestHandlers.Register(runner)

	pollHandlers := &poller.Handlers{
		Clients:  ciClients(ctx, cfg),
		Notifier: notifier,
		PollWait: cfg.Workers.CIInterval.Std(),
	}
	pollHandlers.Register(runner)

	// Store transports are deployment-specific and injected here once an
	// adapter exists for the channel. Uploads for channels without a client
	// fail with a stamped submission failure rather than silently stalling.
	storeHandlers := &store.Handlers{
		Clients:       map[string]store.Client{},
		Notifier:      notifier,
		RolloutStages: cfg.Rollout.Stages,
		StageInterval: cfg.Rollout.StageInterval.Std(),
	}
	storeHandlers.Register(runner)

	queue.StartSweep(ctx, gormDB, cfg.Workers.SweepCron, out)
	notify.StartDigest(ctx, gormDB, notifier, cfg.Workers.DigestCron, out)

	errCh := make(chan error, 2)
	go func() {
		errCh <- webhook.Start(ctx, webhook.StartOpts{DB: gormDB, Port: cfg.HTTP.Port, Out: out})
	}()
	go func() {
		errCh <- runner.Run(ctx)
	}()

	// First fatal error wins; the second goroutine exits via ctx.
	if err := <-errCh; err != nil {
		cancel()
		<-errCh
		return err
	}
	cancel()
	return <-errCh
}

// vcsClients builds the outbound VCS collaborators available for this
// deployment, keyed by integration kind. Trains on kinds without a client
// cannot backmerge or cut branches remotely.
func vcsClients(ctx context.Context, cfg *config.Config) map[string]vcs.Client {
	clients := make(map[string]vcs.Client)
	if cfg.GitHub.Token != "" {
		clients["github"] = vcs.NewGitHubClient(ctx, cfg.GitHub.Token)
	}
	return clients
}

// ciClients builds the outbound CI collaborators available for this
// deployment, keyed by integration kind.
func ciClients(ctx context.Context, cfg *config.Config) map[string]ci.Client {
	clients := make(map[string]ci.Client)
	if cfg.GitHub.Token != "" {
		clients["github"] = ci.NewGitHubActionsClient(ctx, cfg.GitHub.Token)
	}
	return clients
}
