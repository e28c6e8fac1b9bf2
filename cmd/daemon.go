package cmd

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/darkhz/bluepolicy/bluetooth"
	"github.com/darkhz/bluepolicy/bluez"
	"github.com/darkhz/bluepolicy/config"
	"github.com/darkhz/bluepolicy/eventbus"
	"github.com/darkhz/bluepolicy/logger"
	"github.com/darkhz/bluepolicy/policy"
	"github.com/darkhz/bluepolicy/store"
	"github.com/urfave/cli/v2"
	"golang.org/x/sync/errgroup"
)

const notificationBacklog = 64

// runDaemon connects the orchestrator to BlueZ, and runs it until
// the process is interrupted.
func runDaemon(cliCtx *cli.Context, cfg *config.Config) error {
	log, closeLog, err := logger.New(cfg.Values.LoggerOptions())
	if err != nil {
		return err
	}
	defer closeLog()

	ctx, stop := signal.NotifyContext(cliCtx.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := store.OpenSQLite(ctx, cfg.Values.Database)
	if err != nil {
		return err
	}
	defer db.Close()

	if err := seedAllowlist(ctx, db, cfg.Values.Allowlist); err != nil {
		return err
	}

	session, err := bluez.Open(ctx, cfg.Values.Adapter, db, log)
	if err != nil {
		return err
	}
	defer session.Close()

	session.SetQuietMode(cfg.Values.QuietMode)

	bus := eventbus.New(notificationBacklog)
	defer bus.Close()

	sub := bus.Subscribe(notificationIDs()...)

	orch := policy.New(session.Collaborators(db), cfg.Values.PolicyOptions(), log, bus)
	session.Attach(orch)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return orch.Run(gctx)
	})
	g.Go(func() error {
		return session.Watch(gctx)
	})
	g.Go(func() error {
		logNotifications(gctx, log, sub)
		return nil
	})

	session.Sync()
	if session.AdapterState() == bluetooth.AdapterOn && !cfg.Values.QuietMode {
		orch.AutoConnect()
	}

	log.Info("Daemon started", "database", cfg.Values.Database)

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}

	log.Info("Daemon stopped")

	return nil
}

// seedAllowlist adds the configured devices to the LE audio allowlist.
func seedAllowlist(ctx context.Context, db *store.SQLite, devices []bluetooth.MacAddress) error {
	for _, device := range devices {
		if err := db.SetLeAudioAllowlisted(ctx, device, true); err != nil {
			return err
		}
	}

	return nil
}

// logNotifications logs every decision published by the orchestrator.
func logNotifications(ctx context.Context, log *slog.Logger, sub eventbus.Subscription) {
	for {
		select {
		case <-ctx.Done():
			return

		case n, ok := <-sub.C:
			if !ok {
				return
			}

			switch n := n.(type) {
			case policy.PolicyChanged:
				log.Info("Policy changed",
					"device", n.Device.String(),
					"profile", n.Profile.String(),
					"policy", n.Policy.String(),
					"persisted", n.Persisted,
					"reason", n.Reason,
				)

			case policy.ConnectRequested:
				log.Info("Connect requested",
					"device", n.Device.String(),
					"profile", n.Profile.String(),
					"accepted", n.Accepted,
					"reason", n.Reason,
				)

			case policy.RetryScheduled:
				log.Debug("Retry scheduled", "device", n.Device.String(), "deadline", n.Deadline)

			case policy.RetryCancelled:
				log.Debug("Retry cancelled", "device", n.Device.String(), "reason", n.Reason)

			case policy.RetryFired:
				log.Debug("Retry fired", "device", n.Device.String())

			case policy.DecisionDeferred:
				log.Info("Decision deferred",
					"device", n.Device.String(),
					"profile", n.Profile.String(),
					"reason", n.Reason,
				)
			}
		}
	}
}

func notificationIDs() []eventbus.EventID {
	ids := policy.NotificationIDs()

	events := make([]eventbus.EventID, 0, len(ids))
	for _, id := range ids {
		events = append(events, id)
	}

	return events
}
