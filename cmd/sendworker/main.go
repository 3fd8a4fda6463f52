package main

import (
	"context"
	"errors"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"outreachflow/config"
	"outreachflow/db"
	"outreachflow/incident"
	"outreachflow/killswitch"
	"outreachflow/metrics"
	"outreachflow/policy"
	"outreachflow/resume"
	"outreachflow/sendqueue"
	"outreachflow/transport"
)

// autoStop engages the runtime kill switch with automatic attribution, which
// starts the resume cooldown.
type autoStop struct {
	sw *killswitch.Switch
}

func (a autoStop) Enable(reason, setBy string) error {
	return a.sw.Enable(reason, setBy, killswitch.SourceAutomatic)
}

func main() {
	logger, err := zap.NewProduction()
	if err != nil {
		log.Fatalf("bootstrap logger: %v", err)
	}
	defer logger.Sync()

	if err := run(logger); err != nil {
		logger.Fatal("sendworker exited", zap.Error(err))
	}
}

func run(logger *zap.Logger) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pool, err := db.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer pool.Close()

	sw := killswitch.NewSwitch(cfg.KillSwitchPath, logger)
	sendPolicy := policy.New(cfg.PolicyConfig(), sw)

	eventStore := metrics.NewStore(pool)
	notifier := metrics.NewNotifier(eventStore, logger)
	incidents := incident.NewRepository(pool)

	retry := sendqueue.NewRetryPolicy(cfg.MaxAttempts, cfg.BackoffBase, cfg.BackoffCap)
	queue := sendqueue.NewManager(sendqueue.NewStore(pool), retry, notifier, logger)

	sender := transport.NewSMTPSender(transport.SMTPConfig{
		Host:          cfg.SMTPHost,
		Port:          cfg.SMTPPort,
		User:          cfg.SMTPUser,
		Password:      cfg.SMTPPassword,
		SenderAddress: cfg.SenderAddress,
		SenderName:    cfg.SenderName,
	}, transport.NewPGDrafts(pool), logger)

	worker := sendqueue.NewWorker(queue, sender, sendPolicy, notifier, cfg.PollInterval, logger).
		WithEmergencyStop(autoStop{sw: sw}).
		WithDailyQuota(sendqueue.NewMeteredQuota(eventStore, sendPolicy))

	gate := resume.NewGate(resume.Config{
		RuntimeSwitch: sw,
		EnvKillSwitch: cfg.EnvKillSwitch,
		AutoSend:      cfg.EnableAutoSend,
		SendGate:      sendPolicy,
		Stops:         &resume.KillSwitchStops{Switch: sw},
		Replies:       resume.NewEventReplyRates(eventStore, cfg.ReplyRateWindow, cfg.ReplyRateFloor),
		Incidents:     &resume.RepositoryIncidents{Repo: incidents},
		Cooldown:      cfg.ResumeCooldown,
	}, logger)

	logger.Info("sendworker starting",
		zap.Bool("auto_send", cfg.EnableAutoSend),
		zap.Int("max_per_day", cfg.MaxPerDay),
		zap.Duration("poll_interval", cfg.PollInterval))

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return worker.Run(ctx) })
	g.Go(func() error { return watchReadiness(ctx, sw, gate, logger) })

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.Info("sendworker stopped")
	return nil
}

// watchReadiness periodically evaluates the resume gate while the runtime
// kill switch is engaged, so operators can see from the logs what still
// blocks recovery.
func watchReadiness(ctx context.Context, sw *killswitch.Switch, gate *resume.Gate, logger *zap.Logger) error {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
		if !sw.IsEnabled() {
			continue
		}
		res := gate.Evaluate(ctx)
		if res.OK {
			logger.Info("resume gate clear; sending stays stopped until the switch is released",
				zap.Strings("warnings", res.Warnings))
			continue
		}
		logger.Warn("resume gate blocked",
			zap.Strings("blockers", res.Blockers),
			zap.Strings("warnings", res.Warnings))
	}
}
