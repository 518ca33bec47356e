package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/hfujimori/covercall/internal/broker"
	"github.com/hfujimori/covercall/internal/catalog"
	"github.com/hfujimori/covercall/internal/chain"
	"github.com/hfujimori/covercall/internal/config"
	"github.com/hfujimori/covercall/internal/dashboard"
	"github.com/hfujimori/covercall/internal/engine"
	"github.com/hfujimori/covercall/internal/jobs"
	"github.com/hfujimori/covercall/internal/orders"
	"github.com/hfujimori/covercall/internal/quote"
	"github.com/hfujimori/covercall/internal/schedule"
	"github.com/hfujimori/covercall/internal/storage"
)

// vixConID is the CBOE volatility index on the venue.
const vixConID = 13455763

// tickleInterval keeps the gateway session alive; it logs out after a few
// idle minutes otherwise.
const tickleInterval = 60 * time.Second

func main() {
	var configPath string
	flag.StringVar(&configPath, "config", "config.yaml", "Path to configuration file")
	flag.Parse()

	// Optional .env for local runs; absence is fine.
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.Printf("Skipping .env: %v", err)
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logWriter := io.MultiWriter(os.Stdout, &lumberjack.Logger{
		Filename:   filepath.Join(filepath.Dir(cfg.Storage.Path), "covercall.log"),
		MaxSize:    20, // MB
		MaxBackups: 5,
		MaxAge:     30, // days
		Compress:   true,
	})
	logger := log.New(logWriter, "[BOT] ", log.LstdFlags|log.Lshortfile)

	logger.Printf("Starting covercall in %s mode", cfg.Environment.Mode)
	if cfg.Environment.DryRun {
		logger.Println("DRY-RUN MODE - tickets are logged, never sent")
	} else if !cfg.IsPaperTrading() {
		logger.Println("LIVE TRADING MODE - real money at risk!")
		logger.Println("Waiting 10 seconds to confirm...")
		time.Sleep(10 * time.Second)
	}

	if err := run(cfg, logger, logWriter); err != nil &&
		!errors.Is(err, context.Canceled) && !errors.Is(err, http.ErrServerClosed) {
		logger.Fatalf("Bot error: %v", err)
	}
	logger.Println("Bot stopped")
}

func run(cfg *config.Config, logger *log.Logger, logWriter io.Writer) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := os.MkdirAll(filepath.Dir(cfg.Storage.Path), 0o755); err != nil {
		return fmt.Errorf("creating data dir: %w", err)
	}
	store, err := storage.NewJSONStore(cfg.Storage.Path)
	if err != nil {
		return err
	}

	portal := broker.NewPortalClient(cfg.Gateway.BaseURL, cfg.Gateway.AccountID).
		WithTimeout(cfg.GatewayTimeout())
	client := broker.NewCircuitBreakerClient(portal)

	logger.Println("Checking gateway session...")
	authCtx, authCancel := context.WithTimeout(ctx, cfg.GatewayTimeout())
	authed, err := portal.AuthStatus(authCtx)
	authCancel()
	switch {
	case err != nil:
		logger.Printf("Gateway auth check failed (jobs will retry): %v", err)
	case !authed:
		logger.Println("Gateway session not authenticated; log in through the gateway UI")
	default:
		logger.Println("Gateway session authenticated")
	}

	om := orders.NewManager(client, logger, cfg.Environment.DryRun)
	eng := engine.New(
		client,
		catalog.New(client, logger),
		quote.NewResolver(client, logger),
		chain.NewSelector(client, logger),
		om,
		store,
		logger,
		cfg.Gateway.AccountID,
	)

	runner := jobs.NewRunner(logger, 32)

	enqueueInstrument := func(name string) (*jobs.Job, error) {
		inst, ok := cfg.Instrument(name)
		if !ok {
			return nil, fmt.Errorf("unknown instrument %q", name)
		}
		snapshot := *inst
		return runner.Enqueue(snapshot.Strategy, snapshot.Name, func(jobCtx context.Context) (string, bool, error) {
			out, err := eng.Run(jobCtx, snapshot)
			if err != nil {
				return "", false, err
			}
			if out.Skipped {
				return out.Reason, true, nil
			}
			return fmt.Sprintf("%s %.0f x conid %d (parent %s)",
				out.Trade.Action, out.Trade.Quantity, out.Trade.ConID, out.Trade.ParentOrderID), false, nil
		})
	}
	enqueueProbe := func() (*jobs.Job, error) {
		return runner.Enqueue("probe", "", func(jobCtx context.Context) (string, bool, error) {
			report, err := eng.Probe(jobCtx)
			if err != nil {
				return "", false, err
			}
			return fmt.Sprintf("%d positions, %d working orders",
				len(report.Positions), len(report.LiveOrders)), false, nil
		})
	}

	loc := cfg.Location()
	triggers := []schedule.Trigger{
		{
			Name: "weekly-entry",
			Next: func(now time.Time) (time.Time, error) {
				return schedule.NextWeekly(now, time.Friday, cfg.Schedule.WeeklyTime, loc)
			},
			Fire: func(context.Context) {
				for _, inst := range cfg.Instruments {
					if _, err := enqueueInstrument(inst.Name); err != nil {
						logger.Printf("Failed to enqueue %s: %v", inst.Name, err)
					}
				}
			},
		},
	}
	if cfg.Schedule.VIXEnabled {
		triggers = append(triggers, schedule.Trigger{
			Name: "vix-close-snapshot",
			Next: func(now time.Time) (time.Time, error) {
				return nextVIXSnapshot(now, loc), nil
			},
			Fire: func(context.Context) {
				_, err := runner.Enqueue("vix_snapshot", "", func(jobCtx context.Context) (string, bool, error) {
					v, err := eng.SnapshotVIXClose(jobCtx, vixConID)
					if err != nil {
						return "", false, err
					}
					return fmt.Sprintf("close %.2f", v), false, nil
				})
				if err != nil {
					logger.Printf("Failed to enqueue VIX snapshot: %v", err)
				}
			},
		})
	}
	sched := schedule.New(logger, triggers...)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return runner.Run(gctx) })
	g.Go(func() error { return sched.Run(gctx) })

	// Job audit trail. The runner logs execution itself; enqueues and skips
	// only surface through the event stream.
	g.Go(func() error {
		for {
			select {
			case <-gctx.Done():
				return gctx.Err()
			case ev := <-runner.Events():
				switch ev.Job.State {
				case jobs.StateQueued:
					logger.Printf("Job %s queued: %s %s", ev.Job.ID, ev.Job.Kind, ev.Job.Instrument)
				case jobs.StateSkipped:
					logger.Printf("Job %s skipped: %s", ev.Job.ID, ev.Job.Detail)
				}
			}
		}
	})

	// Session keepalive.
	g.Go(func() error {
		ticker := time.NewTicker(tickleInterval)
		defer ticker.Stop()
		for {
			select {
			case <-gctx.Done():
				return gctx.Err()
			case <-ticker.C:
				tCtx, tCancel := context.WithTimeout(gctx, cfg.GatewayTimeout())
				if err := portal.Tickle(tCtx); err != nil {
					logger.Printf("Gateway tickle failed: %v", err)
				}
				tCancel()
			}
		}
	})

	if cfg.Dashboard.Enabled {
		dashLogger := logrus.New()
		dashLogger.SetOutput(logWriter)
		srv := dashboard.NewServer(
			dashboard.Config{Addr: cfg.Dashboard.Addr, AuthToken: os.Getenv("COVERCALL_DASH_TOKEN")},
			dashLogger,
			runner,
			store,
			om,
			enqueueInstrument,
			enqueueProbe,
		)
		logger.Printf("Dashboard listening on %s", cfg.Dashboard.Addr)
		g.Go(srv.Start)
		g.Go(func() error {
			<-gctx.Done()
			shutCtx, shutCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer shutCancel()
			return srv.Shutdown(shutCtx)
		})
	}

	return g.Wait()
}

// nextVIXSnapshot finds the next 16:15 local close capture on a snapshot
// day, scanning forward day by day.
func nextVIXSnapshot(now time.Time, loc *time.Location) time.Time {
	local := now.In(loc)
	for d := 0; d < 62; d++ {
		day := local.AddDate(0, 0, d)
		at := time.Date(day.Year(), day.Month(), day.Day(), 16, 15, 0, 0, loc)
		if !at.After(local) {
			continue
		}
		if schedule.IsVIXSnapshotDay(at) {
			return at
		}
	}
	// Unreachable in practice: every month has snapshot days.
	return local.AddDate(0, 0, 62)
}
