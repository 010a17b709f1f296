package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/angelmondragon/ordertrack/internal/actions"
	"github.com/angelmondragon/ordertrack/internal/coordinator"
	"github.com/angelmondragon/ordertrack/internal/orderapi"
	"github.com/angelmondragon/ordertrack/internal/payment"
	"github.com/angelmondragon/ordertrack/internal/payment/razorpay"
	"github.com/angelmondragon/ordertrack/internal/realtime"
	"github.com/angelmondragon/ordertrack/internal/realtime/pubsubfeed"
	"github.com/angelmondragon/ordertrack/internal/realtime/wsfeed"
	"github.com/angelmondragon/ordertrack/pkg/config"
	pkgerrors "github.com/angelmondragon/ordertrack/pkg/errors"
	"github.com/angelmondragon/ordertrack/pkg/idempotency"
	"github.com/angelmondragon/ordertrack/pkg/instance"
	"github.com/angelmondragon/ordertrack/pkg/logger"
	"github.com/angelmondragon/ordertrack/pkg/metrics"
	"github.com/angelmondragon/ordertrack/pkg/pubsub"
	"github.com/angelmondragon/ordertrack/pkg/redis"
	"github.com/angelmondragon/ordertrack/pkg/session"
)

const serviceName = "ordertrack"

func main() {
	os.Exit(runTracker(os.Args[1:]))
}

// runTracker returns the process exit code. Deferred cleanups run before main exits.
func runTracker(args []string) int {
	logg := logger.New(logger.Options{ServiceName: serviceName, Output: os.Stderr})

	if err := godotenv.Load(); err != nil {
		logg.Warn(context.Background(), ".env file not found, relying on environment")
	}

	inv, err := parseArgs(args, os.Stderr)
	if err != nil {
		return 2
	}

	cfg, err := config.Load()
	if err != nil {
		logg.Error(context.Background(), "failed to load config", err)
		return 1
	}

	logg = logger.New(logger.Options{
		ServiceName: serviceName,
		Level:       logger.ParseLevel(cfg.App.LogLevel),
		WarnStack:   cfg.App.LogWarnStack,
		Output:      os.Stderr,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx = logg.WithFields(ctx, map[string]any{
		"env":      cfg.App.Env,
		"instance": instance.GetID(),
		"command":  inv.command,
	})

	sess := session.New()
	defer sess.Teardown()
	if err := sess.Init(cfg.Session.Token); err != nil {
		logg.Error(ctx, "failed to initialize session", err)
		return 1
	}

	deps := make(map[string]pinger)

	guard, redisClient, err := newGuard(ctx, cfg, logg)
	if err != nil {
		logg.Error(ctx, "failed to bootstrap verification guard", err)
		return 1
	}
	if redisClient != nil {
		deps["redis"] = redisClient
		defer func() {
			if err := redisClient.Close(); err != nil {
				logg.Error(ctx, "error closing redis", err)
			}
		}()
	}

	api, err := orderapi.NewClient(cfg.API.BaseURL, sess, orderapi.WithTimeout(cfg.API.Timeout))
	if err != nil {
		logg.Error(ctx, "failed to create order api client", err)
		return 1
	}

	transport, pubsubClient, err := newTransport(ctx, cfg, sess, logg)
	if err != nil {
		logg.Error(ctx, "failed to bootstrap realtime transport", err)
		return 1
	}
	if pubsubClient != nil {
		deps["pubsub"] = pubsubClient
		defer func() {
			if err := pubsubClient.Close(); err != nil {
				logg.Error(ctx, "error closing pubsub", err)
			}
		}()
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	coordMetrics := metrics.NewCoordinatorMetrics(registry)
	if cfg.App.MetricsAddr != "" {
		srv := startOpsServer(ctx, cfg.App.MetricsAddr, newOpsRouter(cfg.App.Env, registry, logg, deps), logg)
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				logg.Error(ctx, "error stopping ops server", err)
			}
		}()
	}

	provider, err := razorpay.New(cfg.Payment, razorpay.StdioPresenter{In: os.Stdin, Out: os.Stdout})
	if err != nil {
		logg.Error(ctx, "failed to create payment provider", err)
		return 1
	}

	facade, err := actions.NewFacade(actions.Params{
		Canceller: api,
		Printer:   actions.WriterPrinter{W: os.Stdout},
		Support:   actions.LinkLauncher{BaseURL: cfg.App.SupportURL, Out: os.Stdout},
		Logger:    logg,
	})
	if err != nil {
		logg.Error(ctx, "failed to create order actions", err)
		return 1
	}

	coord, err := coordinator.New(coordinator.Params{
		OrderID:      inv.orderID,
		API:          api,
		Session:      sess,
		Actions:      facade,
		Transport:    transport,
		Provider:     provider,
		Loader:       payment.NewLoader(),
		Guard:        guard,
		Logger:       logg,
		Metrics:      coordMetrics,
		PollInterval: cfg.Coordinator.PollInterval,
		MaxAttempts:  cfg.Coordinator.MaxAttempts,
	})
	if err != nil {
		logg.Error(ctx, "failed to create order coordinator", err)
		return 1
	}
	defer func() {
		if err := coord.Close(); err != nil {
			logg.Error(ctx, "error closing order view", err)
		}
		logg.Info(ctx, "order tracker shutting down")
	}()

	ctx = logg.WithOrderID(ctx, inv.orderID)
	logg.Info(ctx, "opening order")

	err = coord.Open(ctx)
	if err == nil {
		err = run(ctx, coord, inv, os.Stdout)
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		logg.Error(logg.WithField(ctx, "error_dump", pkgerrors.Dump(err)), "order command failed", err)
		fmt.Fprintln(os.Stderr, describeError(err))
		return 1
	}
	return 0
}

func startOpsServer(ctx context.Context, addr string, handler http.Handler, logg *logger.Logger) *http.Server {
	srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		logg.Info(logg.WithField(ctx, "addr", addr), "serving health and metrics")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logg.Error(ctx, "ops server stopped unexpectedly", err)
		}
	}()
	return srv
}

// newGuard backs verification claims with redis when configured so that every
// tracker process sharing the redis instance refuses a duplicate verification.
// The redis client is nil when the in-memory store is used.
func newGuard(ctx context.Context, cfg *config.Config, logg *logger.Logger) (*idempotency.Manager, *redis.Client, error) {
	if !cfg.Redis.Enabled() {
		guard, err := idempotency.NewManager(idempotency.NewMemoryStore(), cfg.Payment.VerifyDedupTTL)
		return guard, nil, err
	}
	client, err := redis.New(ctx, cfg.Redis, logg)
	if err != nil {
		return nil, nil, err
	}
	guard, err := idempotency.NewManager(client, cfg.Payment.VerifyDedupTTL)
	if err != nil {
		_ = client.Close()
		return nil, nil, err
	}
	return guard, client, nil
}

// newTransport picks the push feed. The Pub/Sub client is returned for health
// checks and shutdown when that transport is selected.
func newTransport(ctx context.Context, cfg *config.Config, sess *session.State, logg *logger.Logger) (realtime.Transport, *pubsub.Client, error) {
	switch cfg.Realtime.TransportKind() {
	case config.TransportWebsocket:
		t, err := wsfeed.New(cfg.Realtime, sess, logg)
		if err != nil {
			return nil, nil, err
		}
		return t, nil, nil
	case config.TransportPubSub:
		client, err := pubsub.NewClient(ctx, cfg.PubSub, logg)
		if err != nil {
			return nil, nil, err
		}
		subs := pubsubfeed.SubscriptionFunc(func(ctx context.Context, orderID string) (pubsubfeed.Receiver, func(context.Context) error, error) {
			sub, release, err := client.OrderSubscription(ctx, orderID)
			if err != nil {
				return nil, nil, err
			}
			return sub, release, nil
		})
		t, err := pubsubfeed.New(subs, logg)
		if err != nil {
			_ = client.Close()
			return nil, nil, err
		}
		return t, client, nil
	default:
		logg.Warn(ctx, "realtime transport disabled; relying on polling")
		return nil, nil, nil
	}
}
