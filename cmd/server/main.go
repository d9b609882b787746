package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/sync/errgroup"

	"receiptflow/internal/approval"
	"receiptflow/internal/approval/callable"
	"receiptflow/internal/approval/gateway"
	approvalmetrics "receiptflow/internal/approval/metrics"
	"receiptflow/internal/identity"
	"receiptflow/internal/identity/jwtprovider"
	identitymetrics "receiptflow/internal/identity/metrics"
	"receiptflow/internal/platform/config"
	"receiptflow/internal/platform/httpserver"
	"receiptflow/internal/platform/logger"
	"receiptflow/internal/platform/metrics"
	platformredis "receiptflow/internal/platform/redis"
	"receiptflow/internal/ratelimit"
	lockoutmemory "receiptflow/internal/ratelimit/store/memory"
	lockoutredis "receiptflow/internal/ratelimit/store/redis"
	"receiptflow/internal/receipts"
	receiptmetrics "receiptflow/internal/receipts/metrics"
	receiptmemory "receiptflow/internal/receipts/store/memory"
	receiptpostgres "receiptflow/internal/receipts/store/postgres"
	receiptredis "receiptflow/internal/receipts/store/redis"
	httptransport "receiptflow/internal/transport/http"
	"receiptflow/pkg/platform/audit"
	auditpublisher "receiptflow/pkg/platform/audit/publisher"
	auditkafka "receiptflow/pkg/platform/audit/publishers/kafka"
	auditmemory "receiptflow/pkg/platform/audit/store/memory"
	auditpostgres "receiptflow/pkg/platform/audit/store/postgres"
	auditworker "receiptflow/pkg/platform/audit/worker"
	"receiptflow/pkg/platform/circuit"
	"receiptflow/pkg/platform/secrets"
)

const (
	shutdownTimeout = 10 * time.Second
	auditBuffer     = 256
)

// receiptStore is what every backend offers: the live-query backend plus the
// ledger the approveReceipt callable credits through.
type receiptStore interface {
	receipts.Backend
	callable.Ledger
}

func main() {
	log := logger.New()
	if err := run(log); err != nil {
		log.Error("receiptflow exited with error", "error", err)
		os.Exit(1)
	}
}

func run(log *slog.Logger) error {
	cfg := config.FromEnv()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	probes := map[string]func(context.Context) error{}
	sink, closeSink, err := buildAuditSink(ctx, cfg.Kafka, log)
	if err != nil {
		return err
	}
	defer closeSink()
	if pinger, ok := sink.(interface{ Ping(context.Context) error }); ok {
		probes["kafka"] = pinger.Ping
	}
	publisher := auditpublisher.NewPublisher(sink,
		auditpublisher.WithAsyncBuffer(auditBuffer),
		auditpublisher.WithLogger(log),
	)
	defer publisher.Close()
	// per-connection resolvers emit through the worker so streams never wait on
	// the sink
	inbox := make(chan audit.Event, auditBuffer)
	worker := auditworker.NewWorker(sink, inbox, log)

	redisClient, err := platformredis.New(ctx, cfg.Redis)
	if err != nil {
		return err
	}
	if redisClient != nil {
		defer redisClient.Close()
		probes["redis"] = redisClient.Health
	}

	store, closeStore, err := buildStore(ctx, cfg, redisClient, probes, log)
	if err != nil {
		return err
	}
	defer closeStore()

	var lockouts ratelimit.Store = lockoutmemory.New()
	if redisClient != nil {
		lockouts = lockoutredis.New(redisClient.Client)
	}
	signIns, err := ratelimit.New(lockouts,
		ratelimit.WithLogger(log),
		ratelimit.WithAuditPublisher(publisher),
	)
	if err != nil {
		return err
	}

	identityMetrics := identitymetrics.New(nil)
	resolverOpts := []identity.Option{
		identity.WithLogger(log),
		identity.WithMetrics(identityMetrics),
		identity.WithStrictRoles(cfg.Identity.StrictRoles),
	}
	issuer := jwtprovider.NewIssuer(cfg.Identity.SigningKey, cfg.Identity.Issuer, cfg.Identity.Audience)
	directory := jwtprovider.NewDirectory(issuer, cfg.Identity.TokenTTL)
	provider := jwtprovider.NewProvider(issuer, directory,
		identity.New(identity.NewHolder(), append(resolverOpts, identity.WithAuditPublisher(publisher))...),
		jwtprovider.WithLogger(log),
	)
	// HTTP requests are stateless: Logout here revokes tokens and the cleared
	// holder is never read.
	sessions := identity.New(identity.NewHolder(),
		append(resolverOpts, identity.WithProvider(provider), identity.WithAuditPublisher(publisher))...,
	)
	if err := bootstrapSuperadmin(ctx, provider, cfg.Identity, log); err != nil {
		return err
	}

	approvalMetrics := approvalmetrics.New(nil)
	breaker := circuit.New("approval-gateway",
		circuit.WithFailureThreshold(cfg.Gateway.FailureThreshold),
		circuit.WithSuccessThreshold(cfg.Gateway.SuccessThreshold),
		circuit.WithCooldown(cfg.Gateway.Cooldown),
	)
	client := gateway.New(callableURL(cfg),
		gateway.WithHTTPClient(&http.Client{
			Timeout:   cfg.Gateway.Timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		}),
		gateway.WithBreaker(breaker),
		gateway.WithLogger(log),
		gateway.WithMetrics(approvalMetrics),
	)
	coordinator := approval.New(client, store,
		approval.WithLogger(log),
		approval.WithAuditPublisher(publisher),
		approval.WithMetrics(approvalMetrics),
	)
	callableHandler := callable.New(store, log,
		callable.WithAuditPublisher(publisher),
		callable.WithMetrics(approvalMetrics),
	)

	handler := httptransport.NewHandler(httptransport.Config{
		Accounts:        provider,
		Sessions:        sessions,
		Backend:         store,
		Coordinator:     coordinator,
		Callable:        callableHandler,
		SignIns:         signIns,
		Probes:          probes,
		ResolverOptions: append(resolverOpts, identity.WithAuditPublisher(auditworker.Channel(inbox))),
		NoticeTTL:       cfg.Review.NoticeTTL,
		Logger:          log,
		Metrics:         metrics.New(nil),

		TrustProxyHeaders: cfg.TrustProxyHeaders,
	})
	srv := httpserver.New(cfg.Addr, otelhttp.NewHandler(httptransport.NewRouter(handler), "receiptflow"))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := worker.Run(gctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		log.Info("starting receiptflow",
			"addr", cfg.Addr,
			"backend", cfg.Backend,
			"callable_url", callableURL(cfg),
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		log.Info("shutting down")
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("graceful shutdown failed: %w", err)
		}
		return nil
	})
	return g.Wait()
}

func buildAuditSink(ctx context.Context, cfg config.KafkaConfig, log *slog.Logger) (audit.Store, func(), error) {
	if len(cfg.Brokers) == 0 {
		log.Info("audit events kept in memory")
		return auditmemory.NewInMemoryStore(), func() {}, nil
	}
	store, err := auditkafka.New(cfg.Brokers, cfg.Topic)
	if err != nil {
		return nil, nil, err
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := store.Ping(pingCtx); err != nil {
		store.Close()
		return nil, nil, fmt.Errorf("kafka audit sink: %w", err)
	}
	log.Info("audit events produced to kafka", "topic", cfg.Topic)
	return store, store.Close, nil
}

func buildStore(ctx context.Context, cfg config.Server, redisClient *platformredis.Client, probes map[string]func(context.Context) error, log *slog.Logger) (receiptStore, func(), error) {
	m := receiptmetrics.New(nil)
	switch cfg.Backend {
	case config.BackendMemory, "":
		return receiptmemory.New(receiptmemory.WithMetrics(m)), func() {}, nil

	case config.BackendRedis:
		if redisClient == nil {
			return nil, nil, errors.New("redis backend selected but RECEIPTFLOW_REDIS_URL is empty")
		}
		return receiptredis.New(redisClient.Client, receiptredis.WithMetrics(m)), func() {}, nil

	case config.BackendPostgres:
		if cfg.Postgres.DSN == "" {
			return nil, nil, errors.New("postgres backend selected but RECEIPTFLOW_DATABASE_URL is empty")
		}
		db, err := sql.Open("postgres", cfg.Postgres.DSN)
		if err != nil {
			return nil, nil, fmt.Errorf("open postgres: %w", err)
		}
		db.SetMaxOpenConns(cfg.Postgres.MaxOpenConns)
		if err := db.PingContext(ctx); err != nil {
			_ = db.Close()
			return nil, nil, fmt.Errorf("postgres ping failed: %w", err)
		}
		store := receiptpostgres.New(db, cfg.Postgres.DSN,
			receiptpostgres.WithMetrics(m),
			receiptpostgres.WithLogger(log),
			receiptpostgres.WithTxTimeout(cfg.Postgres.TxTimeout),
			receiptpostgres.WithOutbox(auditpostgres.New(db)),
		)
		if err := store.Migrate(ctx); err != nil {
			_ = db.Close()
			return nil, nil, err
		}
		probes["postgres"] = db.PingContext
		return store, func() { _ = db.Close() }, nil

	default:
		return nil, nil, fmt.Errorf("unknown receipt backend %q", cfg.Backend)
	}
}

func bootstrapSuperadmin(ctx context.Context, provider *jwtprovider.Provider, cfg config.IdentityConfig, log *slog.Logger) error {
	if cfg.SuperadminEmail == "" {
		log.Warn("no superadmin configured; accounts cannot be created")
		return nil
	}
	password, generated := cfg.SuperadminPassword, false
	if password == "" {
		var err error
		if password, err = secrets.Generate(); err != nil {
			return fmt.Errorf("generate superadmin password: %w", err)
		}
		generated = true
	}
	account, err := provider.Bootstrap(ctx, cfg.SuperadminEmail, password)
	if err != nil {
		return fmt.Errorf("bootstrap superadmin: %w", err)
	}
	if account == nil {
		return nil
	}
	attrs := []any{"subject_id", account.SubjectID, "email", account.Email}
	if generated {
		attrs = append(attrs, "password", password)
	}
	log.Info("superadmin bootstrapped", attrs...)
	return nil
}

// callableURL is the configured callable, or this process's own /rpc mount.
func callableURL(cfg config.Server) string {
	if cfg.Gateway.BaseURL != "" {
		return cfg.Gateway.BaseURL
	}
	host, port, err := net.SplitHostPort(cfg.Addr)
	if err != nil {
		return "http://127.0.0.1:8080/rpc"
	}
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "127.0.0.1"
	}
	return "http://" + net.JoinHostPort(host, port) + "/rpc"
}
