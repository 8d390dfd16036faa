package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"cloud.google.com/go/pubsub"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"github.com/contestlabs/indexer/internal/api"
	"github.com/contestlabs/indexer/internal/config"
	"github.com/contestlabs/indexer/internal/control"
	"github.com/contestlabs/indexer/internal/database"
	"github.com/contestlabs/indexer/internal/events"
	"github.com/contestlabs/indexer/internal/gateway"
	"github.com/contestlabs/indexer/internal/ingest"
	"github.com/contestlabs/indexer/internal/milestone"
	"github.com/contestlabs/indexer/internal/model"
	"github.com/contestlabs/indexer/internal/notify"
	"github.com/contestlabs/indexer/internal/queue"
	"github.com/contestlabs/indexer/internal/reconcile"
	"github.com/contestlabs/indexer/internal/registry"
	"github.com/contestlabs/indexer/internal/replay"
	"github.com/contestlabs/indexer/internal/rpcpool"
	"github.com/contestlabs/indexer/internal/stream"
	"github.com/contestlabs/indexer/internal/telemetry"
	"github.com/contestlabs/indexer/internal/validation"
)

func main() {
	godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := database.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("database: %v", err)
	}
	defer db.Close()

	if err := database.EnsureSchema(ctx, db); err != nil {
		log.Fatalf("schema: %v", err)
	}

	metrics := telemetry.NewMetrics(prometheus.DefaultRegisterer)
	bus := events.NewBus()

	pool := rpcpool.NewManager(cfg.Chains, cfg.RPCFailureThreshold, cfg.RPCCooldown,
		rpcpool.WithRecorder(metrics))
	gw := gateway.New(pool, cfg.MaxBatchSize)

	reg := registry.New(db)
	if err := reg.Reload(ctx); err != nil {
		log.Fatalf("registry: %v", err)
	}

	// The queue can live in its own database (PG_BOSS_URL); it shares the
	// main pool only when unset or pointed at the same server.
	queueDB := db
	if cfg.QueueURL != cfg.DatabaseURL {
		queueDB, err = database.Open(ctx, cfg.QueueURL)
		if err != nil {
			log.Fatalf("queue database: %v", err)
		}
		defer queueDB.Close()
		if err := database.EnsureSchema(ctx, queueDB); err != nil {
			log.Fatalf("queue schema: %v", err)
		}
	}

	writer := ingest.NewWriter(db)
	q := queue.New(queueDB, metrics)
	modes := control.NewModeRegistry()

	validator := validation.NewClient(cfg.ValidationURL)
	milestones := milestone.NewProcessor(db, validator, modes, q)
	reconciler := reconcile.NewProcessor(db, q)

	loop := ingest.NewLoop(gw, writer, milestones, metrics, bus)
	health := ingest.NewHealthTracker(cfg.StreamFailThreshold, func(key model.StreamKey, reason string) {
		if err := reg.SetState(context.Background(), key, model.StreamPaused); err != nil {
			log.Printf("pause %s after failure threshold: %v", key, err)
			return
		}
		bus.Publish(events.TypeStreamState, map[string]any{
			"contestId": key.ContestID,
			"chainId":   key.ChainID,
			"state":     string(model.StreamPaused),
			"cause":     reason,
		})
	})
	sched := ingest.NewScheduler(loop, reg, health, bus, cfg.PollInterval)

	replays := replay.NewEngine(gw, writer, reg, q, bus)
	svc := control.NewService(db, reg, modes, q, replays, health, bus)
	hub := stream.NewHub(bus)

	notifier := notify.NewDispatcher(db, metrics, buildChannels(ctx, cfg)...)

	q.RegisterWorker(queue.QueueMilestone, milestones.Handle,
		queue.WorkerOptions{Concurrency: cfg.MilestoneConcurrency})
	q.RegisterWorker(queue.QueueReconcile, reconciler.Handle,
		queue.WorkerOptions{Concurrency: cfg.ReconcileConcurrency})
	q.Start(ctx)
	notifier.Start(ctx, 4)

	go hub.Run(ctx)
	go sched.Run(ctx)
	go refreshRegistry(ctx, reg, cfg.RegistryRefresh)
	go sampleQueueDepth(ctx, q)

	server := api.NewServer(api.Options{
		DB:            db,
		Registry:      reg,
		Writer:        writer,
		Health:        health,
		Control:       svc,
		QueueStats:    q,
		Hub:           hub,
		Token:         cfg.ControlToken,
		RatePerMinute: cfg.ControlRateMin,
	})

	errCh := make(chan error, 1)
	go func() { errCh <- server.Start(cfg.Port) }()

	select {
	case <-ctx.Done():
		log.Println("shutdown signal received")
	case err := <-errCh:
		log.Printf("http server: %v", err)
		stop()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("http shutdown: %v", err)
	}
	q.Stop()
	notifier.Stop()
	log.Println("indexer stopped")
}

// buildChannels wires each configured notification transport. An indexer with
// no channels still runs; outbox rows just wait for one to appear.
func buildChannels(ctx context.Context, cfg *config.Config) []notify.Channel {
	var channels []notify.Channel

	if cfg.WebhookURL != "" {
		channels = append(channels, notify.NewWebhookChannel(cfg.WebhookURL, cfg.WebhookSecret))
	}

	if cfg.RedisAddr != "" {
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		channels = append(channels, notify.NewRedisChannel(client, cfg.RedisChannel))
	}

	if cfg.PubSubProject != "" && cfg.PubSubTopic != "" {
		client, err := pubsub.NewClient(ctx, cfg.PubSubProject)
		if err != nil {
			log.Printf("pubsub client: %v, channel disabled", err)
		} else {
			channels = append(channels, notify.NewPubSubChannel(client.Topic(cfg.PubSubTopic)))
		}
	}

	return channels
}

func refreshRegistry(ctx context.Context, reg *registry.Registry, maxAge time.Duration) {
	ticker := time.NewTicker(maxAge)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			reg.EnsureFresh(ctx, maxAge)
		}
	}
}

func sampleQueueDepth(ctx context.Context, q *queue.Queue) {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			q.UpdateDepthMetrics([]string{queue.QueueMilestone, queue.QueueReconcile})
		}
	}
}
