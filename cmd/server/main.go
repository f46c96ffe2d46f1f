package main

import (
	"context"
	"database/sql"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	_ "github.com/lib/pq"

	"github.com/example/shuttle-dispatch/internal/ack"
	"github.com/example/shuttle-dispatch/internal/assemble"
	"github.com/example/shuttle-dispatch/internal/conduct"
	"github.com/example/shuttle-dispatch/internal/config"
	"github.com/example/shuttle-dispatch/internal/dispatch"
	"github.com/example/shuttle-dispatch/internal/eta"
	"github.com/example/shuttle-dispatch/internal/geo"
	httpapi "github.com/example/shuttle-dispatch/internal/http"
	"github.com/example/shuttle-dispatch/internal/ingest"
	"github.com/example/shuttle-dispatch/internal/lifecycle"
	"github.com/example/shuttle-dispatch/internal/logging"
	"github.com/example/shuttle-dispatch/internal/matcher"
	"github.com/example/shuttle-dispatch/internal/models"
	"github.com/example/shuttle-dispatch/internal/optimizer"
	"github.com/example/shuttle-dispatch/internal/payments"
	"github.com/example/shuttle-dispatch/internal/projector"
	"github.com/example/shuttle-dispatch/internal/storage"
)

func main() {
	cfg, err := config.LoadServerConfig()
	logger := logging.NewLogger(cfg.LogLevel)
	if err != nil {
		logger.Error("config load failed", "error", err)
		os.Exit(1)
	}

	if cfg.PGDSN != "" && cfg.RunMigrations {
		migrate(cfg.PGDSN, logger)
	}

	var repo storage.Repository
	if cfg.PGDSN != "" {
		pg, err := storage.NewPostgresRepository(cfg.PGDSN)
		if err != nil {
			logger.Error("postgres unavailable", "error", err)
			os.Exit(1)
		}
		repo = pg
	} else {
		repo = storage.NewMemoryRepository()
	}

	var vgeo geo.Geo
	if cfg.RedisAddr != "" {
		vgeo = geo.NewRedisGeo(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisGeoKey)
	} else {
		vgeo = geo.NewIndex()
	}

	var kp *ingest.KafkaProducer
	if len(cfg.KafkaBrokers) > 0 {
		kp = ingest.NewKafkaProducer(cfg.KafkaBrokers, cfg.KafkaTopic)
		defer kp.Close()
	}

	sessions := dispatch.NewRegistry(logger)
	locks := storage.NewVehicleLocks()

	assembler := &assemble.Assembler{
		DistanceWeight: cfg.CostDistanceWeight,
		TimeWeight:     cfg.CostTimeWeight,
		SkipDistance:   cfg.SkipDistanceOpt,
		SpeedMps:       cfg.DefaultSpeedMps,
		OptTimeout:     cfg.OptimizerTimeout,
		Logger:         logger,
	}
	if cfg.OptimizerEndpoint != "" {
		assembler.Opt = optimizer.NewHTTPOptimizer(cfg.OptimizerEndpoint, cfg.OptimizerTimeout)
	}

	acker := &ack.Service{Repo: repo, Notifier: sessions, Timeout: cfg.AckTimeout, Logger: logger}
	stripeClient := payments.NewStripeClient()

	match := &matcher.Service{
		Repo:               repo,
		Geo:                vgeo,
		Assembler:          assembler,
		Locks:              locks,
		Notifier:           acker,
		Logger:             logger,
		InitialDriverLimit: cfg.InitialDriverLimit,
		FinalDriverLimit:   cfg.FinalDriverLimit,
		ZombieRetries:      cfg.ZombieRetries,
		ZombieAge:          cfg.ZombieAge,
		FareHold:           int64(cfg.FareHoldCents),
		FareCurrency:       cfg.FareCurrency,
	}
	if cfg.FareHoldCents > 0 {
		match.Payments = stripeClient
	}

	life := &lifecycle.Service{
		Repo:          repo,
		Assembler:     assembler,
		Locks:         locks,
		Payments:      stripeClient,
		Notifier:      riderNotifier{sessions},
		Logger:        logger,
		ArriveRadiusM: cfg.ArriveRadiusM,
		NoShowMinWait: cfg.NoShowMinWait,
	}

	proj := &projector.Service{
		Repo:     repo,
		Cache:    eta.NewCache(time.Minute),
		SpeedMps: cfg.DefaultSpeedMps,
		DwellSec: cfg.DwellSec,
	}
	if ep := os.Getenv("OSRM_ENDPOINT"); ep != "" {
		proj.ETAClient = eta.NewOSRMClient(ep)
	}

	enforcer := &conduct.Service{Repo: repo, Logger: logger, BanStrikes: cfg.BanStrikes, LowRating: cfg.LowRating}

	srv := httpapi.NewServer(logger)
	srv.Repo = repo
	srv.Geo = vgeo
	srv.Matcher = match
	srv.Lifecycle = life
	srv.Ack = acker
	srv.Conduct = enforcer
	srv.Projector = proj
	srv.Kafka = kp
	srv.Sessions = sessions
	srv.Locks = locks

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go scanLoop(ctx, cfg, match, logger)
	go broadcastLoop(ctx, cfg, acker, logger)

	httpSrv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      srv,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		_ = httpSrv.Shutdown(shutdownCtx)
	}()

	logger.Info("shuttle-dispatch listening", "addr", cfg.HTTPAddr)
	if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error("server stopped", "error", err)
		os.Exit(1)
	}
}

// scanLoop runs one scanner goroutine per configured partition.
// Partitions scan in parallel, but each partition runs its passes
// back to back: a pass that outlives the interval simply absorbs the
// missed ticks, so two scans of one partition never overlap.
func scanLoop(ctx context.Context, cfg config.ServerConfig, match *matcher.Service, logger *slog.Logger) {
	partitions := cfg.Partitions
	if len(partitions) == 0 {
		partitions = []string{""}
	}
	for _, p := range partitions {
		go func(partition string) {
			ticker := time.NewTicker(cfg.ScanInterval)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					if _, err := match.Search(ctx, partition); err != nil && ctx.Err() == nil {
						logger.Error("scan failed", "partition", partition, "error", err)
					}
				}
			}
		}(p)
	}
}

func broadcastLoop(ctx context.Context, cfg config.ServerConfig, acker *ack.Service, logger *slog.Logger) {
	ticker := time.NewTicker(cfg.BroadcastInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := acker.BroadcastMatches(ctx); err != nil && ctx.Err() == nil {
				logger.Error("rebroadcast sweep failed", "error", err)
			}
		}
	}
}

// riderNotifier pushes lifecycle events to the rider's live session.
type riderNotifier struct {
	sessions *dispatch.Registry
}

func (n riderNotifier) RideStatus(ride models.Ride) {
	_ = n.sessions.Notify(ride.RiderID, map[string]any{
		"kind":    "ride_status",
		"ride_id": ride.ID,
		"status":  ride.Status.String(),
	})
}

func migrate(dsn string, logger *slog.Logger) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		logger.Error("migration db open failed", "error", err)
		return
	}
	defer db.Close()
	b, err := os.ReadFile(filepath.Join("migrations", "001_schema.sql"))
	if err != nil {
		logger.Error("migration read failed", "error", err)
		return
	}
	if _, err := db.Exec(string(b)); err != nil {
		logger.Error("migration exec failed", "error", err)
		return
	}
	logger.Info("migration applied", "file", "001_schema.sql")
}
