package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"bitwise74/content-api/app"
	"bitwise74/content-api/config"
	"bitwise74/content-api/db"
	"bitwise74/content-api/internal"
	"bitwise74/content-api/internal/access"
	"bitwise74/content-api/internal/events"
	"bitwise74/content-api/internal/imaging"
	"bitwise74/content-api/internal/lock"
	"bitwise74/content-api/internal/repository"
	"bitwise74/content-api/internal/scanner"
	"bitwise74/content-api/internal/scheduler"
	"bitwise74/content-api/internal/service"
	"bitwise74/content-api/internal/storage"
	"bitwise74/content-api/internal/tasks"
	"bitwise74/content-api/pkg/logger"
	"bitwise74/content-api/pkg/middleware"
	"bitwise74/content-api/pkg/util"
	"bitwise74/content-api/pkg/validators"

	"github.com/gin-gonic/gin"
	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"
	v "github.com/spf13/viper"
	"go.uber.org/zap"
)

func main() {
	gin.SetMode(gin.ReleaseMode)

	// Replaced once the configured level is known
	if _, err := logger.New("info", false); err != nil {
		panic(err)
	}

	if err := config.Setup(); err != nil {
		zap.L().Fatal("Invalid configuration", zap.Error(err))
	}

	if _, err := logger.New(v.GetString("app.log_level"), v.GetBool("app.json_logs")); err != nil {
		panic(err)
	}
	defer zap.L().Sync()

	if err := run(); err != nil {
		zap.L().Fatal("Server stopped", zap.Error(err))
	}
}

func newScanner() scanner.Engine {
	switch v.GetString("scan.engine") {
	case "clamd":
		e := scanner.NewClamd(v.GetString("scan.address"), v.GetBool("scan.stream_files"))
		if err := e.Ping(); err != nil {
			zap.L().Warn("clamd is not reachable yet, scans will fail until it is", zap.Error(err))
		}

		return e
	case "clamscan":
		return scanner.NewClamscan(v.GetString("scan.clamscan_path"), v.GetString("processing.temp_dir"))
	}

	return nil
}

func newRedis() redis.UniversalClient {
	addr := v.GetString("redis.addr")
	if addr == "" {
		return nil
	}

	return redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: v.GetString("redis.password"),
		DB:       v.GetInt("redis.db"),
	})
}

func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	conn, err := db.New(db.Options{
		Driver: v.GetString("database.driver"),
		DSN:    v.GetString("database.dsn"),
		Debug:  v.GetBool("database.debug"),

		// Inside a container the database has to come from a mounted volume
		RequireExisting: util.IsRunningInDocker(),
	})
	if err != nil {
		return err
	}

	gw, err := storage.NewS3(ctx, storage.S3Options{
		Type:            v.GetString("storage.type"),
		Bucket:          v.GetString("storage.bucket"),
		Region:          v.GetString("storage.region"),
		Endpoint:        v.GetString("storage.endpoint"),
		AccountID:       v.GetString("cloudflare.account_id"),
		AccessKeyID:     v.GetString("storage.access_key_id"),
		SecretAccessKey: v.GetString("storage.secret_access_key"),
		PathStyle:       v.GetBool("storage.path_style"),
		PublicBaseURL:   v.GetString("storage.public_base_url"),
	})
	if err != nil {
		return fmt.Errorf("failed to initialize storage, %w", err)
	}

	rdb := newRedis()

	var emitter events.Emitter = events.LogEmitter{}
	if rdb != nil {
		emitter = events.Multi{emitter, events.NewRedisEmitter(rdb, v.GetString("redis.events_channel"))}
	}

	store := repository.New(conn)

	uploads := service.NewUploadCoordinator(store, gw, emitter, service.UploadOptions{
		Limits: validators.SizeLimits{
			Default: v.GetInt64("upload.max_size_mb") << 20,
			Video:   v.GetInt64("upload.max_video_size_mb") << 20,
		},
		AllowedTypes: v.GetStringSlice("upload.allowed_types"),
		DefaultQuota: v.GetInt64("quota.org_limit_gb") << 30,
		PresignTTL:   v.GetDuration("storage.presign_ttl"),
		CDNBaseURL:   v.GetString("storage.cdn_url"),
	})

	pipeline := service.NewPipeline(store, gw, newScanner(),
		imaging.NewCodec(v.GetString("imaging.ffmpeg_path"), v.GetString("processing.temp_dir")),
		emitter,
		service.PipelineOptions{
			ScanTimeout:      v.GetDuration("scan.timeout"),
			ScanTimeoutFatal: v.GetBool("scan.timeout_fatal"),
			TranscodeTimeout: v.GetDuration("imaging.timeout"),
			Quality:          v.GetInt("imaging.quality"),
			MaxDimension:     v.GetInt("imaging.max_dimension"),
			Variants:         imaging.VariantsForSizes(v.GetIntSlice("imaging.thumbnail_sizes")),
			TempDir:          v.GetString("processing.temp_dir"),
			StaleAfter:       v.GetDuration("processing.stale_after"),
			Limits: validators.SizeLimits{
				Default: v.GetInt64("upload.max_size_mb") << 20,
				Video:   v.GetInt64("upload.max_video_size_mb") << 20,
			},
		})

	files := service.NewFileService(store, gw, access.Policy{
		BlockUnverified: v.GetBool("security.block_unverified_downloads"),
	}, uploads)
	defer files.Close()

	retention := service.NewRetentionManager(store, gw, emitter, service.RetentionOptions{
		BatchSize:      v.GetInt("retention.batch_size"),
		DeleteInfected: v.GetBool("retention.delete_infected"),
		DeleteFailed:   v.GetBool("retention.delete_failed"),
		FailedAfter:    time.Duration(v.GetInt("retention.failed_days")) * 24 * time.Hour,
		ArchivedAfter:  time.Duration(v.GetInt("retention.archived_days")) * 24 * time.Hour,
		OrphanMinAge:   v.GetDuration("retention.orphan_min_age"),
		AbandonedAfter: v.GetDuration("processing.stale_after"),
	})
	if rdb != nil {
		retention.Lock = lock.NewRedis(rdb, "content-api:retention", 0)
	}

	if *config.RunRetention {
		res, err := retention.RunSweep(ctx)
		if err != nil {
			return err
		}

		zap.L().Info("Retention sweep done",
			zap.Int64("bytes_reclaimed", res.BytesReclaimed),
			zap.Int("errors", res.Errors))
		return nil
	}

	d := &internal.Deps{
		DB:        conn,
		Store:     store,
		Storage:   gw,
		Uploads:   uploads,
		Pipeline:  pipeline,
		Files:     files,
		Retention: retention,
	}

	workers := v.GetInt("processing.workers")

	var shutdownWorkers func()

	if rdb != nil {
		opt := asynq.RedisClientOpt{
			Addr:     v.GetString("redis.addr"),
			Password: v.GetString("redis.password"),
			DB:       v.GetInt("redis.db"),
		}

		dispatcher := tasks.NewDispatcher(opt, v.GetDuration("imaging.timeout")+v.GetDuration("scan.timeout")+time.Minute)
		srv, mux := tasks.NewServer(opt, workers, &tasks.Handler{Processor: pipeline})
		if err := srv.Start(mux); err != nil {
			return fmt.Errorf("failed to start task server, %w", err)
		}

		d.Dispatcher = dispatcher
		shutdownWorkers = func() {
			srv.Shutdown()
			dispatcher.Close()
		}
	} else {
		q := service.NewJobQueue(workers, v.GetInt("processing.queue_size"))
		q.StartWorkerPool()

		d.Dispatcher = service.NewLocalDispatcher(pipeline, q)
		shutdownWorkers = q.Close
	}

	sched, err := scheduler.New(scheduler.Config{
		Schedule:         v.GetString("retention.schedule"),
		ArchiveAfterDays: v.GetInt("retention.archive_after_days"),
	}, retention)
	if err != nil {
		return err
	}
	sched.Start()

	var origins []string
	if raw := v.GetString("host.cors"); raw != "" {
		origins = strings.Split(raw, ",")
	}

	limiter := middleware.NewRateLimiter(middleware.RateLimiterConfig{
		RequestsPerSecond: v.GetInt("security.rate_limit"),
		Burst:             v.GetInt("security.rate_limit") * 2,
	})
	defer limiter.Close()

	srv := &http.Server{
		Addr: fmt.Sprintf(":%d", v.GetInt("host.port")),
		Handler: app.NewRouter(d, app.Options{
			CORSOrigins: origins,
			JWTSecret:   []byte(v.GetString("jwt.secret")),
			RateLimiter: limiter,
		}),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		zap.L().Info("Server starting", zap.String("addr", srv.Addr))

		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return err
		}
	case <-ctx.Done():
	}

	zap.L().Info("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		zap.L().Error("Failed to shut down HTTP server", zap.Error(err))
	}

	sched.Stop()
	shutdownWorkers()

	if rdb != nil {
		rdb.Close()
	}

	return nil
}
