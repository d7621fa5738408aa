package cmd

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/Ashfaaq98/ta-cortex/internal/bus"
	"github.com/Ashfaaq98/ta-cortex/internal/cache"
	"github.com/Ashfaaq98/ta-cortex/internal/ingest"
	"github.com/Ashfaaq98/ta-cortex/internal/session"
	"github.com/Ashfaaq98/ta-cortex/internal/store"
)

var (
	serveNoHTTP       bool
	serveBind         string
	serveToken        string
	serveJWTSecret    string
	serveRPS          int
	serveBurst        int
	serveStream       bool
	serveGroup        string
	serveConsumer     string
	serveRefreshEvery time.Duration
	serveRefreshLimit int
	serveMetricsEvery time.Duration
	serveJobsMaxLen   int64
)

// serveCmd runs the long-lived front ends
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Accept indicators over HTTP and Redis Streams",
	Long: `Start the ta-cortex services:

1. HTTP receiver: POST /api/v1/jobs with one request or an array
2. Stream consumer for the "observables" Redis stream (--stream)
3. Status refresher polling Cortex for unfinished stored jobs
4. Periodic bus and cache statistics, trimming the cortex_jobs stream

The serve command runs until interrupted (Ctrl+C).

Examples:
  # HTTP receiver on the default address with a static token
  ta-cortex serve --token s3cret

  # Accept HS256 JWTs and consume the observables stream
  ta-cortex serve --jwt-secret k3y --stream --redis redis://localhost:6379

  # Stream consumer only
  ta-cortex serve --no-http --stream --redis redis://localhost:6379`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().BoolVar(&serveNoHTTP, "no-http", false, "Do not start the HTTP receiver")
	serveCmd.Flags().StringVar(&serveBind, "bind", "127.0.0.1:8081", "Bind address for the HTTP receiver")
	serveCmd.Flags().StringVar(&serveToken, "token", "", "Bearer token required by the HTTP receiver (optional)")
	serveCmd.Flags().StringVar(&serveJWTSecret, "jwt-secret", "", "Also accept HS256 bearer JWTs signed with this secret")
	serveCmd.Flags().IntVar(&serveRPS, "rps", 10, "Max HTTP requests per second (0 disables the limit)")
	serveCmd.Flags().IntVar(&serveBurst, "burst", 20, "Burst size for the HTTP rate limiter")
	serveCmd.Flags().BoolVar(&serveStream, "stream", false, "Consume the observables Redis stream")
	serveCmd.Flags().StringVar(&serveGroup, "group", "ta-cortex", "Consumer group for the observables stream")
	serveCmd.Flags().StringVar(&serveConsumer, "consumer", "ta-cortex-1", "Consumer name within the group")
	serveCmd.Flags().DurationVar(&serveRefreshEvery, "refresh-interval", 30*time.Second, "How often unfinished jobs are polled (0 disables)")
	serveCmd.Flags().IntVar(&serveRefreshLimit, "refresh-limit", 100, "Max jobs per status polled on each refresh")
	serveCmd.Flags().DurationVar(&serveMetricsEvery, "metrics-interval", 5*time.Minute, "How often statistics are logged (0 disables)")
	serveCmd.Flags().Int64Var(&serveJobsMaxLen, "jobs-max-len", 10000, "Trim the cortex_jobs stream to about this many entries on each metrics tick (0 keeps all)")

	viper.BindPFlag("serve.bind", serveCmd.Flags().Lookup("bind"))
	viper.BindPFlag("serve.token", serveCmd.Flags().Lookup("token"))
	viper.BindPFlag("serve.jwt_secret", serveCmd.Flags().Lookup("jwt-secret"))
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	if serveNoHTTP && !serveStream {
		return fmt.Errorf("nothing to serve: --no-http requires --stream")
	}
	if serveStream && GetConfig().Redis.URL == "" {
		return fmt.Errorf("--stream requires --redis")
	}

	rt, err := openRuntime(ctx, openOptions{component: "serve", source: "serve", needSession: true})
	if err != nil {
		return err
	}
	defer rt.Close()

	rt.logger.Println("Starting ta-cortex services")

	sub := ingest.SessionSubmitter{Session: rt.session}
	svcCtx, svcCancel := context.WithCancel(ctx)
	defer svcCancel()

	if !serveNoHTTP {
		receiver := ingest.NewReceiver(sub, ingest.ReceiverOptions{
			Bind:      viper.GetString("serve.bind"),
			Token:     viper.GetString("serve.token"),
			JWTSecret: viper.GetString("serve.jwt_secret"),
			RPS:       serveRPS,
			Burst:     serveBurst,
			Logger:    log.New(rt.logger.Writer(), "[http-ingest] ", log.LstdFlags),
			Debug:     rt.debug,
		})
		if err := receiver.Start(svcCtx); err != nil {
			return fmt.Errorf("failed to start HTTP receiver: %w", err)
		}
	}

	coordinator := &ServiceCoordinator{
		session:      rt.session,
		store:        rt.store,
		bus:          rt.bus,
		cache:        rt.cache,
		logger:       rt.logger,
		ctx:          svcCtx,
		refreshEvery: serveRefreshEvery,
		refreshLimit: serveRefreshLimit,
		metricsEvery: serveMetricsEvery,
		jobsMaxLen:   serveJobsMaxLen,
	}
	if serveStream {
		coordinator.consumer = ingest.NewStreamConsumer(rt.bus, sub, serveGroup, serveConsumer,
			log.New(rt.logger.Writer(), "[ingest-stream] ", log.LstdFlags), rt.debug)
	}
	if err := coordinator.Start(); err != nil {
		return fmt.Errorf("failed to start services: %w", err)
	}

	<-ctx.Done()
	rt.logger.Println("Received shutdown signal")
	svcCancel()
	coordinator.Stop()

	rt.logger.Println("ta-cortex services stopped")
	return nil
}

// ServiceCoordinator manages background services
type ServiceCoordinator struct {
	session  *session.Session
	store    *store.Store
	bus      bus.Bus
	cache    *cache.Manager
	consumer *ingest.StreamConsumer
	logger   *log.Logger
	ctx      context.Context

	refreshEvery time.Duration
	refreshLimit int
	metricsEvery time.Duration
	jobsMaxLen   int64

	// Service state
	wg      sync.WaitGroup
	running bool
}

// Start starts all background services
func (sc *ServiceCoordinator) Start() error {
	if sc.running {
		return fmt.Errorf("services already running")
	}
	sc.running = true

	if sc.consumer != nil {
		sc.wg.Add(1)
		go sc.runStreamConsumer()
	}
	if sc.refreshEvery > 0 {
		sc.wg.Add(1)
		go sc.runStatusRefresher()
	}
	if sc.metricsEvery > 0 {
		sc.wg.Add(1)
		go sc.runMetricsCollector()
	}

	sc.logger.Println("Background services started")
	return nil
}

// Stop waits for the background services. Cancel their context first.
func (sc *ServiceCoordinator) Stop() {
	if !sc.running {
		return
	}
	sc.logger.Println("Stopping background services...")
	sc.running = false
	sc.wg.Wait()
	sc.logger.Println("Background services stopped")
}

// runStreamConsumer submits observables from the stream, restarting the
// reader after errors.
func (sc *ServiceCoordinator) runStreamConsumer() {
	defer sc.wg.Done()

	sc.logger.Println("Starting stream consumer")
	for {
		err := sc.consumer.Run(sc.ctx)
		if sc.ctx.Err() != nil {
			sc.logger.Println("Stream consumer stopping")
			return
		}
		if err != nil && !errors.Is(err, context.Canceled) {
			sc.logger.Printf("Error reading observables stream: %v", err)
		}
		select {
		case <-sc.ctx.Done():
			return
		case <-time.After(5 * time.Second):
		}
	}
}

// runStatusRefresher polls Cortex for jobs that have not finished yet.
func (sc *ServiceCoordinator) runStatusRefresher() {
	defer sc.wg.Done()

	sc.logger.Println("Starting status refresher")
	ticker := time.NewTicker(sc.refreshEvery)
	defer ticker.Stop()

	for {
		select {
		case <-sc.ctx.Done():
			sc.logger.Println("Status refresher stopping")
			return
		case <-ticker.C:
			n, err := sc.session.Refresh(sc.ctx, sc.store, sc.refreshLimit)
			if err != nil {
				if sc.ctx.Err() == nil {
					sc.logger.Printf("Status refresh failed: %v", err)
				}
				continue
			}
			if n > 0 {
				sc.logger.Printf("Refreshed %d job status(es)", n)
			}
		}
	}
}

// runMetricsCollector logs bus and cache statistics and trims the jobs stream
func (sc *ServiceCoordinator) runMetricsCollector() {
	defer sc.wg.Done()

	ticker := time.NewTicker(sc.metricsEvery)
	defer ticker.Stop()

	for {
		select {
		case <-sc.ctx.Done():
			return
		case <-ticker.C:
			sc.collectMetrics()
		}
	}
}

func (sc *ServiceCoordinator) collectMetrics() {
	if sc.bus != nil {
		if err := sc.bus.HealthCheck(sc.ctx); err != nil {
			sc.logger.Printf("Bus health check failed: %v", err)
		} else if stats, err := sc.bus.GetStats(sc.ctx); err == nil {
			sc.logger.Printf("Bus stats: %v", stats)
		}
		if sc.jobsMaxLen > 0 {
			if err := sc.bus.CleanupOldMessages(sc.ctx, bus.JobsStream, sc.jobsMaxLen); err != nil {
				sc.logger.Printf("Failed to trim %s: %v", bus.JobsStream, err)
			}
		}
	}
	if sc.cache != nil {
		hits, misses, ratio := sc.cache.Stats()
		sc.logger.Printf("Analyzer cache: hits=%d misses=%d ratio=%.2f", hits, misses, ratio)
	}
	if sc.store != nil {
		if total, err := sc.store.CountJobs(sc.ctx, store.JobFilter{}); err == nil {
			sc.logger.Printf("Stored jobs: %d", total)
		}
	}
}
