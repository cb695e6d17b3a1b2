// FlowCatalyst Message Router
//
// Standalone message router binary for production deployments.
// Consumes messages from queue (NATS/SQS) and delivers via HTTP mediation.

package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"go.flowcatalyst.tech/internal/common/health"
	"go.flowcatalyst.tech/internal/common/lifecycle"
	commonmetrics "go.flowcatalyst.tech/internal/common/metrics"
	"go.flowcatalyst.tech/internal/config"
	"go.flowcatalyst.tech/internal/queue"
	natsqueue "go.flowcatalyst.tech/internal/queue/nats"
	sqsqueue "go.flowcatalyst.tech/internal/queue/sqs"
	"go.flowcatalyst.tech/internal/router/api"
	routerhealth "go.flowcatalyst.tech/internal/router/health"
	"go.flowcatalyst.tech/internal/router/manager"
	"go.flowcatalyst.tech/internal/router/mediator"
	routermetrics "go.flowcatalyst.tech/internal/router/metrics"
	"go.flowcatalyst.tech/internal/router/warning"
)

var (
	version   = "dev"
	buildTime = "unknown"
)

func main() {
	// Configure logging
	setupLogging()

	slog.Info("Starting FlowCatalyst Message Router",
		"version", version,
		"build_time", buildTime,
		"component", "router")

	ctx := context.Background()

	// ========================================
	// 1. INFRASTRUCTURE INITIALIZATION
	// ========================================
	app, cleanup, err := lifecycle.Initialize(ctx, lifecycle.AppOptions{})
	if err != nil {
		slog.Error("Failed to initialize", "error", err)
		os.Exit(1)
	}
	defer cleanup()

	// ========================================
	// 2. QUEUE SETUP
	// ========================================
	queueConsumer, queueHealthCheck, err := setupQueue(ctx, app)
	if err != nil {
		slog.Error("Failed to setup queue", "error", err)
		os.Exit(1)
	}

	// ========================================
	// 3. COMPONENT WIRING
	// ========================================
	// Create components by passing ready infrastructure

	// Health checker
	healthChecker := health.NewChecker()
	healthChecker.AddReadinessCheck(queueHealthCheck)

	// Message router
	mediatorCfg := mediator.DefaultConfig()
	mediatorCfg.Timeout = time.Duration(app.Config.Mediator.TimeoutSeconds) * time.Second
	mediatorCfg.MaxRetries = app.Config.Mediator.MaxRetries
	messageRouter := manager.NewRouter(queueConsumer, mediatorCfg)
	routerService := manager.NewRouterService(messageRouter)

	// Static pool configuration, reconciled once at startup.
	if len(app.Config.Pools) > 0 {
		messageRouter.Manager().ConfigurePools(toPoolConfigs(app.Config.Pools))
	}

	// Warning service
	warningService := warning.NewInMemoryService()
	warningHandler := warning.NewHandler(warningService)
	messageRouter.Manager().WithWarningService(warningService)

	// Monitoring: infrastructure/broker health and queue-source throughput
	// rolled up for the JSON monitoring API, plus the router-level health
	// probes built on the same services.
	monitoringHandler, infraHealthHandler, probeHandler := setupMonitoringHandler(app.Config, messageRouter, warningService, queueHealthCheck)

	// HTTP Router
	httpRouter := setupHTTPRouter(app.Config.HTTP.CORSOrigins, healthChecker, warningHandler, monitoringHandler, infraHealthHandler, probeHandler)

	// HTTP Server
	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", app.Config.HTTP.Port),
		Handler:      httpRouter,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// ========================================
	// 4. SERVICE STARTUP
	// ========================================
	// Build the service list based on configuration
	var services []lifecycle.Service

	// HTTP service (always runs)
	httpService := lifecycle.NewHTTPService("http-server", httpServer)
	services = append(services, httpService)
	services = append(services, routerService)

	slog.Info("Router ready",
		"port", app.Config.HTTP.Port,
		"queueType", app.Config.Queue.Type)

	// ========================================
	// 5. RUN UNTIL SHUTDOWN
	// ========================================
	if err := lifecycle.Run(ctx, services...); err != nil {
		slog.Error("Service error", "error", err)
		os.Exit(1)
	}

	slog.Info("FlowCatalyst Message Router stopped")
}

// setupLogging configures the slog default logger.
func setupLogging() {
	logLevel := slog.LevelInfo
	if os.Getenv("FLOWCATALYST_DEV") == "true" {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel})))
}

// setupQueue initializes the queue consumer based on configuration.
// Returns the consumer, a health check function, and any error.
func setupQueue(ctx context.Context, app *lifecycle.App) (queue.Consumer, health.CheckFunc, error) {
	cfg := app.Config

	switch cfg.Queue.Type {
	case "embedded", "":
		return setupEmbeddedQueue(ctx, app)
	case "nats":
		return setupNATSQueue(ctx, app)
	case "sqs":
		return setupSQSQueue(ctx, app)
	default:
		return nil, nil, fmt.Errorf("unknown queue type: %s (use 'embedded', 'nats' or 'sqs')", cfg.Queue.Type)
	}
}

func setupEmbeddedQueue(ctx context.Context, app *lifecycle.App) (queue.Consumer, health.CheckFunc, error) {
	cfg := app.Config

	slog.Info("Starting embedded NATS server")

	natsCfg := natsqueue.DefaultEmbeddedConfig()
	natsCfg.DataDir = cfg.Queue.NATS.DataDir
	if cfg.DataDir != "" {
		natsCfg.DataDir = cfg.DataDir + "/nats"
	}

	embeddedNATS, err := natsqueue.NewEmbeddedServer(natsCfg)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to start embedded NATS server: %w", err)
	}

	// Register cleanup
	app.AddCleanup(func() error {
		slog.Info("Shutting down embedded NATS server")
		return embeddedNATS.Close()
	})

	consumer, err := embeddedNATS.CreateConsumer(ctx, "router-consumer", "dispatch.>", nil)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create NATS consumer: %w", err)
	}

	healthCheck := health.NATSCheck(func() bool {
		return embeddedNATS.Connection().IsConnected()
	})

	slog.Info("Embedded NATS server started")
	return consumer, healthCheck, nil
}

func setupNATSQueue(ctx context.Context, app *lifecycle.App) (queue.Consumer, health.CheckFunc, error) {
	cfg := app.Config

	slog.Info("Connecting to NATS server", "url", cfg.Queue.NATS.URL)

	natsClient, err := natsqueue.NewClient(&queue.NATSConfig{
		URL:        cfg.Queue.NATS.URL,
		StreamName: "DISPATCH",
	})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	// Register cleanup
	app.AddCleanup(func() error {
		slog.Info("Disconnecting from NATS")
		return natsClient.Close()
	})

	consumer, err := natsClient.CreateConsumer(ctx, "router-consumer", "dispatch.>")
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create NATS consumer: %w", err)
	}

	healthCheck := health.NATSCheck(func() bool {
		return true // NATS client doesn't expose connection state easily
	})

	slog.Info("Connected to NATS server")
	return consumer, healthCheck, nil
}

func setupSQSQueue(ctx context.Context, app *lifecycle.App) (queue.Consumer, health.CheckFunc, error) {
	cfg := app.Config

	slog.Info("Connecting to AWS SQS",
		"region", cfg.Queue.SQS.Region,
		"queueURL", cfg.Queue.SQS.QueueURL)

	sqsCfg := &queue.SQSConfig{
		QueueURL:            cfg.Queue.SQS.QueueURL,
		Region:              cfg.Queue.SQS.Region,
		WaitTimeSeconds:     int32(cfg.Queue.SQS.WaitTimeSeconds),
		VisibilityTimeout:   int32(cfg.Queue.SQS.VisibilityTimeout),
		MaxNumberOfMessages: 10,
	}

	sqsClient, err := sqsqueue.NewClient(ctx, sqsCfg)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create SQS client: %w", err)
	}

	// Register cleanup
	app.AddCleanup(func() error {
		slog.Info("Disconnecting from SQS")
		return sqsClient.Close()
	})

	consumer, err := sqsClient.CreateConsumer(ctx, "router-consumer", "")
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create SQS consumer: %w", err)
	}

	healthCheck := health.SQSCheck(func() error {
		checkCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return sqsClient.HealthCheck(checkCtx)
	})

	slog.Info("Connected to AWS SQS")
	return consumer, healthCheck, nil
}

// setupMonitoringHandler wires the infrastructure/broker health rollup, the
// process-pool metrics collected off the manager, and the router's
// per-subject queue metrics into a MonitoringHandler for the JSON
// monitoring API.
func setupMonitoringHandler(cfg *config.Config, router *manager.Router, warningService *warning.InMemoryService, queueHealthCheck health.CheckFunc) (*api.MonitoringHandler, *api.HealthCheckHandler, *api.KubernetesHealthHandler) {
	qm := router.Manager()

	sourceType := queue.QueueType(cfg.Queue.Type)
	if sourceType == "" {
		sourceType = queue.QueueTypeEmbedded
	}

	brokerHealth := routerhealth.NewBrokerHealthService(true, sourceType, &brokerCheckerAdapter{check: queueHealthCheck})
	infraHealth := routerhealth.NewInfrastructureHealthService(true, qm)
	infraHealth.SetQueueManagerStatus(true)

	queueStats := &queueStatsAdapter{service: router.QueueMetrics()}

	healthStatus := routerhealth.NewHealthStatusService(infraHealth, brokerHealth, qm)
	healthStatus.SetWarningGetter(&warningGetterAdapter{service: warningService})
	healthStatus.SetQueueStatsGetter(queueStats)

	handler := api.NewMonitoringHandler(healthStatus, qm)
	handler.SetQueueMetrics(queueStats)
	handler.SetWarningService(&warningGetterAdapter{service: warningService}, warningService)

	return handler,
		api.NewHealthCheckHandler(infraHealth),
		api.NewKubernetesHealthHandler(infraHealth, brokerHealth)
}

// toPoolConfigs translates the config package's PoolSpec entries into the
// manager.PoolConfig the process pool manager reconciles against at
// startup, keeping internal/config free of a dependency on internal/router.
func toPoolConfigs(specs []config.PoolSpec) []manager.PoolConfig {
	out := make([]manager.PoolConfig, len(specs))
	for i, s := range specs {
		out[i] = manager.PoolConfig{
			Code:               s.Code,
			Concurrency:        s.Concurrency,
			QueueCapacity:      s.QueueCapacity,
			RateLimitPerMinute: s.RateLimitPerMinute,
		}
	}
	return out
}

// brokerCheckerAdapter adapts the queue setup's common/health.CheckFunc into
// the router/health.SourceConnectivityChecker the broker health service
// expects.
type brokerCheckerAdapter struct {
	check health.CheckFunc
}

func (a *brokerCheckerAdapter) CheckConnectivity(ctx context.Context) error {
	result := a.check()
	if result.Status != health.StatusUp {
		return fmt.Errorf("%s broker check reported status %s", result.Name, result.Status)
	}
	return nil
}

func (a *brokerCheckerAdapter) CheckQueueAccessible(ctx context.Context, queueName string) error {
	return a.CheckConnectivity(ctx)
}

// queueStatsAdapter converts router/metrics queue stats into the
// router/health shapes HealthStatusService and the monitoring API consume.
// The two packages keep distinct QueueStats structs: the metrics one carries
// rolling-window fields the health surface doesn't expose.
type queueStatsAdapter struct {
	service routermetrics.QueueMetricsService
}

func (a *queueStatsAdapter) GetAllQueueStats() map[string]*routerhealth.QueueStats {
	src := a.service.GetAllQueueStats()
	out := make(map[string]*routerhealth.QueueStats, len(src))
	for name, s := range src {
		out[name] = &routerhealth.QueueStats{
			Name:               s.Name,
			TotalMessages:      s.TotalMessages,
			TotalConsumed:      s.TotalConsumed,
			TotalFailed:        s.TotalFailed,
			SuccessRate:        s.SuccessRate,
			CurrentSize:        s.CurrentSize,
			Throughput:         s.Throughput,
			PendingMessages:    s.PendingMessages,
			MessagesNotVisible: s.MessagesNotVisible,
		}
	}
	return out
}

func (a *queueStatsAdapter) GetTotalQueueDepth() int64 {
	return a.service.GetTotalQueueDepth()
}

func (a *queueStatsAdapter) GetThroughput() float64 {
	return a.service.GetThroughput()
}

// warningGetterAdapter adapts warning.InMemoryService's value-typed warnings
// into the pointer-typed slices router/health.WarningGetter expects.
type warningGetterAdapter struct {
	service *warning.InMemoryService
}

func (a *warningGetterAdapter) GetAllWarnings() []*routerhealth.Warning {
	return convertWarnings(a.service.GetAllWarnings())
}

func (a *warningGetterAdapter) GetUnacknowledgedWarnings() []*routerhealth.Warning {
	return convertWarnings(a.service.GetUnacknowledgedWarnings())
}

func convertWarnings(in []warning.Warning) []*routerhealth.Warning {
	out := make([]*routerhealth.Warning, len(in))
	for i, w := range in {
		out[i] = &routerhealth.Warning{
			ID:           w.ID,
			Category:     w.Category,
			Severity:     w.Severity,
			Message:      w.Message,
			Source:       w.Source,
			Timestamp:    w.Timestamp,
			Acknowledged: w.Acknowledged,
		}
	}
	return out
}

// httpMetricsMiddleware records request count, latency, and in-flight
// connections for the API surface.
func httpMetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		commonmetrics.HTTPActiveConnections.Inc()
		defer commonmetrics.HTTPActiveConnections.Dec()

		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		commonmetrics.HTTPRequestsTotal.WithLabelValues(r.Method, r.URL.Path, strconv.Itoa(ww.Status())).Inc()
		commonmetrics.HTTPRequestDuration.WithLabelValues(r.Method, r.URL.Path).Observe(time.Since(start).Seconds())
	})
}

// setupHTTPRouter creates the HTTP router with health/metrics endpoints.
func setupHTTPRouter(corsOrigins []string, healthChecker *health.Checker, warningHandler *warning.Handler, monitoringHandler *api.MonitoringHandler, infraHealthHandler *api.HealthCheckHandler, probeHandler *api.KubernetesHealthHandler) http.Handler {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(httpMetricsMiddleware)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: corsOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
		MaxAge:         300,
	}))

	// Process-level health endpoints (config loaded, queue connected)
	r.Get("/q/health", healthChecker.HandleHealth)
	r.Get("/q/health/live", healthChecker.HandleLive)
	r.Get("/q/health/ready", healthChecker.HandleReady)

	// Router-level health: pool stall detection plus broker connectivity
	r.Get("/health", infraHealthHandler.ServeHTTP)
	r.Get("/health/live", probeHandler.Liveness)
	r.Get("/health/ready", probeHandler.Readiness)
	r.Get("/health/startup", probeHandler.Startup)

	// Prometheus metrics
	r.Handle("/metrics", promhttp.Handler())
	r.Handle("/q/metrics", promhttp.Handler())

	// Warning endpoints
	warningHandler.RegisterRoutes(r)

	// Monitoring endpoints (health rollup, pool stats, queue stats, warnings).
	monitoringMux := http.NewServeMux()
	monitoringHandler.RegisterRoutes(monitoringMux)
	r.Handle("/monitoring/*", monitoringMux)

	return r
}
