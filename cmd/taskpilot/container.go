package main

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"taskpilot/internal/app/approval"
	"taskpilot/internal/app/controller"
	"taskpilot/internal/app/registry"
	"taskpilot/internal/app/stream"
	"taskpilot/internal/infra/httpclient"
	"taskpilot/internal/infra/observability"
	"taskpilot/internal/infra/taskapi"
	"taskpilot/internal/shared/config"
	"taskpilot/internal/shared/logging"
)

// Container holds the wired client components for one command invocation.
type Container struct {
	Config     config.RuntimeConfig
	Meta       config.Metadata
	API        *taskapi.Client
	Store      *registry.Store
	Controller *controller.Controller
	Gateway    *approval.Gateway
	Metrics    *observability.Metrics
	Children   chan controller.ChildTask

	metricsServer *http.Server
	shutdownTrace observability.ShutdownFunc
	logger        logging.Logger
}

func buildContainer(cfg config.RuntimeConfig, meta config.Metadata) (*Container, error) {
	logger := logging.NewComponentLogger("CLI")
	metrics := observability.DefaultMetrics()

	shutdownTrace, err := observability.SetupTracing(context.Background(), observability.TracingConfig{
		Exporter:       cfg.TraceExporter,
		Endpoint:       cfg.TraceEndpoint,
		ServiceName:    "taskpilot",
		ServiceVersion: version,
	})
	if err != nil {
		return nil, err
	}
	meter, err := observability.DefaultTaskMeter()
	if err != nil {
		logger.Warn("task meter unavailable: %v", err)
	}

	api, err := taskapi.New(cfg.BaseURL,
		taskapi.Credentials{SessionToken: cfg.SessionToken, UserID: cfg.UserID},
		taskapi.WithHTTPClient(httpclient.New(cfg.RequestTimeout, logging.NewComponentLogger("HTTP"), httpclient.WithBreaker("taskapi"))),
		taskapi.WithStreamClient(httpclient.NewStreaming(logging.NewComponentLogger("HTTP"))),
		taskapi.WithLogger(logging.NewComponentLogger("TaskAPI")),
		taskapi.WithMetrics(metrics),
		taskapi.WithHistoryCacheSize(cfg.HistoryCacheSize),
	)
	if err != nil {
		_ = shutdownTrace(context.Background())
		return nil, err
	}

	subscriber := stream.NewSubscriber(api,
		stream.WithLogger(logging.NewComponentLogger("Subscription")),
		stream.WithMetrics(metrics),
		stream.WithOpenRetries(cfg.StreamOpenRetries),
		stream.WithMaxLineBytes(cfg.MaxEventBytes),
	)

	children := make(chan controller.ChildTask, 64)
	store := registry.NewStore()
	ctrl := controller.New(api, subscriber, store,
		controller.WithLogger(logging.NewComponentLogger("TaskController")),
		controller.WithMetrics(metrics),
		controller.WithTaskMeter(meter),
		controller.WithNotifier(controller.NotifierFunc(func(child controller.ChildTask) {
			select {
			case children <- child:
			default:
			}
		})),
	)

	c := &Container{
		Config:     cfg,
		Meta:       meta,
		API:        api,
		Store:      store,
		Controller: ctrl,
		Gateway:    approval.NewGateway(api, logging.NewComponentLogger("ApprovalGateway")),
		Metrics:    metrics,
		Children:   children,

		shutdownTrace: shutdownTrace,
		logger:        logger,
	}
	if cfg.MetricsAddr != "" {
		c.serveMetrics(cfg.MetricsAddr)
	}
	return c, nil
}

func (c *Container) serveMetrics(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", observability.Handler(prometheus.DefaultGatherer))
	c.metricsServer = &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := c.metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			c.logger.Warn("metrics server on %s stopped: %v", addr, err)
		}
	}()
	c.logger.Info("serving metrics on %s/metrics", addr)
}

// Cleanup stops subscriptions, flushes spans and stops the metrics endpoint.
func (c *Container) Cleanup() error {
	err := c.Controller.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if c.shutdownTrace != nil {
		err = errors.Join(err, c.shutdownTrace(ctx))
	}
	if c.metricsServer != nil {
		err = errors.Join(err, c.metricsServer.Shutdown(ctx))
	}
	return err
}
