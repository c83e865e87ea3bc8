// Command orchestrator runs the agentmesh hub: three duplex endpoints for
// agents, clients and tool services, a message router over in-memory
// registries, and the MCP tool server adapter.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/agentmesh/agentmesh/internal/common/config"
	"github.com/agentmesh/agentmesh/internal/common/logger"
	"github.com/agentmesh/agentmesh/internal/endpoint"
	"github.com/agentmesh/agentmesh/internal/events/bus"
	"github.com/agentmesh/agentmesh/internal/mcp"
	"github.com/agentmesh/agentmesh/internal/pending"
	"github.com/agentmesh/agentmesh/internal/registry"
	"github.com/agentmesh/agentmesh/internal/router"
	"github.com/agentmesh/agentmesh/internal/task"
)

func main() {
	configPath := flag.String("config", "", "directory containing config.yaml")
	agentPort := flag.Int("agent-port", 0, "override the agent endpoint port")
	clientPort := flag.Int("client-port", 0, "override the client endpoint port")
	servicePort := flag.Int("service-port", 0, "override the service endpoint port")
	logLevel := flag.String("log-level", "", "override the log level")
	flag.Parse()

	cfg, err := config.LoadWithPath(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	if *agentPort != 0 {
		cfg.Endpoints.AgentPort = *agentPort
	}
	if *clientPort != 0 {
		cfg.Endpoints.ClientPort = *clientPort
	}
	if *servicePort != 0 {
		cfg.Endpoints.ServicePort = *servicePort
	}
	if *logLevel != "" {
		cfg.Logging.Level = *logLevel
	}

	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()
	logger.SetDefault(log)

	if err := run(cfg, log); err != nil {
		log.Error("orchestrator exited with error", zap.Error(err))
		os.Exit(1)
	}
}

func run(cfg *config.Config, log *logger.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	eventBus, err := newEventBus(cfg, log)
	if err != nil {
		return fmt.Errorf("event bus: %w", err)
	}
	defer eventBus.Close()

	// Audit trail: every lifecycle event lands in the log regardless of
	// which bus implementation is active.
	if _, err := eventBus.Subscribe(">", func(ctx context.Context, ev *bus.Event) error {
		log.Debug("event", zap.String("subject", ev.Type), zap.Any("data", ev.Data))
		return nil
	}); err != nil {
		log.Warn("event audit subscription failed", zap.Error(err))
	}

	agents := registry.NewAgentRegistry(cfg.Agents, log)
	clients := registry.NewClientRegistry(log)
	services := registry.NewServiceRegistry(cfg.Services, log)
	agentTasks := task.NewAgentTaskRegistry(log)
	serviceTasks := task.NewServiceTaskRegistry(log)
	responses := pending.NewTable(log)
	adapter := mcp.NewAdapter(cfg.MCP.Servers, log)

	rt := router.New(router.Options{
		Agents:          agents,
		Clients:         clients,
		Services:        services,
		AgentTasks:      agentTasks,
		ServiceTasks:    serviceTasks,
		Responses:       responses,
		MCP:             adapter,
		Bus:             eventBus,
		ResponseTimeout: time.Duration(cfg.Timeouts.Response) * time.Second,
	}, log)

	host := cfg.Endpoints.Host
	agentEP := endpoint.New(endpoint.ClassAgent, host, cfg.Endpoints.AgentPort, rt, log)
	clientEP := endpoint.New(endpoint.ClassClient, host, cfg.Endpoints.ClientPort, rt, log)
	serviceEP := endpoint.New(endpoint.ClassService, host, cfg.Endpoints.ServicePort, rt, log)
	rt.SetEndpoints(agentEP, clientEP, serviceEP)

	adapter.ConnectConfigured(ctx)

	log.Info("orchestrator starting",
		zap.Int("agent_port", cfg.Endpoints.AgentPort),
		zap.Int("client_port", cfg.Endpoints.ClientPort),
		zap.Int("service_port", cfg.Endpoints.ServicePort))

	g, runCtx := errgroup.WithContext(ctx)
	g.Go(func() error { return agentEP.Start(runCtx) })
	g.Go(func() error { return clientEP.Start(runCtx) })
	g.Go(func() error { return serviceEP.Start(runCtx) })
	g.Go(func() error {
		<-runCtx.Done()
		shutdown(cfg, log, responses, adapter, agentEP, clientEP, serviceEP)
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}
	log.Info("orchestrator stopped")
	return nil
}

// shutdown drains the hub in dependency order: stop new work, fail waiters,
// terminate MCP subprocesses, then close the listeners.
func shutdown(cfg *config.Config, log *logger.Logger, responses *pending.Table, adapter *mcp.Adapter, endpoints ...*endpoint.Endpoint) {
	log.Info("shutting down")
	timeout := time.Duration(cfg.Timeouts.Shutdown) * time.Second
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	responses.Shutdown()
	adapter.Shutdown()
	for _, ep := range endpoints {
		if err := ep.Stop(ctx); err != nil {
			log.Warn("endpoint stop", zap.Error(err))
		}
	}
}

func newEventBus(cfg *config.Config, log *logger.Logger) (bus.EventBus, error) {
	if cfg.NATS.URL == "" {
		log.Info("using in-memory event bus")
		return bus.NewMemoryEventBus(log), nil
	}
	log.Info("connecting to NATS", zap.String("url", cfg.NATS.URL))
	return bus.NewNATSEventBus(cfg.NATS, log)
}
