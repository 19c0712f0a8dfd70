package main

import (
	"context"
	"time"

	"github.com/pitabwire/frame"
	frameconfig "github.com/pitabwire/frame/config"
	"github.com/pitabwire/util"

	"github.com/taskhive/service-realtime/config"
	"github.com/taskhive/service-realtime/internal/health"
	"github.com/taskhive/service-realtime/internal/tokens"
	"github.com/taskhive/service-realtime/service/business"
	"github.com/taskhive/service-realtime/service/clients"
	"github.com/taskhive/service-realtime/service/events"
	"github.com/taskhive/service-realtime/service/handlers"
	"github.com/taskhive/service-realtime/service/queues"
)

const gracefulShutdownTimeout = 30 * time.Second

func main() {
	ctx := context.Background()

	cfg, err := frameconfig.LoadWithOIDC[config.RealtimeConfig](ctx)
	if err != nil {
		util.Log(ctx).With("err", err).Error("could not process configs")
		return
	}

	// Fail fast on invalid configuration.
	if err = cfg.Validate(); err != nil {
		util.Log(ctx).With("err", err).Error("invalid configuration")
		return
	}

	if cfg.Name() == "" {
		cfg.ServiceName = "service_realtime"
	}

	ctx, svc := frame.NewServiceWithContext(ctx, frame.WithConfig(&cfg))
	defer svc.Stop(ctx)
	log := svc.Log(ctx)

	verifier := tokens.NewVerifier(cfg.TokenSigningSecret)
	directory := clients.NewDirectoryClient(ctx, cfg.DirectoryServiceURI)
	activityResolver := clients.NewActivityClient(ctx, cfg.ActivityServiceURI)

	presence := business.NewPresenceRegistry()
	subscriptions := business.NewSubscriptionManager(directory)
	activityGateway := business.NewActivityQueryGateway(activityResolver, cfg.ActivityFeedMaxLimit)

	connectionManager := business.NewConnectionManager(
		ctx,
		presence,
		subscriptions,
		activityGateway,
		cfg.MaxConnectionsPerUser,
		cfg.ConnectionTimeoutSec,
		cfg.HeartbeatIntervalSec,
		cfg.MaxCommandsPerSecond,
	)
	// Defers run LIFO: connections drain before svc.Stop tears the rest down.
	defer func() {
		drainCtx, drainCancel := context.WithTimeout(context.Background(), gracefulShutdownTimeout)
		defer drainCancel()
		connectionManager.DrainConnections(drainCtx)
		if shutdownErr := connectionManager.Shutdown(drainCtx); shutdownErr != nil {
			util.Log(drainCtx).WithError(shutdownErr).Error("connection manager shutdown error")
		}
	}()

	dispatcher := events.NewDispatcher(subscriptions, connectionManager)

	domainEventsSubscriber := frame.WithRegisterSubscriber(
		cfg.QueueDomainEventsName, cfg.QueueDomainEventsURI,
		queues.NewDomainEventsQueueHandler(dispatcher),
	)

	gatewayHandler := handlers.NewGatewayHandler(verifier, connectionManager)
	router := handlers.NewRouter(gatewayHandler, setupHealth(&cfg, connectionManager))

	svc.Init(ctx, domainEventsSubscriber, frame.WithHTTPHandler(router))

	err = svc.Run(ctx, "")
	if err != nil {
		log.WithError(err).Fatal("could not run server")
	}
}

// setupHealth wires the readiness probe. The connection capacity mirrors the
// pool sizing inside the connection manager.
func setupHealth(cfg *config.RealtimeConfig, cm business.ConnectionManager) *health.Handler {
	const (
		expectedUsers   = 1000
		minCapacity     = 10000
		degradeFraction = 0.8
	)

	capacity := int64(cfg.MaxConnectionsPerUser) * expectedUsers
	if capacity < minCapacity {
		capacity = minCapacity
	}

	h := health.NewHandler()
	h.AddChecker(health.NewUtilizationChecker("connections", func() (int64, int64) {
		return int64(cm.ActiveConnections()), capacity
	}, degradeFraction))
	return h
}
