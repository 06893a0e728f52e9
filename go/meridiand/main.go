// meridiand is the integration engine daemon: it opens the message
// store, restores deployed channels, and serves the REST control plane.
package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/jessevdk/go-flags"
	log "github.com/sirupsen/logrus"

	"github.com/meridian-hie/meridian/go/api"
	"github.com/meridian-hie/meridian/go/config"
	"github.com/meridian-hie/meridian/go/engine"
	"github.com/meridian-hie/meridian/go/message"
	"github.com/meridian-hie/meridian/go/script"
	"github.com/meridian-hie/meridian/go/store"

	// Transport registrations.
	_ "github.com/meridian-hie/meridian/go/connector/dicomconn"
	_ "github.com/meridian-hie/meridian/go/connector/file"
	_ "github.com/meridian-hie/meridian/go/connector/httpx"
	_ "github.com/meridian-hie/meridian/go/connector/inproc"
	_ "github.com/meridian-hie/meridian/go/connector/mllp"
)

const heartbeatPeriod = 30 * time.Second

func main() {
	var cfg = new(config.Config)
	var parser = flags.NewParser(cfg, flags.Default)
	if _, err := parser.Parse(); err != nil {
		os.Exit(1)
	}
	config.InitLog(cfg.Log)

	if err := run(cfg); err != nil {
		log.WithField("err", err).Fatal("engine failed")
	}
}

func run(cfg *config.Config) error {
	var ctx, cancel = signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	st, err := store.Open(ctx, cfg.StoreConfig())
	if err != nil {
		return fmt.Errorf("opening message store: %w", err)
	}
	defer st.Close()

	var serverID = uuid.NewString()
	var maps = message.NewMaps()
	if configuration, err := st.LoadConfigurationMap(ctx); err == nil {
		maps.Configuration.Replace(configuration)
	}

	var controller = engine.NewController(st, script.NopEvaluator{}, maps, engine.Options{
		ServerID:   serverID,
		ShadowMode: cfg.Engine.ShadowMode,
	})
	if err = controller.RedeployAll(ctx); err != nil {
		log.WithField("err", err).Warn("not all channels redeployed at startup")
	}

	if cfg.Engine.ClusterEnabled {
		go heartbeat(ctx, st, serverID)
	}

	var server = api.NewServer(controller, cfg.API.WSMaxClients)
	var httpServer = &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.API.Port),
		Handler: server.Handler(),
	}
	ln, err := net.Listen("tcp", httpServer.Addr)
	if err != nil {
		return fmt.Errorf("binding control plane listener: %w", err)
	}
	log.WithFields(log.Fields{
		"port":     cfg.API.Port,
		"serverId": serverID,
		"shadow":   cfg.Engine.ShadowMode,
	}).Info("meridian engine started")

	var serveErr = make(chan error, 1)
	go func() { serveErr <- httpServer.Serve(ln) }()

	select {
	case err = <-serveErr:
		return fmt.Errorf("control plane server: %w", err)
	case <-ctx.Done():
	}

	log.Info("shutting down")
	server.BeginShutdown()
	var drainCtx, drainCancel = context.WithTimeout(context.Background(), time.Minute)
	defer drainCancel()
	httpServer.Shutdown(drainCtx)
	controller.Shutdown(drainCtx)
	return nil
}

// heartbeat keeps this server's row fresh in the shared registry.
func heartbeat(ctx context.Context, st *store.Store, serverID string) {
	var host, _ = os.Hostname()
	var ticker = time.NewTicker(heartbeatPeriod)
	defer ticker.Stop()
	for {
		if err := st.Heartbeat(ctx, serverID, host); err != nil {
			log.WithField("err", err).Warn("server heartbeat failed")
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
