// Command swarm-server accepts client WebSockets and joins them to the mesh.
// Settings come from SWARM_* environment variables, see package config.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jpillora/requestlog"
	"go.uber.org/zap"

	"swarm-rpc/config"
	"swarm-rpc/logging"
	"swarm-rpc/registry"
	"swarm-rpc/router"
	"swarm-rpc/server"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		os.Stderr.WriteString(err.Error() + "\n")
		os.Exit(2)
	}
	logger, err := logging.New(cfg.LogLevel)
	if err != nil {
		os.Stderr.WriteString(err.Error() + "\n")
		os.Exit(2)
	}
	defer logger.Sync()
	zap.ReplaceGlobals(logger)

	if err := run(cfg, logger); err != nil {
		logger.Fatal("server stopped", zap.Error(err))
	}
}

func run(cfg config.Config, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	dialer, err := cfg.Dialer(logger)
	if err != nil {
		return err
	}
	opts := []server.Option{
		server.WithPrefix(cfg.ExchangePrefix),
		server.WithPoolSize(cfg.PoolSize),
		server.WithBalancer(cfg.BalancerImpl()),
		server.WithRequestTimeout(cfg.RequestTimeout),
		server.WithPingInterval(cfg.PingInterval),
		server.WithCodec(cfg.CodecImpl()),
		server.WithLogger(logger),
		server.WithMiddlewareFactory(cfg.MiddlewareFactory(logger)),
	}
	if len(cfg.EtcdEndpoints) > 0 {
		dir, err := registry.NewEtcdDirectory(cfg.EtcdEndpoints,
			registry.WithKeyPrefix(cfg.EtcdPrefix),
			registry.WithLogger(logger.Named("etcd")),
		)
		if err != nil {
			return err
		}
		defer dir.Close()
		host, _ := os.Hostname()
		opts = append(opts, server.WithDirectory(dir, host+cfg.ListenAddr, cfg.NodeTTL))
	}
	s := server.New(dialer, opts...)

	handler := s.Handler(func(n *server.Node) {
		n.Client.Handle("hello there", func(ctx *router.Context, who string) (string, error) {
			logger.Info(who + " has the high ground")
			return "general " + who, nil
		})
		n.Client.Handle("peers", func(ctx *router.Context) ([]string, error) {
			return s.Peers(ctx.Context())
		})
	})
	if logger.Core().Enabled(zap.DebugLevel) {
		handler = requestlog.Wrap(handler)
	}
	hs := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		logger.Info("listening", zap.String("addr", cfg.ListenAddr), zap.String("broker", cfg.BrokerKind))
		errc <- hs.ListenAndServe()
	}()

	select {
	case err := <-errc:
		s.Close()
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err = hs.Shutdown(shutdownCtx)
	if errors.Is(err, http.ErrServerClosed) {
		err = nil
	}
	return errors.Join(err, s.Close())
}
