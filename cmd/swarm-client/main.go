// Command swarm-client greets a swarm-server once per interval.
package main

import (
	"context"
	"flag"
	"math/rand/v2"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"swarm-rpc/client"
	"swarm-rpc/logging"
)

var names = []string{"kenobi", "skywalker", "yoda", "windu", "mundi"}

func main() {
	url := flag.String("url", "ws://localhost:29552", "server WebSocket URL; the path is the node id")
	interval := flag.Duration("interval", time.Second, "time between greetings")
	timeout := flag.Duration("timeout", time.Second, "request timeout")
	level := flag.String("log-level", "info", "log level")
	flag.Parse()

	logger, err := logging.New(*level)
	if err != nil {
		os.Stderr.WriteString(err.Error() + "\n")
		os.Exit(2)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	c := client.Dial(*url, client.WithTimeout(*timeout), client.WithLogger(logger))
	defer c.Close()

	ticker := time.NewTicker(*interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.Done():
			logger.Info("server closed the session")
			return
		case <-ticker.C:
			reply, err := client.Call[string](ctx, c, "hello there", names[rand.IntN(len(names))])
			if err != nil {
				logger.Warn("hello there failed", zap.Error(err))
				continue
			}
			logger.Info(reply)
		}
	}
}
