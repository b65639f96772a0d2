// Package natstest runs an embedded NATS server for tests.
package natstest

import (
	"testing"
	"time"

	commsserver "github.com/nats-io/nats-server/v2/server"
)

// Start launches a NATS server on a random local port and shuts it down when
// the test ends.
func Start(t testing.TB) *commsserver.Server {
	t.Helper()
	opts := &commsserver.Options{
		Host:   "127.0.0.1",
		Port:   commsserver.RANDOM_PORT,
		NoLog:  true,
		NoSigs: true,
	}
	ns, err := commsserver.NewServer(opts)
	if err != nil {
		t.Fatalf("natstest - failed to create NATS server: %v", err)
	}
	go ns.Start()
	if !ns.ReadyForConnections(10 * time.Second) {
		t.Fatal("natstest - NATS server failed to start")
	}
	t.Cleanup(func() {
		ns.Shutdown()
		ns.WaitForShutdown()
	})
	return ns
}
