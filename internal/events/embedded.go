package events

import (
	"fmt"
	"log"
	"time"

	"github.com/nats-io/nats-server/v2/server"
)

// EmbeddedServer is an in-process NATS server for single-host setups
// where no broker is deployed.
type EmbeddedServer struct {
	ns *server.Server
}

// StartEmbedded starts a NATS server on host:port. Port -1 picks a free port.
func StartEmbedded(host string, port int) (*EmbeddedServer, error) {
	ns, err := server.NewServer(&server.Options{
		Host:   host,
		Port:   port,
		NoSigs: true,
		NoLog:  true,
	})
	if err != nil {
		return nil, fmt.Errorf("create embedded NATS server: %w", err)
	}

	go ns.Start()
	if !ns.ReadyForConnections(5 * time.Second) {
		ns.Shutdown()
		return nil, fmt.Errorf("embedded NATS server failed to start within 5 seconds")
	}
	log.Printf("Embedded NATS server listening on %s", ns.ClientURL())
	return &EmbeddedServer{ns: ns}, nil
}

// ClientURL is the URL publishers connect to.
func (e *EmbeddedServer) ClientURL() string { return e.ns.ClientURL() }

// Shutdown stops the server and waits for it to exit.
func (e *EmbeddedServer) Shutdown() {
	if e == nil || e.ns == nil {
		return
	}
	e.ns.Shutdown()
	e.ns.WaitForShutdown()
}
