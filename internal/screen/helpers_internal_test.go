package screen

import (
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/icecream-fleet/coordinator/internal/config"
	"github.com/icecream-fleet/coordinator/internal/gateway"
	"github.com/icecream-fleet/coordinator/internal/transport"
	"github.com/icecream-fleet/coordinator/internal/wire"
)

// testCluster returns a Cluster tuned for fast, deterministic tests.
func testCluster() *config.Cluster {
	c := config.Default()
	c.MaxRobots = 1
	c.MaxScreens = 3
	c.ReconnectBackoffMin = 5 * time.Millisecond
	c.ReconnectBackoffMax = 20 * time.Millisecond
	return c
}

// bareScreen builds a Screen without calling Serve, so no listener or
// membership goroutines are started; tests drive its unexported methods
// directly.
func bareScreen(t *testing.T, id wire.ScreenId, cluster *config.Cluster) *Screen {
	t.Helper()
	logger := zap.NewNop().Sugar()
	gw := gateway.NewSimulated(0, 1)
	return New(id, cluster, gw, logger)
}

// linkPair returns two Links bound to opposite ends of a real loopback TCP
// connection, mirroring internal/robot's helper of the same name.
func linkPair(t *testing.T) (*transport.Link, *transport.Link) {
	t.Helper()
	ln, err := transport.Listen("127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	acceptedCh := make(chan *transport.Link, 1)
	go func() {
		link, err := ln.Accept()
		if err != nil {
			acceptedCh <- nil
			return
		}
		acceptedCh <- link
	}()

	client, err := transport.Dial(ln.Addr())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	server := <-acceptedCh
	if server == nil {
		t.Fatal("accept failed")
	}
	return client, server
}

// recvWithTimeout reads one message off peer, failing the test if none
// arrives in time.
func recvWithTimeout(t *testing.T, peer *transport.Link, d time.Duration) interface{} {
	t.Helper()
	type result struct {
		msg interface{}
		err error
	}
	ch := make(chan result, 1)
	go func() {
		msg, err := peer.Recv()
		ch <- result{msg: msg, err: err}
	}()
	select {
	case r := <-ch:
		if r.err != nil {
			t.Fatalf("recv: %v", r.err)
		}
		return r.msg
	case <-time.After(d):
		t.Fatal("timed out waiting for message")
		return nil
	}
}
