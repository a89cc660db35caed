package screen_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/icecream-fleet/coordinator/internal/config"
	"github.com/icecream-fleet/coordinator/internal/gateway"
	"github.com/icecream-fleet/coordinator/internal/screen"
	"github.com/icecream-fleet/coordinator/internal/wire"
)

func scenarioCluster(t *testing.T, screenBase int) *config.Cluster {
	t.Helper()
	c := config.Default()
	c.MaxRobots = 1
	c.MaxScreens = 2
	c.ScreenBase = screenBase
	c.ReconnectBackoffMin = 5 * time.Millisecond
	c.ReconnectBackoffMax = 20 * time.Millisecond
	return c
}

func writeOrderFile(t *testing.T, items string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "orders.json")
	body := "[{\"items\": [" + items + "]}]"
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func waitForPending(t *testing.T, s *screen.Screen, id wire.OrderID, d time.Duration) {
	t.Helper()
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		for _, p := range s.View().Pending {
			if p == id {
				return
			}
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("screen %d never saw order %s pending", s.View().ID, id)
}

// TestScreenRingMirrorsAndTakesOverOnPredecessorLoss drives spec §8
// scenario 5's ring mechanics end to end over real loopback TCP: two
// screens form a ring, screen 0 captures an order (which it continuously
// mirrors to its successor per spec §4.7), and when screen 0 is killed
// screen 1 adopts the mirrored order into its own pending set. The
// order's eventual routing through a live robot leader (the other half
// of scenario 5) is covered by internal/robot's leader tests instead,
// since this package has no dependency on internal/robot.
func TestScreenRingMirrorsAndTakesOverOnPredecessorLoss(t *testing.T) {
	cluster := scenarioCluster(t, 19300)
	logger := zap.NewNop().Sugar()
	gw := gateway.NewSimulated(0, 1)

	s0 := screen.New(0, cluster, gw, logger)
	s1 := screen.New(1, cluster, gw, logger)

	go s0.Serve()
	time.Sleep(30 * time.Millisecond)
	go s1.Serve()
	defer s1.Shutdown()

	// Give the bidirectional ring handshake (dial, then a TakeMyBackup
	// round trip each way) time to settle before submitting an order.
	time.Sleep(200 * time.Millisecond)

	path := writeOrderFile(t, `{"flavor": 0, "qty": 1}`)
	require.NoError(t, s0.SubmitOrders(path))

	orderID := wire.OrderID{Screen: 0, Seq: 1}
	waitForPending(t, s0, orderID, 2*time.Second)

	// Let the mirror reach screen 1 before killing screen 0.
	time.Sleep(200 * time.Millisecond)
	s0.Shutdown()

	waitForPending(t, s1, orderID, 3*time.Second)
}
