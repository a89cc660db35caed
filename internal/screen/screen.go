// Package screen implements the customer-facing side of the system: the
// screen ring and its pairwise backup/takeover protocol (spec §4.7), and
// the per-order two-phase-commit coordinator bridging the payment gateway
// and the robot leader (spec §4.8). One Screen value owns one OS process's
// worth of state, all of it mutated by a single goroutine (run), the same
// model internal/robot uses for the same reason (spec §5): every other
// goroutine here (link readers, the accept loop, the gateway call, the
// leader dialer) only ever posts events into the mailbox.
package screen

import (
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/icecream-fleet/coordinator/internal/config"
	"github.com/icecream-fleet/coordinator/internal/gateway"
	"github.com/icecream-fleet/coordinator/internal/orderfile"
	"github.com/icecream-fleet/coordinator/internal/transport"
	"github.com/icecream-fleet/coordinator/internal/wire"
)

// trackedOrder is one order currently owned by this screen, whether it
// originated here or was adopted from a dead predecessor (spec §4.7).
type trackedOrder struct {
	order       wire.Order
	state       string // "Preparing", mirrored to the successor until terminal
	adoptedFrom *wire.ScreenId
	traceID     string
}

// Screen is one screen-ring member and 2PC coordinator.
type Screen struct {
	id      wire.ScreenId
	cluster *config.Cluster
	gateway gateway.Gateway
	logger  *zap.SugaredLogger

	mailbox chan event

	listener *transport.Listener

	next      *transport.Link
	nextID    wire.ScreenId
	nextKnown bool

	prev      *transport.Link
	prevID    wire.ScreenId
	prevKnown bool

	// backupOfPrev is the last TakeMyBackup mirrored by the predecessor;
	// it becomes our own pending set the moment that predecessor is lost.
	backupOfPrev []wire.Order

	leaderLink  *transport.Link
	leaderOut   []interface{} // queued sends while no leader link is open
	leaderDialing bool

	nextSeq uint64
	pending map[wire.OrderID]*trackedOrder

	nextDialGen  int
	leaderDialGen int

	shutdownOnce sync.Once
	shutdownCh   chan struct{}
	doneCh       chan struct{}

	viewMu sync.RWMutex
	view   View
}

type event interface{}

// New constructs a Screen. It does not start any goroutines; call Serve.
func New(id wire.ScreenId, cluster *config.Cluster, gw gateway.Gateway, logger *zap.SugaredLogger) *Screen {
	s := &Screen{
		id:         id,
		cluster:    cluster,
		gateway:    gw,
		logger:     logger,
		mailbox:    make(chan event, 256),
		pending:    map[wire.OrderID]*trackedOrder{},
		shutdownCh: make(chan struct{}),
		doneCh:     make(chan struct{}),
	}
	s.publishView()
	return s
}

func (s *Screen) logFields(extra ...interface{}) []interface{} {
	base := []interface{}{"component", "screen", "self_id", s.id}
	return append(base, extra...)
}

// Serve binds the listener, launches the accept loop, discovers the
// existing screen ring, and drives the main loop until Shutdown.
func (s *Screen) Serve() error {
	ln, err := transport.Listen(s.cluster.ScreenAddr(s.id))
	if err != nil {
		return fmt.Errorf("screen %d: %w", s.id, err)
	}
	s.listener = ln
	go s.acceptLoop()
	go s.bootstrapMembership()

	s.run()
	close(s.doneCh)
	return nil
}

// SubmitOrders reads every request from an orders file (the out-of-scope
// order-file reader per spec §1; internal/orderfile only parses it) and
// feeds each one through the 2PC coordinator independently, so multiple
// orders may be in flight at once (spec §8 scenario 6).
func (s *Screen) SubmitOrders(path string) error {
	reqs, err := orderfile.Read(path)
	if err != nil {
		return err
	}
	for _, req := range reqs {
		items := req.Items
		s.post(submitOrderEvent{items: items})
	}
	return nil
}

// Shutdown requests a graceful stop.
func (s *Screen) Shutdown() {
	s.shutdownOnce.Do(func() { close(s.shutdownCh) })
	<-s.doneCh
}

func (s *Screen) run() {
	for {
		select {
		case <-s.shutdownCh:
			s.teardown()
			return
		case ev := <-s.mailbox:
			s.handle(ev)
		}
	}
}

func (s *Screen) teardown() {
	if s.listener != nil {
		_ = s.listener.Close()
	}
	if s.next != nil {
		_ = s.next.Close()
	}
	if s.prev != nil {
		_ = s.prev.Close()
	}
	if s.leaderLink != nil {
		_ = s.leaderLink.Close()
	}
	s.logger.Infow("screen shut down", s.logFields()...)
}

func (s *Screen) post(ev event) {
	select {
	case s.mailbox <- ev:
	case <-s.shutdownCh:
	}
}

func (s *Screen) handle(ev event) {
	switch e := ev.(type) {
	case inboundAccepted:
		s.handleInboundAccepted(e)
	case nextLinkEstablished:
		s.handleNextLinkEstablished(e)
	case ringMessage:
		s.dispatchRingMessage(e)
	case peerLostEvent:
		s.handlePeerLost(e)
	case bootstrapResult:
		s.handleBootstrapResult(e)
	case leaderLinkEstablished:
		s.handleLeaderLinkEstablished(e)
	case leaderLinkLost:
		s.handleLeaderLinkLost(e)
	case leaderMessage:
		s.dispatchLeaderMessage(e.msg)
	case submitOrderEvent:
		s.onSubmitOrder(e.items)
	case captureResult:
		s.onCaptureResult(e)
	default:
		s.logger.Warnw("unrecognized internal event", s.logFields("event", fmt.Sprintf("%T", ev))...)
	}
}

func (s *Screen) publishView() {
	v := View{ID: s.id}
	if s.nextKnown {
		v.NextID = &s.nextID
	}
	if s.prevKnown {
		v.PrevID = &s.prevID
	}
	v.LeaderLinkOpen = s.leaderLink != nil
	v.Pending = make([]wire.OrderID, 0, len(s.pending))
	for id := range s.pending {
		v.Pending = append(v.Pending, id)
	}
	s.viewMu.Lock()
	s.view = v
	s.viewMu.Unlock()
}

// View returns a read-only snapshot for tests and operators.
func (s *Screen) View() View {
	s.viewMu.RLock()
	defer s.viewMu.RUnlock()
	return s.view
}

const reconnectScanLimit = 64
