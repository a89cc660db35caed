// Package robot implements the robot side of the coordination layer:
// ring membership (§4.2), leader election (§4.3), the flavor token
// service (§4.4), the per-robot order manager (§4.5), and the robot
// leader (§4.6). One Robot value is one OS process's worth of state; all
// of it is owned and mutated by a single goroutine (run), matching the
// "single-threaded cooperative scheduler per process" model of spec §5 —
// every other goroutine in this package (link readers, timers, the
// accept loop) only ever posts events into the robot's mailbox.
package robot

import (
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/icecream-fleet/coordinator/internal/config"
	"github.com/icecream-fleet/coordinator/internal/transport"
	"github.com/icecream-fleet/coordinator/internal/wire"
)

// Role is this robot's role in the current epoch.
type Role int

const (
	Follower Role = iota
	Electing
	Leader
)

func (r Role) String() string {
	switch r {
	case Follower:
		return "follower"
	case Electing:
		return "electing"
	case Leader:
		return "leader"
	default:
		return "unknown"
	}
}

// Robot is one ring member.
type Robot struct {
	id      wire.RobotId
	cluster *config.Cluster
	logger  *zap.SugaredLogger

	mailbox chan event

	listener *transport.Listener

	// Only the run goroutine reads/writes these; they are safe without a
	// mutex for that reason, matching spec §5's no-locks-needed claim.
	role  Role
	epoch uint64
	leader wire.RobotId
	electingOriginator *wire.RobotId

	next     *transport.Link
	nextID   wire.RobotId
	nextKnown bool

	prev   *transport.Link
	prevID wire.RobotId
	prevKnown bool

	tokens *tokenService
	orders *orderManager
	led    *leaderState

	nextDialGen int // invalidates stale dial goroutines after a reconnect

	// pendingNext holds ring messages queued by sendNext while a dial to
	// the next neighbor is in flight (bootstrap, or reconnect after
	// PeerLost(next)); flushed in order once that link exists.
	pendingNext []interface{}

	shutdownOnce sync.Once
	shutdownCh   chan struct{}
	doneCh       chan struct{}

	// viewMu guards the snapshot exposed to other goroutines via View().
	viewMu sync.RWMutex
	view   RobotView
}

// event is the tagged union fed into the mailbox. Concrete types are
// defined alongside the component that produces them.
type event interface{}

// New constructs a Robot. It does not start any goroutines; call Serve.
func New(id wire.RobotId, cluster *config.Cluster, logger *zap.SugaredLogger) *Robot {
	r := &Robot{
		id:         id,
		cluster:    cluster,
		logger:     logger,
		mailbox:    make(chan event, 256),
		leader:     -1,
		shutdownCh: make(chan struct{}),
		doneCh:     make(chan struct{}),
	}
	r.tokens = newTokenService(r)
	r.orders = newOrderManager(r)
	r.led = newLeaderState(r)
	r.publishView()
	return r
}

func (r *Robot) logFields(extra ...interface{}) []interface{} {
	base := []interface{}{"component", "robot", "self_id", r.id, "role", r.role.String(), "epoch", r.epoch}
	return append(base, extra...)
}

// Serve binds the listener, launches the accept loop, runs bootstrap
// membership discovery, and then drives the main loop until Shutdown is
// called or an unrecoverable error occurs.
func (r *Robot) Serve() error {
	ln, err := transport.Listen(r.cluster.RobotAddr(r.id))
	if err != nil {
		return fmt.Errorf("robot %d: %w", r.id, err)
	}
	r.listener = ln
	go r.acceptLoop()

	r.tokens.start()
	go r.bootstrapMembership()

	r.run()
	close(r.doneCh)
	return nil
}

// Shutdown requests a graceful stop: release or report the order in hand,
// stop accepting new connections, close owned links, return. Events still
// queued in the mailbox at that point are not processed.
func (r *Robot) Shutdown() {
	r.shutdownOnce.Do(func() { close(r.shutdownCh) })
	<-r.doneCh
}

func (r *Robot) run() {
	for {
		select {
		case <-r.shutdownCh:
			r.teardown()
			return
		case ev := <-r.mailbox:
			r.handle(ev)
		}
	}
}

func (r *Robot) teardown() {
	r.orders.onShutdown()
	if r.listener != nil {
		_ = r.listener.Close()
	}
	if r.next != nil {
		_ = r.next.Close()
	}
	if r.prev != nil {
		_ = r.prev.Close()
	}
	r.led.closeAllScreenLinks()
	r.logger.Infow("robot shut down", r.logFields()...)
}

func (r *Robot) post(ev event) {
	select {
	case r.mailbox <- ev:
	case <-r.shutdownCh:
	}
}

func (r *Robot) handle(ev event) {
	switch e := ev.(type) {
	case inboundAccepted:
		r.handleInboundAccepted(e)
	case nextLinkEstablished:
		r.handleNextLinkEstablished(e)
	case ringMessage:
		r.dispatchRingMessage(e)
	case screenMessage:
		r.led.dispatchScreenMessage(e)
	case peerLostEvent:
		r.handlePeerLost(e)
	case tokenTimeoutEvent:
		r.tokens.onTimeout(e.flavor)
	case serveCompleteEvent:
		r.orders.finishServe(e)
	case bootstrapResult:
		r.handleBootstrapResult(e)
	case screenInboundAccepted:
		r.led.handleScreenInboundAccepted(e)
	case screenLinkLostEvent:
		r.led.handleScreenLinkLost(e.screen)
	case joinRingIdentified:
		r.prevID = e.id
		r.prevKnown = true
		if !r.nextKnown {
			// We were a ring of one (or had lost our own next link); the
			// newcomer dialing in is our signal to close the ring from
			// our side too.
			r.connectNext()
		}
		r.publishView()
	default:
		r.logger.Warnw("unrecognized internal event", r.logFields("event", fmt.Sprintf("%T", ev))...)
	}
}

func (r *Robot) alterRole(role Role) {
	if r.role == role {
		return
	}
	r.logger.Infow("alter role", r.logFields("new_role", role.String())...)
	r.role = role
	r.publishView()
}

func (r *Robot) alterLeader(leader wire.RobotId) {
	r.logger.Infow("alter leader", r.logFields("new_leader", leader)...)
	r.leader = leader
	r.publishView()
}

func (r *Robot) alterEpoch(epoch uint64) {
	r.logger.Infow("alter epoch", r.logFields("new_epoch", epoch)...)
	r.epoch = epoch
	r.publishView()
}

func (r *Robot) publishView() {
	v := RobotView{
		ID:     r.id,
		Role:   r.role.String(),
		Leader: r.leader,
		Epoch:  r.epoch,
	}
	if r.nextKnown {
		v.NextID = &r.nextID
	}
	if r.prevKnown {
		v.PrevID = &r.prevID
	}
	v.TokenBackup = r.tokens.snapshot()
	r.viewMu.Lock()
	r.view = v
	r.viewMu.Unlock()
}

// View returns a read-only, race-free snapshot for tests and operators
// (adapted from the teacher's ServerStates/Info()).
func (r *Robot) View() RobotView {
	r.viewMu.RLock()
	defer r.viewMu.RUnlock()
	return r.view
}

// sendNext forwards msg clockwise. A next link is frequently not yet
// established the instant this is called (bootstrap's connectNext dial
// is asynchronous, likewise a PeerLost(next) reconnect): rather than
// drop the message, it is queued and replayed in order by
// flushPendingNext once the link exists.
func (r *Robot) sendNext(msg interface{}) {
	if r.next == nil {
		if len(r.pendingNext) >= maxPendingNext {
			r.logger.Warnw("pending-next queue full, dropping oldest", r.logFields("message", fmt.Sprintf("%T", msg))...)
			r.pendingNext = r.pendingNext[1:]
		}
		r.pendingNext = append(r.pendingNext, msg)
		return
	}
	if err := r.next.Send(msg); err != nil {
		r.logger.Warnw("send to next failed", r.logFields("error", err)...)
	}
}

// flushPendingNext replays, in order, any ring messages queued while the
// next link did not yet exist.
func (r *Robot) flushPendingNext() {
	pending := r.pendingNext
	r.pendingNext = nil
	for _, m := range pending {
		r.sendNext(m)
	}
}

// loopbackOrSend forwards a ring message clockwise. In a ring of one there
// is no next link to carry it, but Token/TokenProbe circulation must still
// make progress: the message is re-posted to this robot's own mailbox
// instead of being dropped, which is indistinguishable in effect from a
// one-member ring immediately handing the message back to itself.
func (r *Robot) loopbackOrSend(msg interface{}) {
	if r.next != nil {
		r.sendNext(msg)
		return
	}
	go r.post(ringMessage{msg: msg})
}

// reportOrderOutcome delivers an order-manager outcome to whichever robot
// is currently leader. When that robot is this one (true of every ring of
// one, and possible whenever the leader assigns work to itself) the report
// is applied directly instead of being serialized onto the ring, since a
// message addressed to the sender itself has already reached its
// destination.
func (r *Robot) reportOrderOutcome(msg interface{}) {
	if r.role == Leader {
		switch m := msg.(type) {
		case wire.OrderComplete:
			r.led.onOrderComplete(r.id, m.OrderID)
		case wire.OrderNotFinished:
			r.led.onOrderNotFinished(m.OrderID, m.Reason)
		}
		return
	}
	r.sendNext(msg)
}

const reconnectScanLimit = 64
const maxPendingNext = 64
