package robot

import (
	"context"
	"time"

	"github.com/icecream-fleet/coordinator/internal/transport"
	"github.com/icecream-fleet/coordinator/internal/wire"
)

// --- mailbox event types for membership -------------------------------------

// inboundAccepted carries a freshly accepted connection from the listener
// accept loop. Any accepted connection is presumed to originate from this
// robot's ring predecessor (spec §4.2): the acceptor does not dial out to
// confirm that, the ring's next-pointer convention guarantees it.
type inboundAccepted struct {
	link *transport.Link
}

// nextLinkEstablished reports that a dial initiated by connectNext
// succeeded (or a newer attempt superseded an older one).
type nextLinkEstablished struct {
	gen  int
	id   wire.RobotId
	link *transport.Link
}

// ringMessage is one decoded message that arrived on either the next or
// previous link. Which of the two links it came in on is not recorded:
// messages only ever flow previous -> self -> next.
type ringMessage struct {
	msg interface{}
}

// peerLostEvent is raised when a link read/write fails (spec §4.1: "peer
// death is signaled solely by channel close or read/write error").
type peerLostEvent struct {
	which string // "next" or "previous"
	err   error
}

// bootstrapResult is posted once after the one-time discovery probe that
// runs at process startup.
type bootstrapResult struct {
	live []wire.RobotId
}

// acceptLoop accepts inbound ring connections and hands them to the main
// loop. Exactly one task per link, as required by spec §5.
func (r *Robot) acceptLoop() {
	for {
		link, err := r.listener.Accept()
		if err != nil {
			return // listener closed during shutdown
		}
		r.post(inboundAccepted{link: link})
	}
}

// bootstrapMembership discovers the currently-live ring and either joins
// it or self-proclaims leader of a ring of one (spec §4.2 bootstrap rule).
// It runs once, in its own goroutine, and reports back through the
// mailbox so the resulting state transition is still serialized through
// run().
func (r *Robot) bootstrapMembership() {
	live := r.probeLiveRobots()
	r.post(bootstrapResult{live: live})
}

// probeLiveRobots attempts a short-lived connection to every other
// configured robot id, closing it immediately; the set that accepts forms
// the current ring (spec §4.2).
func (r *Robot) probeLiveRobots() []wire.RobotId {
	var live []wire.RobotId
	for i := 0; i < r.cluster.MaxRobots; i++ {
		id := wire.RobotId(i)
		if id == r.id {
			continue
		}
		link, err := transport.Dial(r.cluster.RobotAddr(id))
		if err != nil {
			continue
		}
		_ = link.Close()
		live = append(live, id)
	}
	return live
}

func (r *Robot) handleBootstrapResult(e bootstrapResult) {
	if len(e.live) == 0 {
		r.logger.Infow("no peers found, self-proclaiming leader of a ring of one", r.logFields()...)
		r.alterLeader(r.id)
		r.alterEpoch(0)
		r.alterRole(Leader)
		r.tokens.bootstrapGenesis()
		r.led.bootstrapAsSoleLeader()
		return
	}
	r.logger.Infow("discovered live peers", r.logFields("live", e.live)...)
	r.connectNext()
	// Trigger (a) of spec §4.3: bootstrap after join, no leader known yet.
	// connectNext's dial is still in flight at this point; sendNext
	// queues the Election send in pendingNext until the link exists.
	r.startElection()
}

// connectNext (re)establishes this robot's outbound link to the next live
// id clockwise (spec §4.2, §4.3 reconnect-on-PeerLost(next)). It scans
// forward from id+1 with the RECONNECT_BACKOFF policy, skipping ids that
// refuse the connection (presumed dead or not yet started).
func (r *Robot) connectNext() {
	r.nextDialGen++
	gen := r.nextDialGen
	go r.dialNextLoop(gen)
}

func (r *Robot) dialNextLoop(gen int) {
	b := transport.NewReconnectBackoff(r.cluster.ReconnectBackoffMin, r.cluster.ReconnectBackoffMax)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	attempts := 0
	for {
		attempts++
		for step := 1; step <= r.cluster.MaxRobots; step++ {
			candidate := wire.RobotId((int(r.id) + step) % r.cluster.MaxRobots)
			if candidate == r.id {
				break
			}
			link, err := transport.Dial(r.cluster.RobotAddr(candidate))
			if err != nil {
				continue
			}
			if err := link.Send(wire.JoinRing{ID: r.id}); err != nil {
				_ = link.Close()
				continue
			}
			r.post(nextLinkEstablished{gen: gen, id: candidate, link: link})
			return
		}
		select {
		case <-r.shutdownCh:
			return
		case <-time.After(b.Duration()):
		}
		if attempts > reconnectScanLimit {
			r.logger.Warnw("giving up reconnecting to next, will keep retrying at max backoff", r.logFields()...)
		}
		_ = ctx
	}
}

func (r *Robot) handleNextLinkEstablished(e nextLinkEstablished) {
	if e.gen != r.nextDialGen {
		// A newer reconnect attempt superseded this one.
		_ = e.link.Close()
		return
	}
	if r.next != nil {
		_ = r.next.Close()
	}
	r.next = e.link
	r.nextID = e.id
	r.nextKnown = true
	r.logger.Infow("next link established", r.logFields("next_id", e.id)...)
	go r.readLinkLoop(e.link, "next")
	r.publishView()
	r.flushPendingNext()
}

func (r *Robot) handleInboundAccepted(e inboundAccepted) {
	if r.prev != nil {
		_ = r.prev.Close()
	}
	r.prev = e.link
	r.prevKnown = false // identity learned from the first JoinRing on this link
	r.logger.Infow("accepted inbound ring connection", r.logFields("remote", e.link.RemoteAddr())...)
	go r.readLinkLoop(e.link, "previous")
}

// readLinkLoop is the one-task-per-link reader required by spec §5. It
// runs until the link errors, then reports PeerLost.
func (r *Robot) readLinkLoop(link *transport.Link, which string) {
	link.ReadLoop(func(msg interface{}) {
		if which == "previous" {
			if j, ok := msg.(wire.JoinRing); ok {
				r.post(joinRingIdentified{id: j.ID})
				return
			}
		}
		r.post(ringMessage{msg: msg})
	}, func(err error) {
		r.post(peerLostEvent{which: which, err: err})
	})
}

// joinRingIdentified records the previous link's peer id once its first
// JoinRing handshake message arrives (spec §4.2).
type joinRingIdentified struct {
	id wire.RobotId
}

func (r *Robot) handlePeerLost(e peerLostEvent) {
	r.logger.Infow("peer lost", r.logFields("which", e.which, "error", e.err)...)
	switch e.which {
	case "next":
		lost := r.nextID
		r.next = nil
		r.nextKnown = false
		r.connectNext()
		if r.role == Leader {
			r.led.onRobotLost(lost)
		}
		if r.leader == lost {
			r.alterLeader(-1)
			r.startElection()
		}
	case "previous":
		r.prev = nil
		r.prevKnown = false
		// Passive: whichever robot now needs to reach us as its next
		// will dial in. No active reconnection from this side (spec
		// §9's "previous" symmetry is realized here as "wait to be
		// re-accepted", since only a dialer can redial — see
		// DESIGN.md).
	}
}

// dispatchRingMessage routes one decoded ring message to the component
// that owns it. Every message kind shares the ring channel (spec §4.1);
// Election/NewLeader/LeaderBackup/Token/TokenProbe manage their own
// forward-or-terminate logic internally, while PrepareOrder and the
// order-outcome messages are forwarded here until they reach the robot
// they are addressed to (Assignee) or the current leader, respectively.
func (r *Robot) dispatchRingMessage(rm ringMessage) {
	switch m := rm.msg.(type) {
	case wire.JoinRing:
		// Arrives out of band of readLinkLoop's special-casing only if
		// received on the next link (unexpected but harmless to log).
		r.logger.Debugw("JoinRing on unexpected link", r.logFields("from", m.ID)...)
	case wire.SetNextRobot, wire.SetPreviousRobot:
		// Defined for wire compatibility (spec §6 taxonomy, round-trip
		// law of §8); this implementation maintains ring topology via
		// scan-based reconnection (see membership.go), so these are
		// accepted and logged only.
		r.logger.Debugw("topology hint message received", r.logFields("message", m)...)
	case wire.Election:
		r.handleElection(m)
	case wire.NewLeader:
		r.handleNewLeader(m)
	case wire.LeaderBackup:
		r.handleLeaderBackup(m)
	case wire.PrepareOrder:
		if m.Assignee == r.id {
			r.orders.onPrepareOrder(m.Order)
			return
		}
		r.sendNext(m)
	case wire.OrderComplete:
		if r.role == Leader {
			r.led.onOrderComplete(0, m.OrderID)
			return
		}
		r.sendNext(m)
	case wire.OrderNotFinished:
		if r.role == Leader {
			r.led.onOrderNotFinished(m.OrderID, m.Reason)
			return
		}
		r.sendNext(m)
	case wire.Token:
		r.tokens.onTokenArrived(m.AsFlavorToken())
	case wire.TokenProbe:
		r.tokens.onProbeArrived(m)
	default:
		r.logger.Warnw("unrecognized ring message", r.logFields("message", m)...)
	}
}
