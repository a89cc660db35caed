package screen

import (
	"time"

	"github.com/icecream-fleet/coordinator/internal/transport"
	"github.com/icecream-fleet/coordinator/internal/wire"
)

// --- mailbox event types -----------------------------------------------------

type inboundAccepted struct {
	link *transport.Link
}

type nextLinkEstablished struct {
	gen  int
	id   wire.ScreenId
	link *transport.Link
}

type ringMessage struct {
	msg interface{}
}

type peerLostEvent struct {
	which string // "next" or "previous"
	err   error
}

type bootstrapResult struct {
	live []wire.ScreenId
}

func (s *Screen) acceptLoop() {
	for {
		link, err := s.listener.Accept()
		if err != nil {
			return
		}
		s.post(inboundAccepted{link: link})
	}
}

// bootstrapMembership mirrors robot.bootstrapMembership's discovery probe,
// scoped to the screen ring (spec §4.7).
func (s *Screen) bootstrapMembership() {
	var live []wire.ScreenId
	for i := 0; i < s.cluster.MaxScreens; i++ {
		id := wire.ScreenId(i)
		if id == s.id {
			continue
		}
		link, err := transport.Dial(s.cluster.ScreenAddr(id))
		if err != nil {
			continue
		}
		_ = link.Close()
		live = append(live, id)
	}
	s.post(bootstrapResult{live: live})
}

func (s *Screen) handleBootstrapResult(e bootstrapResult) {
	if len(e.live) == 0 {
		s.logger.Infow("no peer screens found, ring of one", s.logFields()...)
		return
	}
	s.logger.Infow("discovered live screen peers", s.logFields("live", e.live)...)
	s.connectNext()
}

func (s *Screen) connectNext() {
	s.nextDialGen++
	gen := s.nextDialGen
	go s.dialNextLoop(gen)
}

func (s *Screen) dialNextLoop(gen int) {
	b := transport.NewReconnectBackoff(s.cluster.ReconnectBackoffMin, s.cluster.ReconnectBackoffMax)
	attempts := 0
	for {
		attempts++
		for step := 1; step <= s.cluster.MaxScreens; step++ {
			candidate := wire.ScreenId((int(s.id) + step) % s.cluster.MaxScreens)
			if candidate == s.id {
				break
			}
			link, err := transport.Dial(s.cluster.ScreenAddr(candidate))
			if err != nil {
				continue
			}
			s.post(nextLinkEstablished{gen: gen, id: candidate, link: link})
			return
		}
		select {
		case <-s.shutdownCh:
			return
		case <-time.After(b.Duration()):
		}
		if attempts > reconnectScanLimit {
			s.logger.Warnw("giving up reconnecting to next screen, will keep retrying at max backoff", s.logFields()...)
		}
	}
}

func (s *Screen) handleNextLinkEstablished(e nextLinkEstablished) {
	if e.gen != s.nextDialGen {
		_ = e.link.Close()
		return
	}
	if s.next != nil {
		_ = s.next.Close()
	}
	s.next = e.link
	s.nextID = e.id
	s.nextKnown = true
	s.logger.Infow("next screen link established", s.logFields("next_id", e.id)...)
	go s.readLinkLoop(e.link, "next")
	s.publishView()
	s.mirrorBackup()
}

func (s *Screen) handleInboundAccepted(e inboundAccepted) {
	if s.prev != nil {
		_ = s.prev.Close()
	}
	s.prev = e.link
	s.prevKnown = false
	s.logger.Infow("accepted inbound screen ring connection", s.logFields("remote", e.link.RemoteAddr())...)
	go s.readLinkLoop(e.link, "previous")
}

func (s *Screen) readLinkLoop(link *transport.Link, which string) {
	link.ReadLoop(func(msg interface{}) {
		s.post(ringMessage{msg: msg})
	}, func(err error) {
		s.post(peerLostEvent{which: which, err: err})
	})
}

// handlePeerLost implements spec §4.7's takeover on predecessor loss; a
// lost successor is handled passively, by the same reasoning
// internal/robot documents for the ring's "previous" side (only a dialer
// can actively redial).
func (s *Screen) handlePeerLost(e peerLostEvent) {
	s.logger.Infow("peer screen lost", s.logFields("which", e.which, "error", e.err)...)
	switch e.which {
	case "next":
		s.next = nil
		s.nextKnown = false
		s.connectNext()
	case "previous":
		lost := s.prevID
		s.prev = nil
		s.prevKnown = false
		s.adoptBackup(lost)
	}
}

// adoptBackup implements spec §4.7 steps 1-2: promote the mirrored backup
// into our own pending set, tagged adopted_from, then tell the leader to
// redirect P's notifications here.
func (s *Screen) adoptBackup(lost wire.ScreenId) {
	if len(s.backupOfPrev) == 0 {
		return
	}
	for _, o := range s.backupOfPrev {
		from := lost
		s.pending[o.ID] = &trackedOrder{order: o, state: "Preparing", adoptedFrom: &from}
		s.logger.Infow("adopted order from lost predecessor", s.logFields("order_id", o.ID.String(), "predecessor", lost)...)
	}
	s.backupOfPrev = nil
	s.mirrorBackup()
	s.publishView()
	s.sendToLeader(wire.AdoptOrders{OldScreen: lost, NewScreen: s.id})
}

// dispatchRingMessage handles the two screen-ring message kinds (spec §6
// taxonomy): TakeMyBackup mirrors the predecessor's pending set;
// RequestRobotLeaderConnection is accepted for wire compatibility but not
// acted on, because this implementation resolves leader discovery by
// direct scan of every robot's leader port (see mirror of the same
// decision in internal/robot/membership.go for SetNextRobot/
// SetPreviousRobot, and DESIGN.md).
func (s *Screen) dispatchRingMessage(rm ringMessage) {
	switch m := rm.msg.(type) {
	case wire.TakeMyBackup:
		if !s.prevKnown {
			// The predecessor's first backup mirror self-identifies it,
			// standing in for a dedicated handshake message.
			s.prevID = m.Owner
			s.prevKnown = true
			if !s.nextKnown {
				// We bootstrapped as a ring of one (or lost our own next
				// link); the predecessor dialing in is our signal to
				// close the ring from our side too, so our own mirror
				// reaches a successor (spec §4.7: every screen mirrors to
				// successor(S), not just the one that happened to join
				// second).
				s.connectNext()
			}
			s.publishView()
		}
		s.backupOfPrev = append([]wire.Order(nil), m.Orders...)
	case wire.RequestRobotLeaderConnection:
		s.logger.Debugw("leader connection request received", s.logFields("screen", m.Screen)...)
	default:
		s.logger.Warnw("unrecognized screen ring message", s.logFields("message", m)...)
	}
}

// mirrorBackup pushes the current pending set to the successor (spec §4.7:
// "continuously mirrors its pending-order set to successor(S) on every
// change").
func (s *Screen) mirrorBackup() {
	if s.next == nil {
		return
	}
	orders := make([]wire.Order, 0, len(s.pending))
	for _, t := range s.pending {
		orders = append(orders, t.order)
	}
	if err := s.next.Send(wire.TakeMyBackup{Owner: s.id, Orders: orders}); err != nil {
		s.logger.Warnw("mirror backup failed", s.logFields("error", err)...)
	}
}
