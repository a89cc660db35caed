package screen

import (
	"time"

	"github.com/google/uuid"

	"github.com/icecream-fleet/coordinator/internal/transport"
	"github.com/icecream-fleet/coordinator/internal/wire"
)

// --- leader link management --------------------------------------------------

type leaderLinkEstablished struct {
	gen  int
	link *transport.Link
}

type leaderLinkLost struct {
	gen int
	err error
}

type leaderMessage struct {
	msg interface{}
}

// sendToLeader queues msg for the robot leader, opening (or reopening) the
// link on demand if it isn't already up.
func (s *Screen) sendToLeader(msg interface{}) {
	if s.leaderLink != nil {
		if err := s.leaderLink.Send(msg); err == nil {
			return
		}
		_ = s.leaderLink.Close()
		s.leaderLink = nil
		s.publishView()
	}
	s.leaderOut = append(s.leaderOut, msg)
	s.ensureLeaderDialing()
}

func (s *Screen) ensureLeaderDialing() {
	if s.leaderDialing {
		return
	}
	s.leaderDialing = true
	s.leaderDialGen++
	gen := s.leaderDialGen
	go s.dialLeaderLoop(gen)
}

// dialLeaderLoop scans every robot's leader-only port (only the current
// leader has it open) with RECONNECT_BACKOFF between full sweeps, standing
// in for spec §4.7's "S opens its leader link lazily" (see DESIGN.md for
// why this implementation resolves leader discovery by direct scan rather
// than the ring-relayed RequestRobotLeaderConnection).
func (s *Screen) dialLeaderLoop(gen int) {
	b := transport.NewReconnectBackoff(s.cluster.ReconnectBackoffMin, s.cluster.ReconnectBackoffMax)
	for {
		for i := 0; i < s.cluster.MaxRobots; i++ {
			link, err := transport.Dial(s.cluster.RobotLeaderAddr(wire.RobotId(i)))
			if err != nil {
				continue
			}
			s.post(leaderLinkEstablished{gen: gen, link: link})
			return
		}
		select {
		case <-s.shutdownCh:
			return
		case <-time.After(b.Duration()):
		}
	}
}

func (s *Screen) handleLeaderLinkEstablished(e leaderLinkEstablished) {
	if e.gen != s.leaderDialGen {
		_ = e.link.Close()
		return
	}
	s.leaderLink = e.link
	s.leaderDialing = false
	s.logger.Infow("leader link established", s.logFields()...)
	go e.link.ReadLoop(func(msg interface{}) {
		s.post(leaderMessage{msg: msg})
	}, func(err error) {
		s.post(leaderLinkLost{gen: e.gen, err: err})
	})
	s.publishView()
	pending := s.leaderOut
	s.leaderOut = nil
	for _, msg := range pending {
		if err := s.leaderLink.Send(msg); err != nil {
			s.logger.Warnw("resend to leader failed", s.logFields("error", err)...)
			s.leaderOut = append(s.leaderOut, msg)
		}
	}
	if len(s.leaderOut) > 0 {
		_ = s.leaderLink.Close()
		s.leaderLink = nil
		s.ensureLeaderDialing()
	}
}

func (s *Screen) handleLeaderLinkLost(e leaderLinkLost) {
	if e.gen != s.leaderDialGen {
		return
	}
	s.logger.Infow("leader link lost", s.logFields("error", e.err)...)
	s.leaderLink = nil
	s.publishView()
	if len(s.leaderOut) > 0 || len(s.pending) > 0 {
		s.ensureLeaderDialing()
	}
}

func (s *Screen) dispatchLeaderMessage(msg interface{}) {
	switch m := msg.(type) {
	case wire.OrderPrepared:
		s.onOrderPrepared(m.OrderID)
	case wire.OrderAborted:
		s.onOrderAborted(m.OrderID, m.Reason)
	default:
		s.logger.Warnw("unrecognized leader message", s.logFields("message", m)...)
	}
}

// --- 2PC coordinator (spec §4.8) ---------------------------------------------

type submitOrderEvent struct {
	items []wire.Item
}

type captureResult struct {
	order wire.Order
	err   error
}

// onSubmitOrder implements phase 1: payment capture at the gateway,
// entirely before the leader ever learns about the order.
func (s *Screen) onSubmitOrder(items []wire.Item) {
	s.nextSeq++
	id := wire.OrderID{Screen: s.id, Seq: s.nextSeq}
	order := wire.Order{ID: id, Screen: s.id, Items: items}
	s.logger.Infow("capturing payment", s.logFields(order.LogFields()...)...)
	go func() {
		err := s.gateway.Capture(id)
		s.post(captureResult{order: order, err: err})
	}()
}

func (s *Screen) onCaptureResult(e captureResult) {
	if e.err != nil {
		s.logger.Warnw("payment capture failed, order never sent to leader",
			s.logFields("order_id", e.order.ID.String(), "error", e.err)...)
		return
	}
	traceID := uuid.New().String()
	s.logger.Infow("payment captured, entering preparing", s.logFields("order_id", e.order.ID.String(), "trace_id", traceID)...)
	s.pending[e.order.ID] = &trackedOrder{order: e.order, state: "Preparing", traceID: traceID}
	s.mirrorBackup()
	s.publishView()
	s.sendToLeader(wire.PrepareNewOrder{Order: e.order, TraceID: traceID})
}

// onOrderPrepared implements phase 3's success branch: confirm (settle)
// the captured payment and clear the order from the replicated backup.
func (s *Screen) onOrderPrepared(id wire.OrderID) {
	t, ok := s.pending[id]
	if !ok {
		s.logger.Debugw("OrderPrepared for unknown order", s.logFields("order_id", id.String())...)
		return
	}
	if err := s.gateway.Confirm(id); err != nil {
		s.logger.Warnw("gateway confirm failed", s.logFields("order_id", id.String(), "error", err)...)
	}
	delete(s.pending, id)
	s.logger.Infow("order confirmed", s.logFields("order_id", id.String(), "trace_id", t.traceID)...)
	s.mirrorBackup()
	s.publishView()
}

// onOrderAborted implements phase 3's failure branch: void the captured
// payment and clear the order from the replicated backup.
func (s *Screen) onOrderAborted(id wire.OrderID, reason string) {
	t, ok := s.pending[id]
	if !ok {
		s.logger.Debugw("OrderAborted for unknown order", s.logFields("order_id", id.String())...)
		return
	}
	if err := s.gateway.Void(id); err != nil {
		s.logger.Warnw("gateway void failed", s.logFields("order_id", id.String(), "error", err)...)
	}
	delete(s.pending, id)
	s.logger.Infow("order voided", s.logFields("order_id", id.String(), "reason", reason, "trace_id", t.traceID)...)
	s.mirrorBackup()
	s.publishView()
}
