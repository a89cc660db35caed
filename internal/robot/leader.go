// leaderState implements spec §4.6 (robot leader) and the leader side of
// §4.8's phase 2/3 notifications. It is only "live" (accepting orders,
// dispatching, listening for screens) while the owning Robot's role is
// Leader; every other robot still keeps a leaderState around purely to
// hold the replicated backup copy used as election tie-break material
// and as the seed for becoming leader itself.
package robot

import (
	"github.com/icecream-fleet/coordinator/internal/transport"
	"github.com/icecream-fleet/coordinator/internal/wire"
)

type leaderState struct {
	r *Robot

	// snapshot is authoritative only while r.role == Leader.
	snapshot wire.LeaderSnapshot

	// backup is the most recent LeaderBackup this robot has observed,
	// used by concludeElection's hasBackupFor tie-break and as the seed
	// for the next epoch's snapshot when this robot wins.
	haveBackup bool
	backup     wire.LeaderSnapshot

	roundRobinCursor int

	screenListener *transport.Listener
	screenLinks    map[wire.ScreenId]*transport.Link

	// traceByOrder carries the screen's correlation id through to the
	// eventual OrderPrepared/OrderAborted notification; it is pure log
	// plumbing, never consulted for any business decision.
	traceByOrder map[wire.OrderID]string
}

func newLeaderState(r *Robot) *leaderState {
	return &leaderState{
		r:            r,
		snapshot:     emptySnapshot(r.id, 0),
		screenLinks:  map[wire.ScreenId]*transport.Link{},
		traceByOrder: map[wire.OrderID]string{},
	}
}

func (ls *leaderState) hasBackupFor(id wire.RobotId) bool {
	return ls.haveBackup && ls.backup.Leader == id
}

// bootstrapAsSoleLeader seeds an empty snapshot at epoch 0 (spec §4.3
// bootstrap rule).
func (ls *leaderState) bootstrapAsSoleLeader() {
	ls.snapshot = emptySnapshot(ls.r.id, 0)
	ls.openScreenListener()
}

// onElected reconstructs the leader's working snapshot from the last
// replicated backup it observed, re-queuing at the head every order that
// backup lists as assigned, whichever robot it was assigned to (spec §4.3,
// §4.6, invariant I4).
func (ls *leaderState) onElected(epoch uint64) {
	var seed wire.LeaderSnapshot
	if ls.haveBackup {
		seed = ls.backup.Copy()
	} else {
		seed = emptySnapshot(ls.r.id, epoch)
	}
	seed.Leader = ls.r.id
	seed.Epoch = epoch
	// Assigned entries from the prior leader's last replicated snapshot
	// become this leader's queue; re-queued at the head (I4).
	var requeued []wire.Order
	for _, o := range seed.Assigned {
		requeued = append(requeued, o)
	}
	seed.Assigned = map[wire.RobotId]wire.Order{}
	seed.Queued = append(requeued, seed.Queued...)
	ls.snapshot = seed
	ls.openScreenListener()
	ls.dispatchIdle()
	ls.replicate()
	for s := range ls.snapshot.ScreenIndex {
		ls.reopenScreen(s)
	}
	for _, o := range ls.snapshot.Queued {
		ls.reopenScreen(o.Screen)
	}
	for _, o := range ls.snapshot.Assigned {
		ls.reopenScreen(o.Screen)
	}
}

func (ls *leaderState) onDemoted() {
	ls.closeAllScreenLinks()
}

func emptySnapshot(leader wire.RobotId, epoch uint64) wire.LeaderSnapshot {
	return wire.LeaderSnapshot{
		Leader:      leader,
		Epoch:       epoch,
		Assigned:    map[wire.RobotId]wire.Order{},
		ScreenIndex: map[wire.ScreenId]wire.ScreenId{},
	}
}

// AcceptOrder implements spec §4.6 accept_order. A zero-item order is an
// edge case called out in spec §8: it is immediately Confirmed, never
// queued or dispatched.
func (ls *leaderState) AcceptOrder(order wire.Order) {
	ls.snapshot.ScreenIndex[order.Screen] = order.Screen
	if len(order.Items) == 0 {
		ls.r.logger.Infow("zero-item order, completing immediately", ls.r.logFields("order_id", order.ID.String())...)
		ls.notifyScreen(order.Screen, wire.OrderPrepared{OrderID: order.ID, TraceID: ls.takeTrace(order.ID)})
		ls.replicate()
		return
	}
	ls.snapshot.Queued = append(ls.snapshot.Queued, order)
	ls.replicate()
	ls.dispatchIdle()
}

// dispatchIdle assigns queued orders to idle robots round-robin across
// ids, as spec §4.6 requires.
func (ls *leaderState) dispatchIdle() {
	for len(ls.snapshot.Queued) > 0 {
		robot, ok := ls.nextIdleRobot()
		if !ok {
			return
		}
		order := ls.snapshot.Queued[0]
		ls.snapshot.Queued = ls.snapshot.Queued[1:]
		ls.snapshot.Assigned[robot] = order
		ls.r.logger.Infow("assigning order", ls.r.logFields("order_id", order.ID.String(), "robot", robot)...)
		ls.replicate()
		if robot == ls.r.id {
			// The leader assigned the order to itself: there is nothing to
			// route through the ring, the destination is already reached.
			ls.r.orders.onPrepareOrder(order)
			continue
		}
		ls.r.sendNext(wire.PrepareOrder{Order: order, Assignee: robot})
	}
}

func (ls *leaderState) nextIdleRobot() (wire.RobotId, bool) {
	n := ls.r.cluster.MaxRobots
	for i := 0; i < n; i++ {
		candidate := wire.RobotId((ls.roundRobinCursor + i) % n)
		if _, busy := ls.snapshot.Assigned[candidate]; busy {
			continue
		}
		ls.roundRobinCursor = (int(candidate) + 1) % n
		return candidate, true
	}
	return 0, false
}

func (ls *leaderState) onOrderComplete(_ wire.RobotId, id wire.OrderID) {
	robot, order, ok := ls.findAssigned(id)
	if !ok {
		return
	}
	delete(ls.snapshot.Assigned, robot)
	ls.r.logger.Infow("order complete", ls.r.logFields("order_id", id.String(), "robot", robot)...)
	ls.notifyScreen(order.Screen, wire.OrderPrepared{OrderID: id, TraceID: ls.takeTrace(id)})
	ls.replicate()
	ls.dispatchIdle()
}

func (ls *leaderState) onOrderNotFinished(id wire.OrderID, reason string) {
	ls.onOrderAborted(id, reason)
}

func (ls *leaderState) onOrderAborted(id wire.OrderID, reason string) {
	robot, order, ok := ls.findAssigned(id)
	if !ok {
		return
	}
	delete(ls.snapshot.Assigned, robot)
	ls.r.logger.Infow("order aborted", ls.r.logFields("order_id", id.String(), "robot", robot, "reason", reason)...)
	ls.notifyScreen(order.Screen, wire.OrderAborted{OrderID: id, Reason: reason, TraceID: ls.takeTrace(id)})
	ls.replicate()
	ls.dispatchIdle()
}

// takeTrace consumes and clears this order's correlation id, so a stale
// one never leaks onto a future order_id that happens to be reused after a
// full cycle of ScreenId/seq wraparound.
func (ls *leaderState) takeTrace(id wire.OrderID) string {
	t := ls.traceByOrder[id]
	delete(ls.traceByOrder, id)
	return t
}

func (ls *leaderState) findAssigned(id wire.OrderID) (wire.RobotId, wire.Order, bool) {
	for robot, order := range ls.snapshot.Assigned {
		if order.ID == id {
			return robot, order, true
		}
	}
	return 0, wire.Order{}, false
}

// onRobotLost implements spec §4.6 on_robot_lost: re-queue the lost
// robot's assigned order at the head of the queue (I4), then re-dispatch.
func (ls *leaderState) onRobotLost(robot wire.RobotId) {
	order, ok := ls.snapshot.Assigned[robot]
	if !ok {
		return
	}
	delete(ls.snapshot.Assigned, robot)
	ls.snapshot.Queued = append([]wire.Order{order}, ls.snapshot.Queued...)
	ls.r.logger.Infow("robot lost, requeuing its order", ls.r.logFields("robot", robot, "order_id", order.ID.String())...)
	ls.replicate()
	ls.dispatchIdle()
}

// onAdoptOrders implements spec §4.6 on_adopt_orders: rewrite the screen
// index so future notifications for orders originating from the dead
// screen flow to its successor.
func (ls *leaderState) onAdoptOrders(old, newScreen wire.ScreenId) {
	ls.snapshot.ScreenIndex[old] = newScreen
	ls.r.logger.Infow("adopting orders", ls.r.logFields("old_screen", old, "new_screen", newScreen)...)
	ls.reopenScreen(newScreen)
	ls.replicate()
}

// notifyScreen routes a screen-bound notification through the current
// screen_index redirection (spec §4.6 on_adopt_orders) before sending.
func (ls *leaderState) notifyScreen(origin wire.ScreenId, msg interface{}) {
	target := origin
	if redirect, ok := ls.snapshot.ScreenIndex[origin]; ok {
		target = redirect
	}
	link, ok := ls.screenLinks[target]
	if !ok {
		ls.r.logger.Warnw("no link to notify screen", ls.r.logFields("screen", target)...)
		return
	}
	if err := link.Send(msg); err != nil {
		ls.r.logger.Warnw("notify screen failed", ls.r.logFields("screen", target, "error", err)...)
	}
}

// replicate broadcasts the leader's snapshot to all followers before any
// mutation is considered durable (spec §4.6). The broadcast travels the
// same ring channel as everything else; it completes one full cycle and
// is then dropped by the originating leader.
func (ls *leaderState) replicate() {
	ls.r.loopbackOrSend(wire.LeaderBackup{Snapshot: ls.snapshot.Copy()})
}

// handleLeaderBackup is the follower side: overwrite the stored backup,
// forward it on unless we originated it (full cycle complete).
func (r *Robot) handleLeaderBackup(m wire.LeaderBackup) {
	if r.role == Leader && m.Snapshot.Leader == r.id {
		return // our own broadcast has returned; stop forwarding
	}
	r.led.haveBackup = true
	r.led.backup = m.Snapshot.Copy()
	r.sendNext(m)
}

func (ls *leaderState) openScreenListener() {
	if ls.screenListener != nil {
		return
	}
	ln, err := transport.Listen(ls.r.cluster.RobotLeaderAddr(ls.r.id))
	if err != nil {
		ls.r.logger.Warnw("failed to open screen listener", ls.r.logFields("error", err)...)
		return
	}
	ls.screenListener = ln
	go ls.acceptScreenLoop(ln)
}

func (ls *leaderState) acceptScreenLoop(ln *transport.Listener) {
	for {
		link, err := ln.Accept()
		if err != nil {
			return
		}
		ls.r.post(screenInboundAccepted{link: link})
	}
}

// reopenScreen proactively dials a screen the leader already has a
// relationship with (spec §4.3: "re-opens screen connections known from
// its snapshot"), used after election so screens that submitted to the
// old leader don't have to notice and rediscover on their own.
func (ls *leaderState) reopenScreen(id wire.ScreenId) {
	if _, ok := ls.screenLinks[id]; ok {
		return
	}
	link, err := transport.Dial(ls.r.cluster.ScreenAddr(id))
	if err != nil {
		return
	}
	ls.attachScreenLink(id, link)
}

func (ls *leaderState) attachScreenLink(id wire.ScreenId, link *transport.Link) {
	if old, ok := ls.screenLinks[id]; ok {
		_ = old.Close()
	}
	ls.screenLinks[id] = link
	go link.ReadLoop(func(msg interface{}) {
		ls.r.post(screenMessage{screen: id, msg: msg})
	}, func(err error) {
		ls.r.post(screenLinkLostEvent{screen: id})
	})
}

func (ls *leaderState) closeAllScreenLinks() {
	for id, link := range ls.screenLinks {
		_ = link.Close()
		delete(ls.screenLinks, id)
	}
	if ls.screenListener != nil {
		_ = ls.screenListener.Close()
		ls.screenListener = nil
	}
}

// --- mailbox events for the screen-facing side ------------------------------

type screenInboundAccepted struct {
	link *transport.Link
}

type screenMessage struct {
	screen wire.ScreenId
	msg    interface{}
}

type screenLinkLostEvent struct {
	screen wire.ScreenId
}

func (ls *leaderState) handleScreenInboundAccepted(e screenInboundAccepted) {
	// The screen's identity is learned from its first message, all of
	// which are self-identifying (PrepareNewOrder.Order.Screen,
	// AdoptOrders.NewScreen). We peek one message to learn it, then
	// attach normally.
	msg, err := e.link.Recv()
	if err != nil {
		_ = e.link.Close()
		return
	}
	id, ok := screenIdentityOf(msg)
	if !ok {
		ls.r.logger.Warnw("first message from screen did not self-identify", ls.r.logFields()...)
		_ = e.link.Close()
		return
	}
	ls.attachScreenLink(id, e.link)
	ls.dispatchScreenMessage(screenMessage{screen: id, msg: msg})
}

func screenIdentityOf(msg interface{}) (wire.ScreenId, bool) {
	switch m := msg.(type) {
	case wire.PrepareNewOrder:
		return m.Order.Screen, true
	case wire.AdoptOrders:
		return m.NewScreen, true
	default:
		return 0, false
	}
}

func (ls *leaderState) handleScreenLinkLost(id wire.ScreenId) {
	// Spec §4.6 on_screen_lost: no automatic action. The successor
	// screen will issue AdoptOrders redirecting s's pending orders.
	delete(ls.screenLinks, id)
	ls.r.logger.Infow("screen link lost", ls.r.logFields("screen", id)...)
}

func (ls *leaderState) dispatchScreenMessage(e screenMessage) {
	switch m := e.msg.(type) {
	case wire.PrepareNewOrder:
		if m.TraceID != "" {
			ls.traceByOrder[m.Order.ID] = m.TraceID
		}
		ls.AcceptOrder(m.Order)
	case wire.AdoptOrders:
		ls.onAdoptOrders(m.OldScreen, m.NewScreen)
	default:
		ls.r.logger.Warnw("unrecognized screen message", ls.r.logFields("message", m)...)
	}
}
