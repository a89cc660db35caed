package robot

import (
	"sort"
	"time"

	"github.com/icecream-fleet/coordinator/internal/wire"
)

// orderManager implements spec §4.5: a robot holds at most one order at a
// time, serves its items in ascending FlavorId order, and opportunistically
// holds a passing token only when it names the lowest unserved flavor of
// the order currently in hand.
type orderManager struct {
	r *Robot

	current   *wire.Order
	remaining []wire.Item // sorted ascending by Flavor, not yet served

	// servingFlavor and servingHeld are set for the simulated-service
	// window between deciding to hold a token and that service completing;
	// they back both the "not currently serving another flavor" guard and
	// the shutdown-time reversal rule.
	servingFlavor *wire.FlavorId
	servingQty    uint32
	servingHeld   wire.FlavorToken
}

func newOrderManager(r *Robot) *orderManager {
	return &orderManager{r: r}
}

// onPrepareOrder assigns a new order to this robot (spec §4.6 dispatch
// target). The leader only ever assigns to an idle robot, so a second
// assignment arriving while one is already in hand would be a protocol
// violation; it is logged and dropped rather than silently clobbering the
// order already in progress.
func (om *orderManager) onPrepareOrder(order wire.Order) {
	if om.current != nil {
		om.r.logger.Warnw("order assigned while already holding one, dropping",
			om.r.logFields("held_order", om.current.ID.String(), "incoming_order", order.ID.String())...)
		return
	}
	items := append([]wire.Item(nil), order.Items...)
	sort.Slice(items, func(i, j int) bool { return items[i].Flavor < items[j].Flavor })
	om.current = &order
	om.remaining = items
	om.r.logger.Infow("order assigned", om.r.logFields(order.LogFields()...)...)
}

// wantsFlavor reports whether flavor is the next unserved item of the order
// currently in hand, and the quantity needed if so. Only the lowest unserved
// flavor is ever eligible, which is what gives the ring's serve order its
// determinism (spec §4.5).
func (om *orderManager) wantsFlavor(flavor wire.FlavorId) (qty uint32, ok bool) {
	if om.current == nil || om.servingFlavor != nil || len(om.remaining) == 0 {
		return 0, false
	}
	next := om.remaining[0]
	if next.Flavor != flavor {
		return 0, false
	}
	return next.Qty, true
}

// beginServe holds a token for the simulated service duration before it is
// forwarded back onto the ring (spec §4.4's "proceeds to serve").
func (om *orderManager) beginServe(flavor wire.FlavorId, qty uint32, held wire.FlavorToken) {
	f := flavor
	om.servingFlavor = &f
	om.servingQty = qty
	om.servingHeld = held
	delay := om.r.cluster.ExpectedServeTime
	om.r.logger.Infow("serving item", om.r.logFields("flavor", flavor, "qty", qty)...)
	r := om.r
	time.AfterFunc(delay, func() {
		r.post(serveCompleteEvent{flavor: flavor, token: held})
	})
}

// serveCompleteEvent marks the end of the simulated per-item service
// window; only then is the decremented token handed back to circulation.
type serveCompleteEvent struct {
	flavor wire.FlavorId
	token  wire.FlavorToken
}

func (om *orderManager) finishServe(e serveCompleteEvent) {
	om.servingFlavor = nil
	if len(om.remaining) > 0 && om.remaining[0].Flavor == e.flavor {
		om.remaining = om.remaining[1:]
	}
	om.r.tokens.forward(e.token)
	if om.current != nil && len(om.remaining) == 0 {
		id := om.current.ID
		om.current = nil
		om.r.logger.Infow("order complete", om.r.logFields("order_id", id.String())...)
		om.r.reportOrderOutcome(wire.OrderComplete{OrderID: id})
	}
}

// abortInsufficientStock implements spec §4.4/§4.5: a token whose remaining
// cannot satisfy the current item aborts the whole order, since there is no
// partial-fulfillment state in the taxonomy.
func (om *orderManager) abortInsufficientStock(flavor wire.FlavorId) {
	if om.current == nil {
		return
	}
	id := om.current.ID
	om.r.logger.Warnw("insufficient stock, aborting order", om.r.logFields("order_id", id.String(), "flavor", flavor)...)
	om.current = nil
	om.remaining = nil
	om.servingFlavor = nil
	om.r.reportOrderOutcome(wire.OrderNotFinished{OrderID: id, Reason: "insufficient_stock"})
}

// onShutdown implements spec §4.5's shutdown release rule: a token not yet
// finished serving is released with its decrement reversed (nothing was
// actually scooped); one that already finished keeps its decrement and the
// order simply reports unfinished, since items beyond it were never served
// either way.
func (om *orderManager) onShutdown() {
	if om.servingFlavor != nil {
		om.r.tokens.releaseReversed(om.servingHeld, om.servingQty)
		om.servingFlavor = nil
	}
	if om.current == nil {
		return
	}
	id := om.current.ID
	om.current = nil
	om.remaining = nil
	om.r.reportOrderOutcome(wire.OrderNotFinished{OrderID: id, Reason: "shutdown"})
}
