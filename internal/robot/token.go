package robot

import (
	"sort"
	"time"

	"github.com/icecream-fleet/coordinator/internal/wire"
)

// tokenService owns the per-flavor circulating FlavorToken state machine of
// spec §4.4: hold-and-serve, depleted-beacon forwarding, the lost-token
// timer, and TokenProbe-based recovery.
type tokenService struct {
	r *Robot

	backup map[wire.FlavorId]wire.FlavorToken
	timers map[wire.FlavorId]*time.Timer

	// probing is set for a flavor from the moment this robot originates a
	// TokenProbe until that probe completes its cycle; tokenSighted latches
	// true if a real token for that flavor is observed while probing, which
	// gates fresh-token emission at probe completion (spec §4.4: "a real
	// token observed during a probe abandons it").
	probing      map[wire.FlavorId]bool
	tokenSighted map[wire.FlavorId]bool
}

func newTokenService(r *Robot) *tokenService {
	return &tokenService{
		r:            r,
		backup:       map[wire.FlavorId]wire.FlavorToken{},
		timers:       map[wire.FlavorId]*time.Timer{},
		probing:      map[wire.FlavorId]bool{},
		tokenSighted: map[wire.FlavorId]bool{},
	}
}

// start arms the lost-token timer for every configured flavor so a robot
// that joins an existing ring still detects a token that never arrives.
func (ts *tokenService) start() {
	for _, f := range ts.r.cluster.FlavorIDs() {
		ts.resetTimer(f)
	}
}

// bootstrapGenesis mints the INITIAL_QTY token for every flavor when this
// robot founds a brand-new ring of one (spec §4.2 bootstrap rule, §4.4).
func (ts *tokenService) bootstrapGenesis() {
	for _, f := range ts.r.cluster.FlavorIDs() {
		qty := ts.r.cluster.InitialQuantities()[f]
		token := wire.FlavorToken{Flavor: f, Remaining: qty, Version: 1}
		ts.backup[f] = token
		ts.resetTimer(f)
		ts.r.logger.Infow("minted genesis token", ts.r.logFields("flavor", f, "remaining", qty)...)
		ts.r.loopbackOrSend(wire.TokenFromFlavorToken(token))
	}
}

// snapshot returns the last-observed token per flavor, for RobotView.
func (ts *tokenService) snapshot() map[wire.FlavorId]wire.FlavorToken {
	out := make(map[wire.FlavorId]wire.FlavorToken, len(ts.backup))
	for f, t := range ts.backup {
		out[f] = t
	}
	return out
}

func (ts *tokenService) resetTimer(flavor wire.FlavorId) {
	if old, ok := ts.timers[flavor]; ok {
		old.Stop()
	}
	ts.timers[flavor] = time.AfterFunc(ts.r.cluster.TokenTimeout, func() {
		ts.r.post(tokenTimeoutEvent{flavor: flavor})
	})
}

// tokenTimeoutEvent fires when a flavor's token has not been observed
// circulating for TOKEN_TIMEOUT (spec §4.4 lost-token detection).
type tokenTimeoutEvent struct {
	flavor wire.FlavorId
}

// onTokenArrived implements spec §4.4 step 1: hold-and-serve if the current
// order needs this flavor next and the robot isn't already mid-service for
// another flavor; otherwise forward unchanged. A token with Remaining==0
// always forwards, never held, so it keeps circulating as a depleted
// beacon for the rest of the ring to see.
func (ts *tokenService) onTokenArrived(token wire.FlavorToken) {
	ts.backup[token.Flavor] = token
	ts.resetTimer(token.Flavor)

	if ts.probing[token.Flavor] {
		ts.tokenSighted[token.Flavor] = true
	}

	neededQty, wants := ts.r.orders.wantsFlavor(token.Flavor)
	if !wants || token.Remaining == 0 {
		ts.r.loopbackOrSend(wire.TokenFromFlavorToken(token))
		return
	}
	if token.Remaining < neededQty {
		ts.r.loopbackOrSend(wire.TokenFromFlavorToken(token))
		ts.r.orders.abortInsufficientStock(token.Flavor)
		return
	}

	held := wire.FlavorToken{Flavor: token.Flavor, Remaining: token.Remaining - neededQty, Version: token.Version + 1}
	ts.backup[token.Flavor] = held
	ts.r.orders.beginServe(token.Flavor, neededQty, held)
	// The token itself does not go back on the ring until service
	// completes (order_manager's serveCompleteEvent); the other end of
	// the "currently serving another flavor" guard is what keeps this
	// from stalling the ring indefinitely: every other flavor's token
	// keeps circulating independently in the meantime.
}

// forward resumes circulation of a token once this robot is done holding it
// (spec §4.4 step 3: "after serving, R forwards the updated token").
func (ts *tokenService) forward(token wire.FlavorToken) {
	ts.backup[token.Flavor] = token
	ts.resetTimer(token.Flavor)
	ts.r.loopbackOrSend(wire.TokenFromFlavorToken(token))
}

// releaseReversed undoes a decrement that was never actually served,
// because the robot is shutting down mid-hold (spec §4.5 shutdown rule):
// the quantity is credited back and the token keeps circulating.
func (ts *tokenService) releaseReversed(held wire.FlavorToken, qty uint32) {
	restored := wire.FlavorToken{Flavor: held.Flavor, Remaining: held.Remaining + qty, Version: held.Version + 1}
	ts.forward(restored)
}

// onTimeout implements spec §4.4's lost-token recovery trigger: if no probe
// is already in flight for this flavor, originate one.
func (ts *tokenService) onTimeout(flavor wire.FlavorId) {
	if ts.probing[flavor] {
		return
	}
	ts.r.logger.Warnw("token timeout, starting recovery probe", ts.r.logFields("flavor", flavor)...)
	ts.probing[flavor] = true
	ts.tokenSighted[flavor] = false
	last := ts.backup[flavor]
	probe := wire.TokenProbe{
		Flavor: flavor,
		Trace:  []wire.TokenTraceEntry{{ID: ts.r.id, Version: last.Version, Remaining: last.Remaining}},
	}
	ts.r.loopbackOrSend(probe)
}

// onProbeArrived implements spec §4.4's TokenProbe protocol: append this
// robot's knowledge and forward, unless the probe has travelled the full
// cycle back to its originator, in which case it is concluded.
func (ts *tokenService) onProbeArrived(probe wire.TokenProbe) {
	if len(probe.Trace) > 0 && probe.Trace[0].ID == ts.r.id && ts.probing[probe.Flavor] {
		ts.completeProbe(probe)
		return
	}
	last := ts.backup[probe.Flavor]
	entry := wire.TokenTraceEntry{ID: ts.r.id, Version: last.Version, Remaining: last.Remaining}
	probe.Trace = append(append([]wire.TokenTraceEntry(nil), probe.Trace...), entry)
	ts.r.loopbackOrSend(probe)
}

// completeProbe picks the surviving token value (highest version, ties
// broken by lowest remaining) and re-emits it as a fresh token, unless a
// real token for this flavor was sighted while the probe was in flight.
func (ts *tokenService) completeProbe(probe wire.TokenProbe) {
	defer func() {
		ts.probing[probe.Flavor] = false
		ts.tokenSighted[probe.Flavor] = false
	}()
	if ts.tokenSighted[probe.Flavor] {
		ts.r.logger.Infow("probe abandoned, real token observed in flight", ts.r.logFields("flavor", probe.Flavor)...)
		return
	}
	entries := append([]wire.TokenTraceEntry(nil), probe.Trace...)
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].Version != entries[j].Version {
			return entries[i].Version > entries[j].Version
		}
		return entries[i].Remaining < entries[j].Remaining
	})
	chosen := entries[0]
	fresh := wire.FlavorToken{Flavor: probe.Flavor, Remaining: chosen.Remaining, Version: chosen.Version + 1}
	ts.backup[probe.Flavor] = fresh
	ts.r.logger.Infow("probe concluded, reissuing token", ts.r.logFields("flavor", probe.Flavor, "remaining", fresh.Remaining, "version", fresh.Version)...)
	ts.resetTimer(probe.Flavor)
	ts.r.loopbackOrSend(wire.TokenFromFlavorToken(fresh))
}
