package robot

import (
	"github.com/icecream-fleet/coordinator/internal/wire"
)

// startElection implements the ring election algorithm of spec §4.3,
// trigger (a)/(b): initiate with a singleton candidate list and forward
// clockwise.
func (r *Robot) startElection() {
	r.alterRole(Electing)
	originator := r.id
	r.electingOriginator = &originator
	r.logger.Infow("starting election", r.logFields()...)
	r.sendNext(wire.Election{Originator: r.id, Candidates: []wire.RobotId{r.id}})
}

// handleElection implements both the per-hop append-and-forward rule and
// termination/suppression (spec §4.3).
func (r *Robot) handleElection(m wire.Election) {
	for _, c := range m.Candidates {
		if c == r.id {
			// Our id is already present: the election has gone all the
			// way around. We are the terminator.
			r.concludeElection(m.Candidates)
			return
		}
	}
	// Concurrent-election suppression: drop an incoming Election whose
	// originator is lower than one we've already propagated in this
	// round. "Already propagated" is the originator of the round this
	// robot last started or forwarded (electingOriginator), so the
	// higher originator is always the one preferred, matching spec's
	// standard suppression rule.
	if r.electingOriginator != nil && m.Originator < *r.electingOriginator {
		r.logger.Debugw("suppressing election with lower originator", r.logFields("incoming_originator", m.Originator, "current_originator", *r.electingOriginator)...)
		return
	}
	originator := m.Originator
	r.electingOriginator = &originator
	r.alterRole(Electing)
	candidates := append(append([]wire.RobotId(nil), m.Candidates...), r.id)
	r.sendNext(wire.Election{Originator: m.Originator, Candidates: candidates})
}

// concludeElection picks the winner using only this robot's own stored
// backup: a candidate named as leader in that backup outranks every other
// candidate, and otherwise the highest id wins. Backups held by the other
// candidates are not consulted. With no backup stored (as at bootstrap),
// highest id wins outright.
func (r *Robot) concludeElection(candidates []wire.RobotId) {
	var winner wire.RobotId = -1
	for _, c := range candidates {
		hasBackup := r.led.hasBackupFor(c)
		if winner == -1 {
			winner = c
			continue
		}
		winnerHasBackup := r.led.hasBackupFor(winner)
		switch {
		case hasBackup && !winnerHasBackup:
			winner = c
		case hasBackup == winnerHasBackup && c > winner:
			winner = c
		}
	}
	newEpoch := r.epoch + 1
	r.logger.Infow("election concluded", r.logFields("winner", winner, "new_epoch", newEpoch)...)
	r.electingOriginator = nil
	r.sendNext(wire.NewLeader{Leader: winner, Epoch: newEpoch})
	r.applyNewLeader(winner, newEpoch)
}

// handleNewLeader applies the outcome and forwards it on, stopping only
// once the message has travelled the full cycle back to the winner
// (spec §4.3: "the winner stops the forwarding when the message
// returns").
func (r *Robot) handleNewLeader(m wire.NewLeader) {
	if r.id == m.Leader {
		// Full cycle completed: this is our own broadcast returning.
		// We already applied it in concludeElection; stop forwarding.
		return
	}
	r.applyNewLeader(m.Leader, m.Epoch)
	r.sendNext(m)
}

// applyNewLeader transitions role/leader/epoch once, whether we are the
// winner, a follower, or mid-election ourselves.
func (r *Robot) applyNewLeader(leader wire.RobotId, epoch uint64) {
	r.electingOriginator = nil
	r.alterEpoch(epoch)
	r.alterLeader(leader)
	if leader == r.id {
		r.alterRole(Leader)
		r.led.onElected(epoch)
	} else {
		r.alterRole(Follower)
		r.led.onDemoted()
	}
}
