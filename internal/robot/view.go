package robot

import "github.com/icecream-fleet/coordinator/internal/wire"

// RobotView is a read-only snapshot of a robot's externally observable
// state, adapted from the teacher's ServerStates/Info() introspection
// surface for use by operators and tests.
type RobotView struct {
	ID     wire.RobotId
	Role   string
	Leader wire.RobotId
	Epoch  uint64

	NextID *wire.RobotId
	PrevID *wire.RobotId

	TokenBackup map[wire.FlavorId]wire.FlavorToken
}
