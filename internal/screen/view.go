package screen

import "github.com/icecream-fleet/coordinator/internal/wire"

// View is a read-only snapshot of a screen's externally observable state.
type View struct {
	ID wire.ScreenId

	NextID *wire.ScreenId
	PrevID *wire.ScreenId

	LeaderLinkOpen bool
	Pending        []wire.OrderID
}
