package robot

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/icecream-fleet/coordinator/internal/wire"
)

func TestPublishViewReflectsRoleAndNeighbors(t *testing.T) {
	require := require.New(t)

	r := bareRobot(t, 0, testCluster())
	r.role = Leader
	r.leader = 0
	r.epoch = 2
	r.nextID = 1
	r.nextKnown = true
	r.tokens.backup[0] = wire.FlavorToken{Flavor: 0, Remaining: 4, Version: 1}

	r.publishView()
	v := r.View()

	require.Equal(wire.RobotId(0), v.ID)
	require.Equal("leader", v.Role)
	require.Equal(uint64(2), v.Epoch)
	require.NotNil(v.NextID)
	require.Equal(wire.RobotId(1), *v.NextID)
	require.Nil(v.PrevID)
	require.Equal(uint32(4), v.TokenBackup[0].Remaining)
}

func TestRoleString(t *testing.T) {
	require := require.New(t)
	require.Equal("follower", Follower.String())
	require.Equal("electing", Electing.String())
	require.Equal("leader", Leader.String())
}
