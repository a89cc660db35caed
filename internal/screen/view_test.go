package screen

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/icecream-fleet/coordinator/internal/wire"
)

func TestPublishViewReflectsNeighborsAndPending(t *testing.T) {
	require := require.New(t)

	s := bareScreen(t, 0, testCluster())
	s.nextID = 1
	s.nextKnown = true
	s.prevID = 2
	s.prevKnown = true
	order := wire.Order{ID: wire.OrderID{Screen: 0, Seq: 1}}
	s.pending[order.ID] = &trackedOrder{order: order, state: "Preparing"}

	s.publishView()
	v := s.View()

	require.Equal(wire.ScreenId(0), v.ID)
	require.NotNil(v.NextID)
	require.Equal(wire.ScreenId(1), *v.NextID)
	require.NotNil(v.PrevID)
	require.Equal(wire.ScreenId(2), *v.PrevID)
	require.Len(v.Pending, 1)
	require.Equal(order.ID, v.Pending[0])
}

func TestPublishViewReflectsLeaderLinkState(t *testing.T) {
	require := require.New(t)

	s := bareScreen(t, 0, testCluster())
	s.publishView()
	require.False(s.View().LeaderLinkOpen)

	client, server := linkPair(t)
	defer client.Close()
	defer server.Close()
	s.leaderLink = client
	s.publishView()
	require.True(s.View().LeaderLinkOpen)
}
