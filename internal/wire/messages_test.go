package wire_test

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/icecream-fleet/coordinator/internal/wire"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	require := require.New(t)

	cases := []interface{}{
		wire.JoinRing{ID: 2},
		wire.SetNextRobot{ID: 1},
		wire.SetPreviousRobot{ID: 0},
		wire.Election{Originator: 1, Candidates: []wire.RobotId{1, 2}},
		wire.NewLeader{Leader: 2, Epoch: 7},
		wire.LeaderBackup{Snapshot: wire.LeaderSnapshot{
			Leader:      2,
			Epoch:       7,
			Queued:      []wire.Order{{ID: wire.OrderID{Screen: 0, Seq: 1}}},
			Assigned:    map[wire.RobotId]wire.Order{1: {ID: wire.OrderID{Screen: 0, Seq: 2}}},
			ScreenIndex: map[wire.ScreenId]wire.ScreenId{0: 1},
		}},
		wire.PrepareOrder{Order: wire.Order{ID: wire.OrderID{Screen: 0, Seq: 1}, Items: []wire.Item{{Flavor: 1, Qty: 2}}}, Assignee: 2},
		wire.OrderComplete{OrderID: wire.OrderID{Screen: 0, Seq: 1}},
		wire.OrderNotFinished{OrderID: wire.OrderID{Screen: 0, Seq: 1}, Reason: "insufficient stock"},
		wire.Token{Flavor: 1, Remaining: 5, Version: 3},
		wire.TokenProbe{Flavor: 1, Trace: []wire.TokenTraceEntry{{ID: 0, Version: 3, Remaining: 5}}},
		wire.TakeMyBackup{Owner: 1, Orders: []wire.Order{{ID: wire.OrderID{Screen: 1, Seq: 1}}}},
		wire.RequestRobotLeaderConnection{Screen: 1},
		wire.PrepareNewOrder{Order: wire.Order{ID: wire.OrderID{Screen: 1, Seq: 1}}, TraceID: "abc-123"},
		wire.OrderPrepared{OrderID: wire.OrderID{Screen: 1, Seq: 1}, TraceID: "abc-123"},
		wire.OrderAborted{OrderID: wire.OrderID{Screen: 1, Seq: 1}, Reason: "payment void", TraceID: "abc-123"},
		wire.AdoptOrders{OldScreen: 0, NewScreen: 1},
	}

	for _, msg := range cases {
		line, err := wire.Encode(msg)
		require.NoError(err)
		require.True(bytes.HasSuffix(line, []byte("\n")))

		decoded, err := wire.Decode(bytes.TrimSuffix(line, []byte("\n")))
		require.NoError(err)
		require.Equal(msg, decoded)
	}
}

func TestDecodeUnknownType(t *testing.T) {
	require := require.New(t)

	_, err := wire.Decode([]byte(`{"type":"NotARealMessage","payload":{}}`))
	require.Error(err)
	var violation *wire.ProtocolViolationError
	require.ErrorAs(err, &violation)
}

func TestDecodeMalformedEnvelope(t *testing.T) {
	require := require.New(t)

	_, err := wire.Decode([]byte(`not json at all`))
	require.Error(err)
	var violation *wire.ProtocolViolationError
	require.ErrorAs(err, &violation)
}

func TestOrderIDString(t *testing.T) {
	require := require.New(t)
	id := wire.OrderID{Screen: 3, Seq: 42}
	require.Equal("3/42", id.String())
}

func TestLeaderSnapshotCopyIsIndependent(t *testing.T) {
	require := require.New(t)

	orig := wire.LeaderSnapshot{
		Leader:      1,
		Epoch:       1,
		Queued:      []wire.Order{{ID: wire.OrderID{Screen: 0, Seq: 1}}},
		Assigned:    map[wire.RobotId]wire.Order{0: {ID: wire.OrderID{Screen: 0, Seq: 2}}},
		ScreenIndex: map[wire.ScreenId]wire.ScreenId{0: 0},
	}
	cp := orig.Copy()
	cp.Queued[0].ID.Seq = 99
	cp.Assigned[0] = wire.Order{ID: wire.OrderID{Screen: 9, Seq: 9}}
	cp.ScreenIndex[0] = 5

	require.Equal(uint64(1), orig.Queued[0].ID.Seq)
	require.Equal(uint64(2), orig.Assigned[0].ID.Seq)
	require.Equal(wire.ScreenId(0), orig.ScreenIndex[0])
}
