package transport_test

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/icecream-fleet/coordinator/internal/transport"
	"github.com/icecream-fleet/coordinator/internal/wire"
)

func TestListenAcceptDialRoundTrip(t *testing.T) {
	require := require.New(t)

	ln, err := transport.Listen("127.0.0.1:0")
	require.NoError(err)
	defer ln.Close()

	acceptedCh := make(chan *transport.Link, 1)
	go func() {
		link, err := ln.Accept()
		require.NoError(err)
		acceptedCh <- link
	}()

	client, err := transport.Dial(ln.Addr())
	require.NoError(err)
	defer client.Close()

	server := <-acceptedCh
	defer server.Close()

	require.NoError(client.Send(wire.JoinRing{ID: 4}))
	msg, err := server.Recv()
	require.NoError(err)
	require.Equal(wire.JoinRing{ID: 4}, msg)
}

func TestReadLoopReportsPeerLostOnClose(t *testing.T) {
	require := require.New(t)

	ln, err := transport.Listen("127.0.0.1:0")
	require.NoError(err)
	defer ln.Close()

	acceptedCh := make(chan *transport.Link, 1)
	go func() {
		link, _ := ln.Accept()
		acceptedCh <- link
	}()

	client, err := transport.Dial(ln.Addr())
	require.NoError(err)

	server := <-acceptedCh
	require.NotNil(server)

	lostCh := make(chan error, 1)
	go server.ReadLoop(func(msg interface{}) {}, func(err error) {
		lostCh <- err
	})

	require.NoError(client.Close())

	select {
	case err := <-lostCh:
		require.Error(err)
	case <-time.After(2 * time.Second):
		t.Fatal("ReadLoop did not report peer loss in time")
	}
}

func TestRecvUnterminatedLineIsProtocolViolation(t *testing.T) {
	require := require.New(t)

	ln, err := transport.Listen("127.0.0.1:0")
	require.NoError(err)
	defer ln.Close()

	acceptedCh := make(chan *transport.Link, 1)
	go func() {
		link, _ := ln.Accept()
		acceptedCh <- link
	}()

	raw, err := net.Dial("tcp", ln.Addr())
	require.NoError(err)
	defer raw.Close()

	server := <-acceptedCh
	defer server.Close()

	_, err = raw.Write([]byte(`{"type":"JoinRing","payload":{"id":1}}`))
	require.NoError(err)
	require.NoError(raw.Close())

	_, err = server.Recv()
	require.Error(err)
	var violation *wire.ProtocolViolationError
	require.ErrorAs(err, &violation)
}

func TestNewReconnectBackoffBounds(t *testing.T) {
	require := require.New(t)

	b := transport.NewReconnectBackoff(10*time.Millisecond, 100*time.Millisecond)
	d := b.Duration()
	require.GreaterOrEqual(d, time.Duration(0))
	for i := 0; i < 10; i++ {
		d = b.Duration()
		require.LessOrEqual(d, 100*time.Millisecond)
	}
}
