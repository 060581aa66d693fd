package receiver

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"golang.org/x/net/ipv4"
	"golang.org/x/sys/unix"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/malbeclabs/shredrace/internal/bufpool"
	"github.com/malbeclabs/shredrace/internal/clock"
	"github.com/malbeclabs/shredrace/internal/core"
)

func TestNew_RejectsMissingSourceID(t *testing.T) {
	_, err := New(Config{MulticastAddr: "239.0.0.1", Port: 5000})
	require.Error(t, err)
	assert.ErrorIs(t, err, core.ErrConfig)
}

func TestNew_RejectsNonMulticastAddr(t *testing.T) {
	_, err := New(Config{SourceID: "s1", MulticastAddr: "10.0.0.1", Port: 5000})
	require.Error(t, err)
	assert.ErrorIs(t, err, core.ErrConfig)
}

func TestNew_RejectsZeroPort(t *testing.T) {
	_, err := New(Config{SourceID: "s1", MulticastAddr: "239.0.0.1", Port: 0})
	require.Error(t, err)
	assert.ErrorIs(t, err, core.ErrConfig)
}

func TestNew_Valid(t *testing.T) {
	r, err := New(Config{SourceID: "s1", MulticastAddr: "239.0.0.1", Port: 5000})
	require.NoError(t, err)
	assert.NotNil(t, r)
	assert.Equal(t, "doublezero1", r.cfg.InterfaceName)
	assert.Equal(t, DefaultBatchSize, r.cfg.BatchSize)
}

// newLoopbackConn gives recvLoop a real ipv4.PacketConn without requiring an
// actual multicast join, mirroring mcastrelay's TestableListener pattern.
func newLoopbackConn(t *testing.T) (*ipv4.PacketConn, *net.UDPConn) {
	t.Helper()
	recvConn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 0})
	require.NoError(t, err)

	sendConn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 0})
	require.NoError(t, err)

	return ipv4.NewPacketConn(recvConn), sendConn
}

func TestRecvLoop_EmitsRawShred(t *testing.T) {
	r, err := New(Config{
		SourceID:      "s1",
		MulticastAddr: "239.0.0.1",
		Port:          5000,
		BatchSize:     4,
		QueueSize:     8,
		Clock:         clock.NewSource(nil),
		Pool:          bufpool.New(),
	})
	require.NoError(t, err)

	pc, sender := newLoopbackConn(t)
	defer sender.Close()
	target := pc.LocalAddr()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- r.recvLoop(ctx, pc) }()

	time.Sleep(10 * time.Millisecond)

	udpTarget, err := net.ResolveUDPAddr("udp4", target.String())
	require.NoError(t, err)
	payload := []byte("synthetic shred datagram")
	_, err = sender.WriteToUDP(payload, udpTarget)
	require.NoError(t, err)

	select {
	case rs := <-r.Out():
		assert.Equal(t, "s1", rs.SourceID)
		assert.Equal(t, payload, rs.Buf.Data)
		rs.Buf.Release()
	case <-time.After(2 * time.Second):
		t.Fatal("did not receive a RawShred")
	}

	cancel()
	pc.Close()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("recvLoop did not exit after cancel")
	}
}

func TestRecvLoop_DropsOnFullQueue(t *testing.T) {
	r, err := New(Config{
		SourceID:      "s1",
		MulticastAddr: "239.0.0.1",
		Port:          5000,
		BatchSize:     4,
		QueueSize:     1,
		Clock:         clock.NewSource(nil),
		Pool:          bufpool.New(),
	})
	require.NoError(t, err)

	pc, sender := newLoopbackConn(t)
	defer sender.Close()
	target := pc.LocalAddr()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- r.recvLoop(ctx, pc) }()

	time.Sleep(10 * time.Millisecond)
	udpTarget, err := net.ResolveUDPAddr("udp4", target.String())
	require.NoError(t, err)

	for i := 0; i < 10; i++ {
		_, err := sender.WriteToUDP([]byte("x"), udpTarget)
		require.NoError(t, err)
	}

	assert.Eventually(t, func() bool {
		return r.Dropped() > 0
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	pc.Close()
	select {
	case <-done:
	case <-time.After(time.Second):
	}
}

// TestRealtimeMonotonicOffset_ConvertsKernelTimestampToSourceTimeline guards
// against feeding a non-monotonic time.Unix() value into
// clock.Source.FromWallClock (which would silently fall back to
// wall-clock-only subtraction and reintroduce NTP slew): the offset
// calibrated from CLOCK_REALTIME/CLOCK_MONOTONIC must map a fresh
// CLOCK_REALTIME reading onto roughly the same point on src's elapsed-ns
// timeline that src.Now() itself reports.
func TestRealtimeMonotonicOffset_ConvertsKernelTimestampToSourceTimeline(t *testing.T) {
	src := clock.NewSource(nil)

	offset, err := newRealtimeMonotonicOffset(src)
	require.NoError(t, err)
	require.True(t, offset.valid)

	var realtime unix.Timespec
	require.NoError(t, unix.ClockGettime(unix.CLOCK_REALTIME, &realtime))
	got := offset.convert(realtime.Nano())

	want := src.Now()
	assert.InDelta(t, int64(want), int64(got), float64(50*time.Millisecond))
}

func TestRecvTimeFromOOB_FallsBackWhenOOBEmptyOrInvalid(t *testing.T) {
	fallback := clock.MonoTime(12345)

	assert.Equal(t, fallback, recvTimeFromOOB(nil, realtimeMonotonicOffset{}, fallback))
	assert.Equal(t, fallback, recvTimeFromOOB([]byte{1, 2, 3}, realtimeMonotonicOffset{valid: true}, fallback))
}

func TestIsTimeout(t *testing.T) {
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 0})
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(time.Nanosecond)))
	buf := make([]byte, 1)
	_, _, err = conn.ReadFromUDP(buf)
	require.Error(t, err)
	assert.True(t, isTimeout(err))
	assert.False(t, isTimeout(errors.New("not a timeout")))
}
