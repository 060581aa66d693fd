// Package receiver implements the UDP multicast shred receiver (spec.md
// §4.1): it joins a multicast group, receives datagrams in batches with
// kernel receive timestamps where available, and emits RawShred events on a
// bounded channel that never blocks the receive loop.
package receiver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"runtime"
	"sync/atomic"
	"time"

	"golang.org/x/net/ipv4"
	"golang.org/x/sys/unix"

	"github.com/malbeclabs/shredrace/internal/bufpool"
	"github.com/malbeclabs/shredrace/internal/clock"
	"github.com/malbeclabs/shredrace/internal/core"
)

// DefaultSocketBufferSize is the kernel receive buffer target (spec.md §4.1:
// "≥ 256 MiB target; fall back and warn if the OS cap forbids").
const DefaultSocketBufferSize = 256 * 1024 * 1024

// DefaultBatchSize is the number of datagrams the receiver asks the kernel
// for per syscall (spec.md §4.1: "target 64 datagrams per syscall").
const DefaultBatchSize = 64

// RawShred is a single received datagram stamped with the kernel (or, as a
// fallback, application-level) receive time. Buf is reference-counted: the
// receiver hands it off with a single reference, which the decode pipeline
// must Release once it is done with the bytes.
type RawShred struct {
	SourceID   string
	RecvTime   clock.MonoTime
	Buf        *bufpool.Buffer
	SourceAddr net.Addr
}

// Config configures a Receiver. Mirrors mcastrelay's multicast.Config,
// grown with the batch size, CPU pin and clock source this spec requires.
type Config struct {
	Logger *slog.Logger
	Clock  *clock.Source

	SourceID         string
	MulticastAddr    string // e.g. "239.0.0.1"
	Port             int
	InterfaceName    string // default "doublezero1", per spec.md §6
	SocketBufferSize int
	BatchSize        int
	QueueSize        int // channel capacity; spec.md §4.1: sized so a 50ms stall does not drop
	PinRecvCore      *int

	Pool *bufpool.Pool
}

func (cfg *Config) setDefaults() {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.NewSource(nil)
	}
	if cfg.InterfaceName == "" {
		cfg.InterfaceName = "doublezero1"
	}
	if cfg.SocketBufferSize <= 0 {
		cfg.SocketBufferSize = DefaultSocketBufferSize
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 16384
	}
	if cfg.Pool == nil {
		cfg.Pool = bufpool.New()
	}
}

// Receiver joins a multicast group and emits RawShred events.
type Receiver struct {
	cfg Config
	log *slog.Logger

	out     chan RawShred
	dropped atomic.Uint64
}

// New validates cfg and constructs a Receiver. It does not touch the
// network; call Run to bind the socket.
func New(cfg Config) (*Receiver, error) {
	cfg.setDefaults()

	if cfg.SourceID == "" {
		return nil, fmt.Errorf("%w: receiver source id is required", core.ErrConfig)
	}
	ip := net.ParseIP(cfg.MulticastAddr)
	if ip == nil || ip.To4() == nil {
		return nil, fmt.Errorf("%w: invalid multicast address %q", core.ErrConfig, cfg.MulticastAddr)
	}
	if !ip.IsMulticast() {
		return nil, fmt.Errorf("%w: %q is not a multicast address", core.ErrConfig, cfg.MulticastAddr)
	}
	if cfg.Port <= 0 {
		return nil, fmt.Errorf("%w: port must be nonzero for source %s", core.ErrConfig, cfg.SourceID)
	}

	return &Receiver{
		cfg: cfg,
		log: cfg.Logger.With("source", cfg.SourceID, "component", "receiver"),
		out: make(chan RawShred, cfg.QueueSize),
	}, nil
}

// Out is the channel RawShred events are emitted on.
func (r *Receiver) Out() <-chan RawShred { return r.out }

// Dropped returns the number of datagrams dropped because Out() was full.
func (r *Receiver) Dropped() uint64 { return r.dropped.Load() }

// Run binds the multicast socket and receives until ctx is cancelled. A
// failure here is a SourceInitError: the caller should disable this source
// and continue running the rest of the system (spec.md §4.1, §7).
func (r *Receiver) Run(ctx context.Context) error {
	if r.cfg.PinRecvCore != nil {
		runtime.LockOSThread()
		defer runtime.UnlockOSThread()
		if err := pinCPU(*r.cfg.PinRecvCore); err != nil {
			r.log.Warn("failed to pin receiver thread", "core", *r.cfg.PinRecvCore, "error", err)
		}
	}

	pc, closeConn, err := r.joinMulticast()
	if err != nil {
		return fmt.Errorf("%w: %w", core.ErrSourceInit, err)
	}
	defer closeConn()

	r.log.Info("receiver started",
		"multicast_addr", r.cfg.MulticastAddr,
		"port", r.cfg.Port,
		"interface", r.cfg.InterfaceName,
		"batch_size", r.cfg.BatchSize,
	)

	return r.recvLoop(ctx, pc)
}

// recvLoop runs the batch-receive loop against an already-bound connection.
// Split out from Run so tests can drive it against a plain loopback socket
// instead of a real multicast join.
func (r *Receiver) recvLoop(ctx context.Context, pc *ipv4.PacketConn) error {
	msgs := make([]ipv4.Message, r.cfg.BatchSize)
	bufs := make([]*bufpool.Buffer, r.cfg.BatchSize)
	for i := range msgs {
		bufs[i] = r.cfg.Pool.Get()
		msgs[i].Buffers = [][]byte{bufs[i].Data[:cap(bufs[i].Data)]}
		msgs[i].OOB = make([]byte, 128)
	}

	offset, err := newRealtimeMonotonicOffset(r.cfg.Clock)
	if err != nil {
		r.log.Warn("failed to calibrate CLOCK_REALTIME/CLOCK_MONOTONIC offset, kernel timestamps will fall back to application-level receive time", "error", err)
	}

	deadline := 250 * time.Millisecond
	for {
		select {
		case <-ctx.Done():
			r.log.Info("receiver shutting down")
			return ctx.Err()
		default:
		}

		if err := pc.SetReadDeadline(time.Now().Add(deadline)); err != nil {
			r.log.Error("failed to set read deadline", "error", err)
		}

		n, err := pc.ReadBatch(msgs, 0)
		if err != nil {
			if isTimeout(err) {
				continue
			}
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			r.log.Error("batch read failed", "error", err)
			continue
		}

		appRecv := r.cfg.Clock.Now()
		for i := 0; i < n; i++ {
			msg := &msgs[i]
			recvTime := recvTimeFromOOB(msg.OOB[:msg.NN], offset, appRecv)

			buf := bufs[i]
			buf.Data = buf.Data[:msg.N]

			select {
			case r.out <- RawShred{SourceID: r.cfg.SourceID, RecvTime: recvTime, Buf: buf, SourceAddr: msg.Addr}:
			default:
				r.dropped.Add(1)
				buf.Release()
			}

			// Refill this slot with a fresh buffer for the next batch.
			fresh := r.cfg.Pool.Get()
			bufs[i] = fresh
			msgs[i].Buffers = [][]byte{fresh.Data[:cap(fresh.Data)]}
			msgs[i].OOB = make([]byte, 128)
		}
	}
}

func (r *Receiver) joinMulticast() (*ipv4.PacketConn, func(), error) {
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4zero, Port: r.cfg.Port})
	if err != nil {
		return nil, nil, fmt.Errorf("listen udp: %w", err)
	}

	pc := ipv4.NewPacketConn(conn)

	var ifi *net.Interface
	if r.cfg.InterfaceName != "" {
		ifi, err = net.InterfaceByName(r.cfg.InterfaceName)
		if err != nil {
			conn.Close()
			return nil, nil, fmt.Errorf("interface %s: %w", r.cfg.InterfaceName, err)
		}
	}

	group := &net.UDPAddr{IP: net.ParseIP(r.cfg.MulticastAddr)}
	if err := pc.JoinGroup(ifi, group); err != nil {
		conn.Close()
		return nil, nil, fmt.Errorf("join multicast group: %w", err)
	}

	if err := pc.SetControlMessage(ipv4.FlagDst, true); err != nil {
		r.log.Warn("failed to set control message", "error", err)
	}

	if err := conn.SetReadBuffer(r.cfg.SocketBufferSize); err != nil {
		r.log.Warn("failed to size socket receive buffer",
			"requested", r.cfg.SocketBufferSize, "error", err)
	}

	if err := enableKernelTimestamps(conn); err != nil {
		r.log.Warn("kernel receive timestamping unavailable, falling back to application-level timestamps", "error", err)
	}

	return pc, func() { conn.Close() }, nil
}

func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// enableKernelTimestamps turns on SO_TIMESTAMPNS so each datagram's ancillary
// data carries a struct timespec with the kernel's receive time.
func enableKernelTimestamps(conn *net.UDPConn) error {
	raw, err := conn.SyscallConn()
	if err != nil {
		return err
	}
	var sockErr error
	err = raw.Control(func(fd uintptr) {
		sockErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_TIMESTAMPNS, 1)
	})
	if err != nil {
		return err
	}
	return sockErr
}

// realtimeMonotonicOffset translates a CLOCK_REALTIME nanosecond reading
// (what SO_TIMESTAMPNS ancillary data carries) into the clock.Source's own
// elapsed-since-base MonoTime timeline, without ever passing a wall-clock
// value through time.Unix() (which carries no monotonic reading, per the
// stdlib's documented time.Time semantics, and would make src.FromWallClock
// silently fall back to wall-clock-only subtraction — reintroducing NTP
// slew into the highest-precision timestamp in the system).
//
// It works by calibrating, once, the relationship between CLOCK_REALTIME
// and CLOCK_MONOTONIC (via two back-to-back clock_gettime calls) and between
// CLOCK_MONOTONIC and src's own elapsed-ns base (via src.Now(), which is
// backed by Go's runtime monotonic clock, itself sourced from
// CLOCK_MONOTONIC on Linux). Every later kernel timestamp is then mapped
// through that one fixed calibration, so an NTP step occurring after
// calibration affects CLOCK_REALTIME (and thus future kernel timestamps)
// but never the offset used to translate them.
type realtimeMonotonicOffset struct {
	valid bool

	// realtimeToMonoNs is CLOCK_REALTIME_ns - CLOCK_MONOTONIC_ns, sampled
	// once at calibration time.
	realtimeToMonoNs int64
	// anchorMonoNs is the CLOCK_MONOTONIC_ns reading taken at calibration
	// time, paired with anchorElapsedNs, src.Now()'s reading at that same
	// instant.
	anchorMonoNs    int64
	anchorElapsedNs int64
}

func newRealtimeMonotonicOffset(src *clock.Source) (realtimeMonotonicOffset, error) {
	var realtime, mono unix.Timespec
	// The two clock_gettime calls bracket src.Now() as tightly as possible
	// so all three readings describe the same instant.
	if err := unix.ClockGettime(unix.CLOCK_REALTIME, &realtime); err != nil {
		return realtimeMonotonicOffset{}, fmt.Errorf("clock_gettime(CLOCK_REALTIME): %w", err)
	}
	anchorElapsedNs := int64(src.Now())
	if err := unix.ClockGettime(unix.CLOCK_MONOTONIC, &mono); err != nil {
		return realtimeMonotonicOffset{}, fmt.Errorf("clock_gettime(CLOCK_MONOTONIC): %w", err)
	}
	return realtimeMonotonicOffset{
		valid:            true,
		realtimeToMonoNs: realtime.Nano() - mono.Nano(),
		anchorMonoNs:     mono.Nano(),
		anchorElapsedNs:  anchorElapsedNs,
	}, nil
}

// convert maps a CLOCK_REALTIME nanosecond reading to a clock.MonoTime on
// src's own elapsed-since-base timeline.
func (o realtimeMonotonicOffset) convert(realtimeNs int64) clock.MonoTime {
	monoNs := realtimeNs - o.realtimeToMonoNs
	return clock.MonoTime(o.anchorElapsedNs + (monoNs - o.anchorMonoNs))
}

// recvTimeFromOOB extracts a kernel receive timestamp from SO_TIMESTAMPNS
// ancillary data and converts it to the pipeline's MonoTime base via offset.
// If parsing fails, or offset was never successfully calibrated, it falls
// back to the application-level time the batch was read at.
func recvTimeFromOOB(oob []byte, offset realtimeMonotonicOffset, fallback clock.MonoTime) clock.MonoTime {
	if len(oob) == 0 || !offset.valid {
		return fallback
	}
	scms, err := unix.ParseSocketControlMessage(oob)
	if err != nil {
		return fallback
	}
	for _, scm := range scms {
		if scm.Header.Level != unix.SOL_SOCKET || scm.Header.Type != unix.SO_TIMESTAMPNS {
			continue
		}
		ts, ok := parseTimespec(scm.Data)
		if !ok {
			continue
		}
		return offset.convert(ts.Sec*int64(time.Second) + ts.Nsec)
	}
	return fallback
}

type timespec64 struct {
	Sec  int64
	Nsec int64
}

// parseTimespec reads the little-endian 64-bit (sec, nsec) pair SO_TIMESTAMPNS
// carries on amd64/arm64 Linux, the platforms this receiver targets.
func parseTimespec(data []byte) (timespec64, bool) {
	if len(data) < 16 {
		return timespec64{}, false
	}
	sec := int64(le64(data[0:8]))
	nsec := int64(le64(data[8:16]))
	return timespec64{Sec: sec, Nsec: nsec}, true
}

func le64(b []byte) uint64 {
	var v uint64
	for i := 7; i >= 0; i-- {
		v = v<<8 | uint64(b[i])
	}
	return v
}

func pinCPU(core int) error {
	var set unix.CPUSet
	set.Zero()
	set.Set(core)
	return unix.SchedSetaffinity(0, &set)
}
