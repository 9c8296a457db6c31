// Package transport implements the reliable datagram endpoint: sequencing,
// acknowledgement tracking, retransmission with exponential backoff,
// duplicate suppression, and integrity-checked delivery over a UDP socket.
package transport

import (
	"context"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff"

	"github.com/meshdb/meshkv/internal/metrics"
	"github.com/meshdb/meshkv/internal/wire"
	"github.com/meshdb/meshkv/internal/xlog"
)

const (
	retryScanInterval = 100 * time.Millisecond
	initialTimeout    = 500 * time.Millisecond
	maxTimeout        = 8 * time.Second
	maxAttempts       = 5
	dedupSoftLimit    = 10000
	recvBufferSize    = 65535
)

// Handler processes a decoded packet payload from a peer address.
type Handler func(payload []byte, from *net.UDPAddr)

// pendingSend tracks one in-flight reliable send awaiting an ACK.
type pendingSend struct {
	packet      wire.Packet
	dest        *net.UDPAddr
	firstSend   time.Time
	lastSend    time.Time
	attempts    int
	nextTimeout time.Time
	backoff     *backoff.ExponentialBackOff
}

// Endpoint is a reliable, connectionless, duplicate-suppressed datagram
// endpoint. It is safe for concurrent use.
type Endpoint struct {
	conn   *net.UDPConn
	log    xlog.Logger
	onDrop func(dest *net.UDPAddr, packetType wire.Type, attempts int)

	sendSeq atomic.Uint32

	mu       sync.Mutex
	pending  map[uint32]*pendingSend
	received map[string]map[uint32]struct{}
	recvOrd  map[string][]uint32

	handlersMu sync.RWMutex
	handlers   map[wire.Type]Handler

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// New binds a UDP socket on the given local address ("host:port" or ":port")
// and returns a stopped Endpoint. Call Start to begin serving.
func New(bindAddr string, log xlog.Logger, onDrop func(dest *net.UDPAddr, packetType wire.Type, attempts int)) (*Endpoint, error) {
	addr, err := net.ResolveUDPAddr("udp", bindAddr)
	if err != nil {
		return nil, err
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return nil, err
	}
	if log == nil {
		log = xlog.Discard
	}
	return &Endpoint{
		conn:     conn,
		log:      log,
		onDrop:   onDrop,
		pending:  make(map[uint32]*pendingSend),
		received: make(map[string]map[uint32]struct{}),
		recvOrd:  make(map[string][]uint32),
		handlers: make(map[wire.Type]Handler),
	}, nil
}

// LocalAddr returns the bound local address.
func (e *Endpoint) LocalAddr() *net.UDPAddr {
	return e.conn.LocalAddr().(*net.UDPAddr)
}

// RegisterHandler installs the handler invoked for packets of the given
// type (other than ACK, which the endpoint handles internally).
func (e *Endpoint) RegisterHandler(t wire.Type, h Handler) {
	e.handlersMu.Lock()
	defer e.handlersMu.Unlock()
	e.handlers[t] = h
}

// Start spawns the receive loop and the retry scheduler.
func (e *Endpoint) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	e.cancel = cancel

	e.wg.Add(2)
	go func() {
		defer e.wg.Done()
		e.receiveLoop(ctx)
	}()
	go func() {
		defer e.wg.Done()
		e.retryLoop(ctx)
	}()
}

// Stop cancels the background loops, closes the socket (unblocking the
// receiver), and waits for both loops to drain. Idempotent.
func (e *Endpoint) Stop() {
	if e.cancel != nil {
		e.cancel()
	}
	_ = e.conn.Close()
	e.wg.Wait()
}

// SendReliable allocates the next sequence number, transmits the packet,
// and tracks it for retransmission until ACKed or retries are exhausted.
// It returns immediately; delivery is asynchronous.
func (e *Endpoint) SendReliable(dest *net.UDPAddr, t wire.Type, payload []byte) error {
	seq := e.sendSeq.Add(1) - 1
	packet := wire.Packet{Type: t, Seq: seq, Payload: payload}
	data, err := wire.Encode(packet)
	if err != nil {
		return err
	}

	if _, err := e.conn.WriteToUDP(data, dest); err != nil {
		e.log.Debugf("transport: send reliable seq=%d to %s: %v", seq, dest, err)
	}

	bo := &backoff.ExponentialBackOff{
		InitialInterval:     initialTimeout,
		RandomizationFactor: 0,
		Multiplier:          2,
		MaxInterval:         maxTimeout,
		MaxElapsedTime:      0,
		Clock:               backoff.SystemClock,
	}
	bo.Reset()

	now := time.Now()
	e.mu.Lock()
	e.pending[seq] = &pendingSend{
		packet:      packet,
		dest:        dest,
		firstSend:   now,
		lastSend:    now,
		attempts:    0,
		nextTimeout: now.Add(bo.NextBackOff()),
		backoff:     bo,
	}
	e.mu.Unlock()

	return nil
}

// SendUnreliable transmits a packet without tracking it for retransmission.
func (e *Endpoint) SendUnreliable(dest *net.UDPAddr, t wire.Type, payload []byte) error {
	seq := e.sendSeq.Add(1) - 1
	data, err := wire.Encode(wire.Packet{Type: t, Seq: seq, Payload: payload})
	if err != nil {
		return err
	}
	_, err = e.conn.WriteToUDP(data, dest)
	return err
}

// sendAck synchronously best-effort sends an ACK for seq; it is never
// itself acknowledged.
func (e *Endpoint) sendAck(dest *net.UDPAddr, seq uint32) {
	payload, err := wire.EncodeAck(seq)
	if err != nil {
		return
	}
	data, err := wire.Encode(wire.Packet{Type: wire.TypeAck, Seq: seq, Payload: payload})
	if err != nil {
		return
	}
	if _, err := e.conn.WriteToUDP(data, dest); err != nil {
		e.log.Debugf("transport: send ack seq=%d to %s: %v", seq, dest, err)
	}
}

// PendingCount returns the number of sends awaiting acknowledgement.
func (e *Endpoint) PendingCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.pending)
}

func (e *Endpoint) receiveLoop(ctx context.Context) {
	buf := make([]byte, recvBufferSize)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		_ = e.conn.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
		n, addr, err := e.conn.ReadFromUDP(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			select {
			case <-ctx.Done():
				return
			default:
				continue
			}
		}

		packet, err := wire.Decode(buf[:n])
		if err != nil {
			metrics.PacketsDropped.WithLabelValues(dropReason(err)).Inc()
			e.log.Debugf("transport: drop packet from %s: %v", addr, err)
			continue
		}

		if packet.Type == wire.TypeAck {
			e.handleAck(packet)
			continue
		}

		if e.isDuplicate(addr, packet.Seq) {
			e.sendAck(addr, packet.Seq)
			continue
		}
		e.markReceived(addr, packet.Seq)
		e.sendAck(addr, packet.Seq)

		e.handlersMu.RLock()
		handler := e.handlers[packet.Type]
		e.handlersMu.RUnlock()
		if handler != nil {
			handler(packet.Payload, addr)
		} else {
			e.log.Debugf("transport: drop packet from %s: no handler for type %s", addr, packet.Type)
		}
	}
}

// dropReason classifies a wire.Decode failure for the packets_dropped_total
// metric's "reason" label.
func dropReason(err error) string {
	switch {
	case errors.Is(err, wire.ErrTruncated):
		return "truncated"
	case errors.Is(err, wire.ErrChecksumMismatch):
		return "checksum_mismatch"
	case errors.Is(err, wire.ErrUnknownVersion):
		return "unknown_version"
	default:
		return "decode_error"
	}
}

func (e *Endpoint) handleAck(packet wire.Packet) {
	ackSeq, err := wire.DecodeAck(packet.Payload)
	if err != nil {
		return
	}
	e.mu.Lock()
	delete(e.pending, ackSeq)
	e.mu.Unlock()
}

func (e *Endpoint) isDuplicate(addr *net.UDPAddr, seq uint32) bool {
	key := addr.String()
	e.mu.Lock()
	defer e.mu.Unlock()
	seen, ok := e.received[key]
	if !ok {
		return false
	}
	_, dup := seen[seq]
	return dup
}

func (e *Endpoint) markReceived(addr *net.UDPAddr, seq uint32) {
	key := addr.String()
	e.mu.Lock()
	defer e.mu.Unlock()

	seen, ok := e.received[key]
	if !ok {
		seen = make(map[uint32]struct{})
		e.received[key] = seen
	}
	seen[seq] = struct{}{}
	e.recvOrd[key] = append(e.recvOrd[key], seq)

	if len(e.recvOrd[key]) > dedupSoftLimit {
		order := e.recvOrd[key]
		evict := len(order) / 2
		for _, oldSeq := range order[:evict] {
			delete(seen, oldSeq)
		}
		e.recvOrd[key] = append([]uint32(nil), order[evict:]...)
	}
}

func (e *Endpoint) retryLoop(ctx context.Context) {
	ticker := time.NewTicker(retryScanInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.scanPending()
		}
	}
}

func (e *Endpoint) scanPending() {
	now := time.Now()

	type retry struct {
		seq    uint32
		packet wire.Packet
		dest   *net.UDPAddr
	}
	var toRetry []retry
	var toDrop []struct {
		dest    *net.UDPAddr
		t       wire.Type
		attempt int
	}

	e.mu.Lock()
	for seq, ps := range e.pending {
		if now.Before(ps.nextTimeout) {
			continue
		}
		if ps.attempts >= maxAttempts {
			toDrop = append(toDrop, struct {
				dest    *net.UDPAddr
				t       wire.Type
				attempt int
			}{ps.dest, ps.packet.Type, ps.attempts})
			delete(e.pending, seq)
			continue
		}
		toRetry = append(toRetry, retry{seq: seq, packet: ps.packet, dest: ps.dest})
	}
	e.mu.Unlock()

	for _, d := range toDrop {
		e.log.Warnf("transport: retry exhausted for %s to %s after %d attempts", d.t, d.dest, d.attempt)
		if e.onDrop != nil {
			e.onDrop(d.dest, d.t, d.attempt)
		}
	}

	for _, r := range toRetry {
		data, err := wire.Encode(r.packet)
		if err != nil {
			continue
		}
		if _, err := e.conn.WriteToUDP(data, r.dest); err != nil {
			e.log.Debugf("transport: retry send seq=%d to %s: %v", r.seq, r.dest, err)
		}

		e.mu.Lock()
		if ps, ok := e.pending[r.seq]; ok {
			ps.attempts++
			ps.lastSend = now
			ps.nextTimeout = now.Add(ps.backoff.NextBackOff())
		}
		e.mu.Unlock()
	}
}
