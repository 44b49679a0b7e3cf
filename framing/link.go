package framing

import (
	"camlink/contract"
	"camlink/domain"
	apperrors "camlink/errors"
	"context"
	"encoding/binary"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

type LinkStatus int

const (
	StatusDisconnected LinkStatus = iota
	StatusConnecting
	StatusConnected
)

func (s LinkStatus) String() string {
	switch s {
	case StatusConnecting:
		return "connecting"
	case StatusConnected:
		return "connected"
	default:
		return "disconnected"
	}
}

type Config struct {
	WindowSize        int
	MaxFrameSize      int
	RetryLimit        int
	RetransmitTimeout time.Duration
}

// ConnectionState is a snapshot of one client link.
type ConnectionState struct {
	Transport    string
	Status       LinkStatus
	MaxFrameSize int
	InFlight     int
}

type pendingFrame struct {
	wire      []byte
	dataBytes int
	lastSent  time.Time
	retries   int
}

// Link runs the reliable framing protocol over one Conn. Outbound Data and
// Control frames share a gapless sequence space bounded by a sliding window;
// unacknowledged frames are retransmitted with capped exponential backoff.
// Inbound frames are re-ordered and delivered upward exactly once, in order.
type Link struct {
	log  *slog.Logger
	conn contract.Conn
	cfg  Config

	// sendMu orders sequence assignment with the actual write so the wire
	// never carries a gap.
	sendMu  sync.Mutex
	nextSeq uint32

	mu      sync.Mutex
	status  LinkStatus
	pending map[uint32]*pendingFrame

	expected uint32
	reorder  map[uint32]*domain.Frame

	window     chan struct{}
	dataOut    chan []byte
	controlOut chan domain.ControlMessage
	ackedBytes chan int
}

func NewLink(log *slog.Logger, conn contract.Conn, cfg Config) *Link {
	return &Link{
		log:        log,
		conn:       conn,
		cfg:        cfg,
		nextSeq:    1,
		expected:   1,
		status:     StatusConnected,
		pending:    make(map[uint32]*pendingFrame),
		reorder:    make(map[uint32]*domain.Frame),
		window:     make(chan struct{}, cfg.WindowSize),
		dataOut:    make(chan []byte, cfg.WindowSize),
		controlOut: make(chan domain.ControlMessage, cfg.WindowSize),
		ackedBytes: make(chan int, cfg.WindowSize),
	}
}

// DataFrames yields contiguous, duplicate-free inbound data payloads.
func (l *Link) DataFrames() <-chan []byte { return l.dataOut }

// Control yields decoded inbound control messages, in sequence order.
func (l *Link) Control() <-chan domain.ControlMessage { return l.controlOut }

// AckedBytes reports how many outbound data bytes the peer has
// acknowledged; the session layer folds this into its resume offset.
func (l *Link) AckedBytes() <-chan int { return l.ackedBytes }

func (l *Link) State() ConnectionState {
	l.mu.Lock()
	defer l.mu.Unlock()
	return ConnectionState{
		Transport:    l.conn.RemoteID(),
		Status:       l.status,
		MaxFrameSize: l.cfg.MaxFrameSize,
		InFlight:     len(l.pending),
	}
}

// SendData queues one data frame, blocking while the send window is full.
func (l *Link) SendData(ctx context.Context, payload []byte) error {
	return l.send(ctx, domain.FrameData, payload, len(payload))
}

// SendControl queues one control frame. Control frames are sequenced and
// retransmitted exactly like data frames.
func (l *Link) SendControl(ctx context.Context, msg domain.ControlMessage) error {
	return l.send(ctx, domain.FrameControl, domain.EncodeControl(msg), 0)
}

func (l *Link) send(ctx context.Context, t domain.FrameType, payload []byte, dataBytes int) error {
	if len(payload) > l.cfg.MaxFrameSize {
		return fmt.Errorf("%w: %d > %d", apperrors.ErrFrameTooLarge, len(payload), l.cfg.MaxFrameSize)
	}

	// Acquire a window slot; released when the frame is acknowledged.
	select {
	case <-ctx.Done():
		return ctx.Err()
	case l.window <- struct{}{}:
	}

	l.sendMu.Lock()
	defer l.sendMu.Unlock()

	seq := l.nextSeq
	l.nextSeq++
	wire := Encode(domain.Frame{Seq: seq, Type: t, Payload: payload})

	l.mu.Lock()
	l.pending[seq] = &pendingFrame{wire: wire, dataBytes: dataBytes, lastSent: time.Now()}
	l.mu.Unlock()

	if err := l.conn.Send(ctx, wire); err != nil {
		// The frame stays pending: if the link recovers it is retransmitted,
		// and the session's resume accounting never counts it as delivered.
		return fmt.Errorf("%w: %v", apperrors.ErrLinkLost, err)
	}
	return nil
}

// Run pumps inbound chunks and the retransmit timer until the link dies.
// It returns ErrLinkLost on disconnect and ErrPeerUnresponsive when a frame
// exhausts its retries.
func (l *Link) Run(ctx context.Context) error {
	tick := l.cfg.RetransmitTimeout / 4
	if tick < 5*time.Millisecond {
		tick = 5 * time.Millisecond
	}
	ticker := time.NewTicker(tick)
	defer ticker.Stop()
	defer l.setStatus(StatusDisconnected)

	decoder := NewDecoder(l.cfg.MaxFrameSize)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case chunk, ok := <-l.conn.Chunks():
			if !ok {
				l.log.Info("Client link closed", "remote", l.conn.RemoteID())
				return apperrors.ErrLinkLost
			}
			decoder.Feed(chunk)
			if err := l.drain(ctx, decoder); err != nil {
				return err
			}
		case <-ticker.C:
			if err := l.retransmit(ctx); err != nil {
				return err
			}
		}
	}
}

func (l *Link) drain(ctx context.Context, decoder *Decoder) error {
	for {
		frame, err := decoder.Next()
		if err != nil {
			// A corrupt frame is simply lost: the peer retransmits it.
			l.log.Warn("Dropping corrupt frame", "error", err)
			continue
		}
		if frame == nil {
			return nil
		}
		if err := l.handleFrame(ctx, frame); err != nil {
			return err
		}
	}
}

func (l *Link) handleFrame(ctx context.Context, f *domain.Frame) error {
	switch f.Type {
	case domain.FrameAck:
		if len(f.Payload) != 4 {
			l.log.Warn("Malformed ack payload", "len", len(f.Payload))
			return nil
		}
		return l.handleAck(ctx, binary.LittleEndian.Uint32(f.Payload))
	case domain.FrameData, domain.FrameControl:
		return l.receiveSequenced(ctx, f)
	default:
		l.log.Warn("Unknown frame type", "type", uint8(f.Type), "seq", f.Seq)
		return nil
	}
}

// handleAck retires every pending frame up to the cumulative ack and
// reports the acknowledged data bytes upward.
func (l *Link) handleAck(ctx context.Context, upTo uint32) error {
	acked := 0
	released := 0

	l.mu.Lock()
	for seq, p := range l.pending {
		if seq <= upTo {
			acked += p.dataBytes
			released++
			delete(l.pending, seq)
		}
	}
	l.mu.Unlock()

	for i := 0; i < released; i++ {
		<-l.window
	}

	if acked == 0 {
		return nil
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case l.ackedBytes <- acked:
		return nil
	}
}

// receiveSequenced enforces in-order, exactly-once delivery. Duplicates and
// out-of-window frames are acknowledged again but never re-delivered.
func (l *Link) receiveSequenced(ctx context.Context, f *domain.Frame) error {
	var deliverable []*domain.Frame

	l.mu.Lock()
	switch {
	case f.Seq < l.expected:
		// Duplicate: our previous ack was lost.
	case f.Seq == l.expected:
		deliverable = append(deliverable, f)
		l.expected++
		for {
			next, ok := l.reorder[l.expected]
			if !ok {
				break
			}
			delete(l.reorder, l.expected)
			deliverable = append(deliverable, next)
			l.expected++
		}
	case f.Seq < l.expected+uint32(l.cfg.WindowSize):
		l.reorder[f.Seq] = f
	default:
		l.log.Warn("Frame beyond receive window, dropping", "seq", f.Seq, "expected", l.expected)
	}
	ackUpTo := l.expected - 1
	l.mu.Unlock()

	for _, d := range deliverable {
		if err := l.deliver(ctx, d); err != nil {
			return err
		}
	}
	return l.sendAck(ctx, ackUpTo)
}

func (l *Link) deliver(ctx context.Context, f *domain.Frame) error {
	switch f.Type {
	case domain.FrameData:
		select {
		case <-ctx.Done():
			return ctx.Err()
		case l.dataOut <- f.Payload:
			return nil
		}
	case domain.FrameControl:
		msg, err := domain.DecodeControl(f.Payload)
		if err != nil {
			l.log.Warn("Undecodable control frame", "seq", f.Seq, "error", err)
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case l.controlOut <- msg:
			return nil
		}
	}
	return nil
}

// sendAck emits a cumulative ack. Acks are unsequenced and never
// retransmitted: a lost ack is repaired by the next duplicate.
func (l *Link) sendAck(ctx context.Context, upTo uint32) error {
	payload := binary.LittleEndian.AppendUint32(nil, upTo)
	wire := Encode(domain.Frame{Seq: 0, Type: domain.FrameAck, Payload: payload})
	if err := l.conn.Send(ctx, wire); err != nil {
		return fmt.Errorf("%w: %v", apperrors.ErrLinkLost, err)
	}
	return nil
}

// retransmit resends frames whose timeout elapsed, doubling the timeout per
// retry (capped at 16x) and giving up after RetryLimit attempts.
func (l *Link) retransmit(ctx context.Context) error {
	now := time.Now()
	var resend [][]byte

	l.mu.Lock()
	for seq, p := range l.pending {
		timeout := l.cfg.RetransmitTimeout << min(p.retries, 4)
		if now.Sub(p.lastSent) < timeout {
			continue
		}
		if p.retries >= l.cfg.RetryLimit {
			l.mu.Unlock()
			l.log.Warn("Frame exhausted retries", "seq", seq, "retries", p.retries)
			return apperrors.ErrPeerUnresponsive
		}
		p.retries++
		p.lastSent = now
		resend = append(resend, p.wire)
	}
	l.mu.Unlock()

	for _, wire := range resend {
		if err := l.conn.Send(ctx, wire); err != nil {
			return fmt.Errorf("%w: %v", apperrors.ErrLinkLost, err)
		}
	}
	return nil
}

func (l *Link) setStatus(s LinkStatus) {
	l.mu.Lock()
	l.status = s
	l.mu.Unlock()
}
