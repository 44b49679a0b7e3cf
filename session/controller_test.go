package session

import (
	"context"
	"encoding/binary"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"camlink/domain"
	"camlink/framing"
)

// ackingConn is an in-memory peer that acknowledges every data frame it
// receives, like a healthy client would.
type ackingConn struct {
	mu      sync.Mutex
	highest uint32
	chunks  chan []byte
}

func newAckingConn() *ackingConn {
	return &ackingConn{chunks: make(chan []byte, 256)}
}

func (c *ackingConn) Send(_ context.Context, b []byte) error {
	decoder := framing.NewDecoder(1 << 16)
	decoder.Feed(b)
	for {
		frame, err := decoder.Next()
		if err != nil || frame == nil {
			return nil
		}
		if frame.Type != domain.FrameData && frame.Type != domain.FrameControl {
			continue
		}
		c.mu.Lock()
		if frame.Seq > c.highest {
			c.highest = frame.Seq
		}
		ack := binary.LittleEndian.AppendUint32(nil, c.highest)
		c.mu.Unlock()
		c.chunks <- framing.Encode(domain.Frame{Seq: 0, Type: domain.FrameAck, Payload: ack})
	}
}

func (c *ackingConn) Chunks() <-chan []byte { return c.chunks }
func (c *ackingConn) RemoteID() string     { return "acking-peer" }
func (c *ackingConn) Close() error         { return nil }

func testLink(t *testing.T, ctx context.Context) *framing.Link {
	t.Helper()
	link := framing.NewLink(slog.Default(), newAckingConn(), framing.Config{
		WindowSize:        8,
		MaxFrameSize:      4096,
		RetryLimit:        5,
		RetransmitTimeout: 100 * time.Millisecond,
	})
	go func() { _ = link.Run(ctx) }()
	return link
}

// sourceObject reads from a fixed byte slice, recording every requested
// offset.
type sourceObject struct {
	mu      sync.Mutex
	data    []byte
	offsets []uint64
}

func (s *sourceObject) read(_ context.Context, offset uint64, length uint32) ([]byte, error) {
	s.mu.Lock()
	s.offsets = append(s.offsets, offset)
	s.mu.Unlock()

	end := offset + uint64(length)
	if end > uint64(len(s.data)) {
		end = uint64(len(s.data))
	}
	return s.data[offset:end], nil
}

func (s *sourceObject) firstOffset() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.offsets[0]
}

func TestStreamCompletesAndPersistsOffset(t *testing.T) {
	req := require.New(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	store := openTestStore(t)
	source := &sourceObject{data: make([]byte, 10_000)}
	sess := domain.NewTransferSession("phone-1", domain.ObjectInfo{ID: 1, Size: 10_000, Name: "a.jpg"})

	controller := NewController(slog.Default(), store, 1024, 1<<20)
	req.NoError(controller.Stream(ctx, testLink(t, ctx), sess, source.read))

	req.Equal(domain.Completed, sess.State)
	req.Equal(uint64(10_000), sess.AckedOffset)

	saved, err := store.Get(sess.ID.String())
	req.NoError(err)
	req.Equal(domain.Completed, saved.State)
	req.Equal(uint64(10_000), saved.AckedOffset)
}

func TestStreamResumesFromAckedOffset(t *testing.T) {
	req := require.New(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	store := openTestStore(t)
	source := &sourceObject{data: make([]byte, 10_000)}
	sess := domain.NewTransferSession("phone-1", domain.ObjectInfo{ID: 2, Size: 10_000})
	req.NoError(sess.TransitionTo(domain.Streaming))
	req.NoError(sess.TransitionTo(domain.Interrupted))
	sess.AckedOffset = 6_000

	controller := NewController(slog.Default(), store, 1024, 1<<20)
	req.NoError(controller.Stream(ctx, testLink(t, ctx), sess, source.read))

	// Not a single byte below the durable offset is re-read or re-sent.
	req.Equal(uint64(6_000), source.firstOffset())
	req.Equal(domain.Completed, sess.State)
}

func TestStreamPausesOnCreditExhaustionAndResumesOnGrant(t *testing.T) {
	req := require.New(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	store := openTestStore(t)
	source := &sourceObject{data: make([]byte, 4_000)}
	sess := domain.NewTransferSession("phone-1", domain.ObjectInfo{ID: 3, Size: 4_000})

	// Enough credit for half the object.
	controller := NewController(slog.Default(), store, 1000, 2_000)

	done := make(chan error, 1)
	go func() { done <- controller.Stream(ctx, testLink(t, ctx), sess, source.read) }()

	// The stream must park in Paused once the grant is spent.
	req.Eventually(func() bool {
		saved, err := store.Get(sess.ID.String())
		return err == nil && saved.State == domain.Paused && saved.AckedOffset >= 2_000
	}, 5*time.Second, 10*time.Millisecond, "stream must pause once credit is exhausted")

	select {
	case err := <-done:
		t.Fatalf("stream finished without credit: %v", err)
	default:
	}

	controller.Grant(2_000)

	req.NoError(<-done)
	req.Equal(domain.Completed, sess.State)
	req.Equal(uint64(4_000), sess.AckedOffset)
}

func TestStreamLargeObjectAcrossTwoGrants(t *testing.T) {
	req := require.New(t)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	store := openTestStore(t)
	source := &sourceObject{data: make([]byte, 1_000_000)}
	sess := domain.NewTransferSession("phone-1", domain.ObjectInfo{ID: 5, Size: 1_000_000})

	controller := NewController(slog.Default(), store, 2048, 200_000)

	done := make(chan error, 1)
	go func() { done <- controller.Stream(ctx, testLink(t, ctx), sess, source.read) }()

	req.Eventually(func() bool {
		saved, err := store.Get(sess.ID.String())
		return err == nil && saved.State == domain.Paused && saved.AckedOffset >= 200_000
	}, 10*time.Second, 10*time.Millisecond, "stream must pause after the first grant is spent")

	controller.Grant(800_000)

	req.NoError(<-done)
	req.Equal(domain.Completed, sess.State)
	req.Equal(uint64(1_000_000), sess.AckedOffset)
}

func TestStreamStopsWhenContextEnds(t *testing.T) {
	req := require.New(t)
	ctx, cancel := context.WithCancel(context.Background())

	store := openTestStore(t)
	source := &sourceObject{data: make([]byte, 4_000)}
	sess := domain.NewTransferSession("phone-1", domain.ObjectInfo{ID: 4, Size: 4_000})

	// Zero credit: the stream pauses immediately and waits.
	controller := NewController(slog.Default(), store, 1000, 0)

	done := make(chan error, 1)
	go func() { done <- controller.Stream(ctx, testLink(t, ctx), sess, source.read) }()

	req.Eventually(func() bool {
		saved, err := store.Get(sess.ID.String())
		return err == nil && saved.State == domain.Paused
	}, 5*time.Second, 10*time.Millisecond)

	cancel()

	select {
	case err := <-done:
		req.ErrorIs(err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("stream must stop when the context is canceled")
	}
	req.False(sess.State.Terminal())
}
