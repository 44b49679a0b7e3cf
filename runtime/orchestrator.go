// Package runtime connects the camera side to the client link: it queues a
// session per capture, streams one session at a time, and brokers the
// control traffic (credit, resume, delete). It orchestrates the system
// without containing business logic or domain rules.
package runtime

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"camlink/contract"
	"camlink/domain"
	"camlink/errors"
	"camlink/framing"
	"camlink/internal"
	"camlink/observability"
	"camlink/runtime/workers"
	"camlink/session"
)

// sendTimeout bounds control-frame pushes so a stalled link cannot wedge
// the orchestrator loop.
const sendTimeout = 2 * time.Second

type streamResult struct {
	session *domain.TransferSession
	err     error
}

type Orchestrator struct {
	mu         sync.Mutex
	log        *slog.Logger
	cfg        internal.Config
	supervisor contract.ISupervisor
	listener   contract.Listener
	camera     contract.Camera
	store      contract.SessionStore
	registry   *Registry
	stats      *observability.Stats
	validate   *validator.Validate
	tokenKey   []byte

	queue        []*domain.TransferSession // waiting for link capacity, FIFO
	active       *domain.TransferSession
	cancelStream context.CancelFunc
	abortReason  domain.AbortReason // set before cancelStream when camera-side abort

	link       *framing.Link
	controller *session.Controller
	clientID   string

	streamDone chan streamResult
	wake       chan struct{}
}

func NewOrchestrator(log *slog.Logger, cfg internal.Config, supervisor contract.ISupervisor,
	listener contract.Listener, camera contract.Camera, store contract.SessionStore,
	registry *Registry, stats *observability.Stats) *Orchestrator {
	return &Orchestrator{
		log:        log,
		cfg:        cfg,
		supervisor: supervisor,
		listener:   listener,
		camera:     camera,
		store:      store,
		registry:   registry,
		stats:      stats,
		validate:   validator.New(),
		tokenKey:   []byte(cfg.TokenKey),
		streamDone: make(chan streamResult, 1),
		wake:       make(chan struct{}, 1),
	}
}

// Start restores persisted sessions, registers the runtime workers and
// blocks on the supervisor until the context ends.
func (o *Orchestrator) Start(ctx context.Context) error {
	if err := o.restore(); err != nil {
		return err
	}

	watcher := workers.NewCameraWatcher(o.log, o.camera.Events(), o)
	reaper := workers.NewSessionReaper(o.log, o.store, o, o.cfg.SessionTTL, o.cfg.ReapInterval)
	telemetry := workers.NewTelemetryWorker(o.log, o, o.QueueDepth, o.cfg.TelemetryInterval)

	o.supervisor.Add(watcher, reaper, telemetry, o)
	o.supervisor.Run(ctx)
	return nil
}

// restore reloads sessions written by a previous run. Sessions caught
// mid-stream by a crash become Interrupted: the link they were streaming on
// no longer exists, only a resume can continue them.
func (o *Orchestrator) restore() error {
	sessions, err := o.store.List()
	if err != nil {
		return fmt.Errorf("restoring sessions: %w", err)
	}

	for _, sess := range sessions {
		switch sess.State {
		case domain.Queued:
			o.queue = append(o.queue, sess)
			o.registry.Track(sess)
		case domain.Streaming, domain.Paused:
			if err := sess.TransitionTo(domain.Interrupted); err != nil {
				return err
			}
			if err := o.store.Save(sess); err != nil {
				return err
			}
			o.registry.Track(sess)
			o.log.Info("Session interrupted by restart", "session_id", sess.ID, "offset", sess.AckedOffset)
		case domain.Interrupted:
			o.registry.Track(sess)
		}
	}

	o.log.Info("Sessions restored", "queued", len(o.queue), "tracked", o.registry.Count())
	return nil
}

// Run is the accept loop: one client at a time, served until its link dies.
func (o *Orchestrator) Run(ctx context.Context) error {
	for {
		conn, err := o.listener.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("accepting client: %w", err)
		}
		o.serveClient(ctx, conn)
	}
}

func (o *Orchestrator) serveClient(parent context.Context, conn contract.Conn) {
	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	link := framing.NewLink(o.log, conn, framing.Config{
		WindowSize:        o.cfg.WindowSize,
		MaxFrameSize:      o.cfg.MaxFrameSize,
		RetryLimit:        o.cfg.RetryLimit,
		RetransmitTimeout: o.cfg.RetransmitTimeout,
	})
	controller := session.NewController(o.log, o.store, o.cfg.ChunkSize, o.cfg.CreditDefault)

	o.mu.Lock()
	o.link = link
	o.controller = controller
	o.clientID = conn.RemoteID()
	o.mu.Unlock()

	linkErr := make(chan error, 1)
	go func() { linkErr <- link.Run(ctx) }()

	o.log.Info("Client connected", "client_id", conn.RemoteID())
	o.stats.IncrClientConnects()
	o.announceBacklog(ctx)
	o.schedule(ctx)

	defer o.detach()

	for {
		select {
		case <-ctx.Done():
			return
		case err := <-linkErr:
			o.log.Warn("Client link lost", "client_id", conn.RemoteID(), "error", err)
			return
		case msg := <-link.Control():
			o.handleControl(ctx, msg)
		case res := <-o.streamDone:
			o.finishStream(ctx, res)
		case <-o.wake:
			o.schedule(ctx)
		}
	}
}

// detach runs on link loss. The in-flight session, if any, is interrupted
// so a reconnecting client can resume it from the acknowledged offset.
func (o *Orchestrator) detach() {
	o.mu.Lock()
	active := o.active
	cancelStream := o.cancelStream
	o.link = nil
	o.controller = nil
	o.clientID = ""
	o.mu.Unlock()

	if active == nil {
		return
	}

	cancelStream()
	res := <-o.streamDone

	o.mu.Lock()
	o.active = nil
	o.cancelStream = nil
	o.abortReason = domain.ReasonNone
	o.mu.Unlock()

	sess := res.session
	if sess.State.Terminal() {
		o.registry.Release(sess)
		return
	}
	if err := sess.TransitionTo(domain.Interrupted); err != nil {
		o.log.Error("Session could not be interrupted", "session_id", sess.ID, "state", sess.State, "error", err)
		return
	}
	if err := o.store.Save(sess); err != nil {
		o.log.Error("Session persist failed", "session_id", sess.ID, "error", err)
	}
	o.log.Info("Session interrupted", "session_id", sess.ID, "offset", sess.AckedOffset)
}

// OnCameraEvent implements workers.CaptureHandler.
func (o *Orchestrator) OnCameraEvent(ctx context.Context, event domain.CameraEvent) {
	o.stats.IncrCameraEvents()
	switch event.Kind {
	case domain.ObjectAdded:
		info, err := o.camera.ObjectInfo(ctx, event.Object)
		if err != nil {
			o.log.Error("Capture metadata unavailable", "object_id", event.Object, "error", err)
			return
		}
		o.enqueueCapture(ctx, info)
	case domain.ObjectRemoved:
		o.abortObject(ctx, event.Object, domain.ReasonCameraError)
	case domain.DeviceGone:
		o.log.Warn("Camera detached, aborting pending transfers")
		o.abortAll(ctx, domain.ReasonCameraDetached)
	case domain.StoreAdded, domain.StoreRemoved:
		o.log.Info("Camera storage changed", "store_id", event.StoreID)
	}
}

// enqueueCapture turns a fresh capture into a queued session. The client
// may be offline; the session then waits in the queue (and in Badger) until
// a link comes up.
func (o *Orchestrator) enqueueCapture(ctx context.Context, info domain.ObjectInfo) {
	o.mu.Lock()
	clientID := o.clientID
	o.mu.Unlock()

	sess := domain.NewTransferSession(clientID, info)
	if err := o.store.Save(sess); err != nil {
		o.log.Error("Session persist failed", "object_id", info.ID, "error", err)
		return
	}
	o.registry.Track(sess)

	o.mu.Lock()
	o.queue = append(o.queue, sess)
	depth := len(o.queue)
	o.mu.Unlock()

	o.log.Info("Capture queued",
		"session_id", sess.ID,
		"object_id", info.ID,
		"name", info.Name,
		"size", info.Size,
		"queue_depth", depth)

	o.announce(ctx, sess)
	o.kick()
}

// kick nudges the serve loop to re-run the scheduler. Safe from any
// goroutine, drops the signal when one is already pending.
// pendingLocked reports whether the session already occupies the queue or
// the streaming slot. Callers hold o.mu.
func (o *Orchestrator) pendingLocked(id uuid.UUID) bool {
	if o.active != nil && o.active.ID == id {
		return true
	}
	for _, queued := range o.queue {
		if queued.ID == id {
			return true
		}
	}
	return false
}

func (o *Orchestrator) kick() {
	select {
	case o.wake <- struct{}{}:
	default:
	}
}

// schedule promotes the head of the queue to the single streaming slot.
// No-op when no client is connected, a stream is already running, or the
// queue is empty.
func (o *Orchestrator) schedule(ctx context.Context) {
	o.mu.Lock()
	if o.link == nil || o.active != nil || len(o.queue) == 0 {
		o.mu.Unlock()
		return
	}
	sess := o.queue[0]
	o.queue = o.queue[1:]
	if sess.ClientID == "" {
		sess.ClientID = o.clientID
	}
	o.active = sess
	o.abortReason = domain.ReasonNone
	link, controller := o.link, o.controller

	streamCtx, cancel := context.WithCancel(ctx)
	o.cancelStream = cancel
	o.mu.Unlock()

	read := func(ctx context.Context, offset uint64, length uint32) ([]byte, error) {
		return o.camera.ReadObject(ctx, sess.ObjectID, offset, length)
	}

	o.log.Info("Streaming session", "session_id", sess.ID, "object_id", sess.ObjectID, "offset", sess.AckedOffset)
	go func() {
		start := sess.AckedOffset
		err := controller.Stream(streamCtx, link, sess, read)
		o.stats.AddBytesAcked(sess.AckedOffset - start)
		o.streamDone <- streamResult{session: sess, err: err}
	}()
}

// finishStream settles the slot after Stream returned and schedules the
// next queued session.
func (o *Orchestrator) finishStream(ctx context.Context, res streamResult) {
	o.mu.Lock()
	if o.cancelStream != nil {
		o.cancelStream()
	}
	o.active = nil
	o.cancelStream = nil
	reason := o.abortReason
	o.abortReason = domain.ReasonNone
	o.mu.Unlock()

	sess := res.session

	switch {
	case res.err == nil:
		o.registry.Release(sess)
		o.stats.IncrSessionsCompleted()
		o.sendControl(domain.SessionDone{SessionID: sess.ID, State: domain.Completed})
		o.log.Info("Session completed", "session_id", sess.ID, "object_id", sess.ObjectID, "bytes", sess.TotalSize)

	case reason != domain.ReasonNone:
		// Camera-side abort requested while streaming.
		o.finalize(sess, reason)

	case stderrors.Is(res.err, errors.ErrCameraFatal):
		o.finalize(sess, domain.ReasonCameraError)

	case stderrors.Is(res.err, errors.ErrDeviceGone):
		o.finalize(sess, domain.ReasonCameraDetached)

	default:
		// Link loss, peer silence or shutdown: the session stays resumable.
		o.interrupt(sess, res.err)
	}

	o.schedule(ctx)
}

func (o *Orchestrator) interrupt(sess *domain.TransferSession, cause error) {
	o.stats.IncrErrorCount()
	if err := sess.TransitionTo(domain.Interrupted); err != nil {
		o.log.Error("Session could not be interrupted", "session_id", sess.ID, "state", sess.State, "error", err)
		return
	}
	if err := o.store.Save(sess); err != nil {
		o.log.Error("Session persist failed", "session_id", sess.ID, "error", err)
	}
	o.log.Warn("Session interrupted", "session_id", sess.ID, "offset", sess.AckedOffset, "error", cause)
}

// finalize aborts a session for good, releases its object slot and tells
// the client when a link is up.
func (o *Orchestrator) finalize(sess *domain.TransferSession, reason domain.AbortReason) {
	if sess.State.Terminal() {
		o.registry.Release(sess)
		return
	}
	if err := sess.TransitionTo(domain.Aborted); err != nil {
		o.log.Error("Session could not be aborted", "session_id", sess.ID, "state", sess.State, "error", err)
		return
	}
	sess.Reason = reason
	if err := o.store.Save(sess); err != nil {
		o.log.Error("Session persist failed", "session_id", sess.ID, "error", err)
	}
	o.registry.Release(sess)
	o.stats.IncrSessionsAborted()
	o.sendControl(domain.SessionDone{SessionID: sess.ID, State: domain.Aborted, Reason: reason})
	o.log.Warn("Session aborted", "session_id", sess.ID, "object_id", sess.ObjectID, "reason", reason)
}

// abortObject cancels whatever session holds the object, queued or active.
func (o *Orchestrator) abortObject(ctx context.Context, objectID domain.ObjectID, reason domain.AbortReason) {
	sessionID, ok := o.registry.SessionForObject(objectID)
	if !ok {
		return
	}

	o.mu.Lock()
	if o.active != nil && o.active.ID == sessionID {
		o.abortReason = reason
		cancel := o.cancelStream
		o.mu.Unlock()
		cancel()
		return
	}
	for i, sess := range o.queue {
		if sess.ID != sessionID {
			continue
		}
		o.queue = append(o.queue[:i], o.queue[i+1:]...)
		o.mu.Unlock()
		o.finalize(sess, reason)
		return
	}
	o.mu.Unlock()

	// Not queued, not active: an interrupted session awaiting resume.
	sess, err := o.store.Get(sessionID.String())
	if err != nil {
		o.log.Error("Session lookup failed", "session_id", sessionID, "error", err)
		return
	}
	if !sess.State.Terminal() {
		o.finalize(sess, reason)
	}
}

func (o *Orchestrator) abortAll(ctx context.Context, reason domain.AbortReason) {
	o.mu.Lock()
	queued := o.queue
	o.queue = nil
	var cancel context.CancelFunc
	if o.active != nil {
		o.abortReason = reason
		cancel = o.cancelStream
	}
	o.mu.Unlock()
	if cancel != nil {
		cancel()
	}

	for _, sess := range queued {
		o.finalize(sess, reason)
	}
	// Interrupted sessions are left alone: the camera may reattach within
	// the resume window, and the reaper expires them otherwise.
}
