package runtime

import (
	"context"
	stderrors "errors"

	"github.com/samber/lo"

	"camlink/auth"
	"camlink/domain"
	"camlink/errors"
)

func (o *Orchestrator) handleControl(ctx context.Context, msg domain.ControlMessage) {
	switch m := msg.(type) {
	case domain.CreditGrant:
		o.mu.Lock()
		controller := o.controller
		o.mu.Unlock()
		if controller != nil {
			controller.Grant(m.Bytes)
		}
	case domain.SessionResume:
		o.handleResume(ctx, m)
	case domain.DeleteRequest:
		o.handleDelete(ctx, m)
	default:
		o.log.Warn("Unexpected control frame from client", "kind", msg.Kind())
	}
}

// handleResume restarts an interrupted session at its durable offset. The
// token proves the request comes from the client the session was announced
// to; an invalid or mismatched token is logged and dropped without reply.
func (o *Orchestrator) handleResume(ctx context.Context, msg domain.SessionResume) {
	if err := o.validate.Struct(msg); err != nil {
		o.log.Warn("Malformed resume request", "error", err)
		return
	}

	claims, err := auth.ValidateResumeToken(o.tokenKey, msg.Token)
	if err != nil {
		o.log.Warn("Resume token rejected", "session_id", msg.SessionID, "error", err)
		return
	}
	if claims.SessionID != msg.SessionID.String() {
		o.log.Warn("Resume token does not match session", "session_id", msg.SessionID)
		return
	}

	sess, err := o.store.Get(msg.SessionID.String())
	if err != nil {
		if stderrors.Is(err, errors.ErrSessionNotFound) {
			o.log.Warn("Resume for unknown session", "session_id", msg.SessionID)
			return
		}
		o.log.Error("Session lookup failed", "session_id", msg.SessionID, "error", err)
		return
	}

	if sess.State.Terminal() {
		// Already settled, tell the client how it ended.
		o.sendControl(domain.SessionDone{SessionID: sess.ID, State: sess.State, Reason: sess.Reason})
		return
	}
	if sess.State != domain.Interrupted {
		o.log.Warn("Resume for session not interrupted", "session_id", sess.ID, "state", sess.State)
		return
	}

	// The client's offset can only trail ours (it acknowledged every byte
	// below our durable offset before the link died). Trust the lower value
	// so no byte the client lacks is ever skipped.
	if msg.Offset < sess.AckedOffset {
		o.log.Warn("Client resume offset trails durable offset",
			"session_id", sess.ID, "client_offset", msg.Offset, "durable_offset", sess.AckedOffset)
		sess.AckedOffset = msg.Offset
	}

	o.mu.Lock()
	// A resume can arrive twice before the first copy is promoted; a second
	// queued copy would later re-stream from a stale offset.
	if o.pendingLocked(sess.ID) {
		o.mu.Unlock()
		o.log.Warn("Duplicate resume ignored", "session_id", sess.ID)
		return
	}
	sess.ClientID = o.clientID
	// Resumes jump the queue: the client is actively waiting on this one.
	o.queue = append([]*domain.TransferSession{sess}, o.queue...)
	o.mu.Unlock()

	o.registry.Track(sess)
	if err := o.store.Save(sess); err != nil {
		o.log.Error("Session persist failed", "session_id", sess.ID, "error", err)
	}

	o.stats.IncrSessionsResumed()
	o.log.Info("Session resume accepted", "session_id", sess.ID, "offset", sess.AckedOffset)
	o.announce(ctx, sess)
	o.kick()
}

// handleDelete removes an object from the camera unless a live session
// still needs it.
func (o *Orchestrator) handleDelete(ctx context.Context, msg domain.DeleteRequest) {
	if sessionID, ok := o.registry.SessionForObject(msg.ObjectID); ok {
		o.log.Info("Delete refused, object in use", "object_id", msg.ObjectID, "session_id", sessionID)
		o.sendControl(domain.DeleteAck{ObjectID: msg.ObjectID, Status: domain.DeleteInUse})
		return
	}

	status := domain.DeleteOk
	if err := o.camera.DeleteObject(ctx, msg.ObjectID); err != nil {
		o.log.Error("Camera delete failed", "object_id", msg.ObjectID, "error", err)
		status = domain.DeleteFailed
	}
	o.sendControl(domain.DeleteAck{ObjectID: msg.ObjectID, Status: status})
}

// announceBacklog tells a freshly connected client everything it can act
// on: queued sessions about to stream, and interrupted ones it may resume.
func (o *Orchestrator) announceBacklog(ctx context.Context) {
	o.mu.Lock()
	queued := make([]*domain.TransferSession, len(o.queue))
	copy(queued, o.queue)
	o.mu.Unlock()

	for _, sess := range queued {
		o.announce(ctx, sess)
	}

	for _, sess := range o.interruptedSessions() {
		o.announce(ctx, sess)
	}
}

// interruptedSessions lists the persisted sessions still waiting for a
// resume.
func (o *Orchestrator) interruptedSessions() []*domain.TransferSession {
	sessions, err := o.store.List()
	if err != nil {
		o.log.Error("Session scan failed", "error", err)
		return nil
	}
	return lo.Filter(sessions, func(sess *domain.TransferSession, _ int) bool {
		return sess.State == domain.Interrupted
	})
}

// announce ships a SessionAnnounce with a fresh resume token. Silently a
// no-op while no client is connected; the backlog announce covers those.
func (o *Orchestrator) announce(ctx context.Context, sess *domain.TransferSession) {
	o.mu.Lock()
	clientID := o.clientID
	o.mu.Unlock()
	if clientID == "" {
		return
	}

	token, err := auth.GenerateResumeToken(o.tokenKey, sess.ID.String(), clientID, o.cfg.SessionTTL)
	if err != nil {
		o.log.Error("Resume token generation failed", "session_id", sess.ID, "error", err)
		return
	}

	o.sendControl(domain.SessionAnnounce{
		SessionID: sess.ID,
		ObjectID:  sess.ObjectID,
		Size:      sess.TotalSize,
		Offset:    sess.AckedOffset,
		Name:      sess.Name,
		Mime:      sess.Mime,
		Token:     token,
	})
}

// sendControl pushes a control frame on the current link, bounded by
// sendTimeout. Dropped silently when no client is connected.
func (o *Orchestrator) sendControl(msg domain.ControlMessage) {
	o.mu.Lock()
	link := o.link
	o.mu.Unlock()
	if link == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
	defer cancel()
	if err := link.SendControl(ctx, msg); err != nil {
		o.stats.IncrErrorCount()
		o.log.Warn("Control frame send failed", "kind", msg.Kind(), "error", err)
	}
}

// OnSessionExpired implements workers.ExpiryHandler: an interrupted session
// kept past the TTL is aborted and its object slot released.
func (o *Orchestrator) OnSessionExpired(ctx context.Context, sess *domain.TransferSession) {
	o.mu.Lock()
	activeID := ""
	if o.active != nil {
		activeID = o.active.ID.String()
	}
	o.mu.Unlock()
	if activeID == sess.ID.String() {
		// Resumed between the scan and this call.
		return
	}
	o.finalize(sess, domain.ReasonSessionExpired)
}

// PushTelemetry implements workers.TelemetrySink.
func (o *Orchestrator) PushTelemetry(ctx context.Context, snapshot domain.Telemetry) {
	o.sendControl(snapshot)
}

// QueueDepth reports the sessions waiting for the streaming slot.
func (o *Orchestrator) QueueDepth() uint32 {
	o.mu.Lock()
	defer o.mu.Unlock()
	return uint32(len(o.queue))
}
