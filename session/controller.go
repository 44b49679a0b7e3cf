// Package session gates how fast a transfer's bytes are pushed into the
// framing layer (client-granted credit on top of the link window) and keeps
// the resume offset durable so an interrupted transfer continues where the
// last acknowledgment left it.
package session

import (
	"camlink/contract"
	"camlink/domain"
	"camlink/framing"
	"context"
	"fmt"
	"log/slog"
	"sync"
)

// ReadFunc reads length bytes of the session's object starting at offset.
type ReadFunc func(ctx context.Context, offset uint64, length uint32) ([]byte, error)

// Controller holds the credit account of the connected client and drives
// one streaming session at a time through the framing link.
type Controller struct {
	log       *slog.Logger
	store     contract.SessionStore
	chunkSize int

	mu      sync.Mutex
	credit  int64
	granted chan struct{}
}

func NewController(log *slog.Logger, store contract.SessionStore, chunkSize int, creditDefault uint32) *Controller {
	return &Controller{
		log:       log,
		store:     store,
		chunkSize: chunkSize,
		credit:    int64(creditDefault),
		granted:   make(chan struct{}, 1),
	}
}

// Grant adds client credit. Called for every CreditGrant control frame.
func (c *Controller) Grant(n uint32) {
	c.mu.Lock()
	c.credit += int64(n)
	c.mu.Unlock()

	select {
	case c.granted <- struct{}{}:
	default:
	}
}

// ResetCredit starts a fresh credit account, used when a new client link
// comes up.
func (c *Controller) ResetCredit(n uint32) {
	c.mu.Lock()
	c.credit = int64(n)
	c.mu.Unlock()
}

func (c *Controller) available() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.credit
}

func (c *Controller) consume(n int64) {
	c.mu.Lock()
	c.credit -= n
	c.mu.Unlock()
}

// Stream pushes the session's remaining bytes through the link, starting at
// the acknowledged offset. It returns once every byte is acknowledged
// (session Completed) or with the error that stopped it; the caller decides
// between Interrupted and Aborted.
//
// Invariants: no byte below AckedOffset is ever re-sent, and no more than
// the granted credit is in flight beyond what the client acknowledged.
func (c *Controller) Stream(ctx context.Context, link *framing.Link, sess *domain.TransferSession, read ReadFunc) error {
	if sess.State == domain.Queued || sess.State == domain.Interrupted || sess.State == domain.Paused {
		if err := sess.TransitionTo(domain.Streaming); err != nil {
			return err
		}
	}
	if err := c.persist(sess); err != nil {
		return err
	}

	sent := sess.AckedOffset

	for sess.AckedOffset < sess.TotalSize {
		if err := c.foldAcks(link, sess); err != nil {
			return err
		}

		avail := c.available()
		switch {
		case sent < sess.TotalSize && avail > 0:
			if sess.State == domain.Paused {
				if err := sess.TransitionTo(domain.Streaming); err != nil {
					return err
				}
				c.log.Debug("Credit granted, resuming stream", "session", sess.ID)
			}

			n := min(uint64(c.chunkSize), sess.TotalSize-sent, uint64(avail))
			data, err := read(ctx, sent, uint32(n))
			if err != nil {
				return fmt.Errorf("reading object %d at %d: %w", sess.ObjectID, sent, err)
			}
			if err := link.SendData(ctx, data); err != nil {
				return err
			}
			c.consume(int64(len(data)))
			sent += uint64(len(data))

		case sent < sess.TotalSize:
			// Credit exhausted: pause without tearing anything down.
			if sess.State == domain.Streaming {
				if err := sess.TransitionTo(domain.Paused); err != nil {
					return err
				}
				if err := c.persist(sess); err != nil {
					return err
				}
				c.log.Info("Stream paused, waiting for credit", "session", sess.ID, "sent", sent)
			}
			if err := c.waitProgress(ctx, link, sess, true); err != nil {
				return err
			}

		default:
			// Everything sent, waiting for the trailing acknowledgments.
			if err := c.waitProgress(ctx, link, sess, false); err != nil {
				return err
			}
		}
	}

	if err := sess.TransitionTo(domain.Completed); err != nil {
		return err
	}
	return c.persist(sess)
}

// foldAcks applies pending acknowledgment notifications to the resume
// offset without blocking, persisting each advance.
func (c *Controller) foldAcks(link *framing.Link, sess *domain.TransferSession) error {
	for {
		select {
		case n := <-link.AckedBytes():
			sess.AckedOffset += uint64(n)
			if err := c.persist(sess); err != nil {
				return err
			}
		default:
			return nil
		}
	}
}

// waitProgress blocks until an acknowledgment arrives, credit is granted
// (when wanted), or the context ends.
func (c *Controller) waitProgress(ctx context.Context, link *framing.Link, sess *domain.TransferSession, wantCredit bool) error {
	granted := c.granted
	if !wantCredit {
		granted = nil
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case n := <-link.AckedBytes():
		sess.AckedOffset += uint64(n)
		return c.persist(sess)
	case <-granted:
		return nil
	}
}

func (c *Controller) persist(sess *domain.TransferSession) error {
	if err := c.store.Save(sess); err != nil {
		return fmt.Errorf("persisting session %s: %w", sess.ID, err)
	}
	return nil
}
