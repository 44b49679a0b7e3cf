package session

import (
	"camlink/domain"
	apperrors "camlink/errors"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/dgraph-io/badger/v4"
)

const keyPrefix = "session:"

// Store persists transfer sessions in BadgerDB so resume offsets survive
// link loss and bridge restarts.
type Store struct {
	db  *badger.DB
	log *slog.Logger
}

func NewStore(db *badger.DB, log *slog.Logger) *Store {
	return &Store{db: db, log: log}
}

func sessionKey(id string) []byte {
	return []byte(keyPrefix + id)
}

func (s *Store) Save(sess *domain.TransferSession) error {
	data, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("encoding session %s: %w", sess.ID, err)
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(sessionKey(sess.ID.String()), data)
	})
}

func (s *Store) Get(id string) (*domain.TransferSession, error) {
	var sess domain.TransferSession
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(sessionKey(id))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return apperrors.ErrSessionNotFound
		}
		if err != nil {
			return err
		}
		return item.Value(func(v []byte) error {
			return json.Unmarshal(v, &sess)
		})
	})
	if err != nil {
		return nil, err
	}
	return &sess, nil
}

func (s *Store) Delete(id string) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(sessionKey(id))
	})
}

// List returns every persisted session, terminal ones included.
func (s *Store) List() ([]*domain.TransferSession, error) {
	var sessions []*domain.TransferSession

	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = true

		it := txn.NewIterator(opts)
		defer it.Close()

		prefix := []byte(keyPrefix)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			err := it.Item().Value(func(v []byte) error {
				var sess domain.TransferSession
				if err := json.Unmarshal(v, &sess); err != nil {
					// A broken record must not hide the healthy ones.
					s.log.Error("Skipping undecodable session record",
						"key", string(it.Item().Key()), "error", err)
					return nil
				}
				sessions = append(sessions, &sess)
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("listing sessions: %w", err)
	}
	return sessions, nil
}
