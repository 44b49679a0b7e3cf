//go:generate go run go.uber.org/mock/mockgen -source=contract.go -destination=../mocks/mock_contract.go -package=mocks
package contract

import (
	"camlink/domain"
	"context"
	"reflect"
)

type ISupervisor interface {
	Add(worker ...Worker) ISupervisor
	Run(ctx context.Context)
	Start(ctx context.Context, worker Worker)
	Stop()
}

type WorkerName string

// Worker doesn't protect itself
// Can be silly, focused
type Worker interface {
	Run(ctx context.Context) error
}

// GetWorkerName uses reflection to retrieve the type name of the worker.
// This is used for logging and supervision purposes during worker initialization
// or lifecycle events, avoiding the need for manual naming in the Worker interface.
func GetWorkerName(w Worker) string {
	if w == nil {
		return "NilWorker"
	}
	t := reflect.TypeOf(w)
	for t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	return t.Name()
}

// Conn is one client link. Chunks yields raw inbound byte chunks and is
// closed on disconnect; any send failure maps to errors.ErrLinkLost.
type Conn interface {
	Send(ctx context.Context, b []byte) error
	Chunks() <-chan []byte
	RemoteID() string
	Close() error
}

// Listener is the radio collaborator surface: it advertises/listens and
// hands over at most one live Conn at a time. A second connection attempt
// while one is live is rejected with errors.ErrBusy on the remote side.
type Listener interface {
	Accept(ctx context.Context) (Conn, error)
	Close() error
}

// Camera is the protocol client surface the orchestrator consumes.
type Camera interface {
	Events() <-chan domain.CameraEvent
	Objects() domain.Catalog
	ObjectInfo(ctx context.Context, id domain.ObjectID) (domain.ObjectInfo, error)
	ReadObject(ctx context.Context, id domain.ObjectID, offset uint64, length uint32) ([]byte, error)
	DeleteObject(ctx context.Context, id domain.ObjectID) error
}

// SessionStore persists transfer sessions so interrupted ones survive
// a reconnect (and a bridge restart).
type SessionStore interface {
	Save(s *domain.TransferSession) error
	Get(id string) (*domain.TransferSession, error)
	Delete(id string) error
	List() ([]*domain.TransferSession, error)
}
