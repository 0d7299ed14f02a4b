// Package store defines the durable order queue and its implementations. All
// coordination between workers is expressed as conditional updates on an
// order's status; callers detect lost races from the returned flags.
package store

import (
	"context"
	"time"

	"reservo/internal/domain"
)

// OrderStore persists queued orders and provides the compare-and-swap
// primitives the execution engine uses as a distributed lock.
type OrderStore interface {
	// Insert persists new orders atomically: either all are stored or none.
	Insert(ctx context.Context, orders ...*domain.QueuedOrder) error

	// Get retrieves a single order by its ID. Unknown ids yield domain.ErrNotFound.
	Get(ctx context.Context, id string) (*domain.QueuedOrder, error)

	// List returns the owner's orders in the given statuses (all statuses when
	// none are given), oldest execute_after first.
	List(ctx context.Context, owner string, statuses ...domain.OrderStatus) ([]domain.QueuedOrder, error)

	// Due returns PENDING orders whose execute_after is at or before now,
	// oldest first. A limit <= 0 means no limit.
	Due(ctx context.Context, now time.Time, limit int) ([]domain.QueuedOrder, error)

	// Claim moves an order PENDING -> RUNNING under the given lock token if it
	// is still PENDING and due. It reports false when another worker won.
	Claim(ctx context.Context, id, token string, now time.Time) (bool, error)

	// MarkSubmitted records, under the claim, that a submission is about to
	// be sent to the brokerage. It returns domain.ErrLockLost if token no
	// longer holds the order.
	MarkSubmitted(ctx context.Context, id, token string, now time.Time) error

	// CommitDone moves a claimed order RUNNING -> DONE. It returns
	// domain.ErrLockLost if token no longer holds the order.
	CommitDone(ctx context.Context, id, token string, res domain.Resolution, brokerOrderID string, now time.Time) error

	// CommitFailure records a failed attempt on a claimed order: retry_count is
	// incremented, the submission mark is cleared and the order returns to
	// PENDING, or moves to ERROR once the incremented count reaches maxRetry.
	// It returns the new status and retry count, or domain.ErrLockLost.
	CommitFailure(ctx context.Context, id, token, reason string, maxRetry int, now time.Time) (domain.OrderStatus, int, error)

	// SweepStale releases RUNNING orders last touched before cutoff without
	// touching retry_count. Orders with no submission mark return to PENDING;
	// marked ones move to ERROR with domain.ErrUnconfirmed, since the
	// brokerage may already hold the order.
	SweepStale(ctx context.Context, cutoff, now time.Time) ([]Swept, error)

	// DeletePending removes an order only while it is PENDING.
	DeletePending(ctx context.Context, id string) (bool, error)

	// TerminalBeyond returns DONE/ERROR orders older than the keep most
	// recently updated ones.
	TerminalBeyond(ctx context.Context, keep int) ([]domain.QueuedOrder, error)

	// DeleteTerminal removes the given orders if they are DONE or ERROR.
	DeleteTerminal(ctx context.Context, ids []string) (int64, error)
}

// Swept is an order released by SweepStale and the status it was given.
type Swept struct {
	ID     string
	Status domain.OrderStatus
}

// Archive receives terminal orders before they are pruned from the queue.
type Archive interface {
	ArchiveOrders(ctx context.Context, orders []domain.QueuedOrder) error
}
