package repository

import "context"

type Tx interface{}

var NoTX Tx

// TransactionManager executes fn inside a storage transaction and passes the
// handle through tx. Repositories detect the handle on their side: the Postgres
// implementation issues SELECT ... FOR UPDATE when given a pgx.Tx, the SQLite one
// relies on version checks instead.
//
// USAGE
//
//	tm.WithTx(ctx, func(ctx context.Context, tx Tx) error {
//		p, err := payments.FindByOrderID(ctx, tx, orderID)
//		...
//		return payments.Update(ctx, tx, p, p.Version)
//	})
//
// Repositories MUST accept a nil tx (non-transactional path).
type TransactionManager interface {
	WithTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
}
