// Package mempool implements the bounded admission queue and single-writer
// persistence worker (C3). Grounded on the teacher's TxPool map plus its
// serialised append-to-WAL discipline in core/ledger.go, generalised here
// into an explicit channel-fed worker instead of a map guarded ad hoc by the
// ledger's own mutex.
package mempool

import (
	"context"

	"github.com/sirupsen/logrus"

	"github.com/rg-network/node/internal/store"
	"github.com/rg-network/node/pkg/types"
)

// AcceptedTx is one transaction the processor (C6) has finished resolving
// and handed to the writer for durable persistence.
type AcceptedTx struct {
	Tx        *types.Transaction
	Time      int64
	Accepted  bool
	Rejection *types.RejectionReason
}

// Writer is the single-writer persistence worker for C1. It is the only
// component that calls Store.InsertTransaction, serialising all writes
// through one goroutine reading from In.
type Writer struct {
	store store.Store
	in    <-chan AcceptedTx
	done  chan struct{}
}

// NewWriter constructs a Writer draining in and persisting each item to s.
func NewWriter(s store.Store, in <-chan AcceptedTx) *Writer {
	return &Writer{store: s, in: in, done: make(chan struct{})}
}

// Run drains the writer's input channel until ctx is cancelled or the
// channel closes. Run returns on cancellation; nothing in this module
// restarts it.
func (w *Writer) Run(ctx context.Context) {
	defer close(w.done)
	for {
		select {
		case item, ok := <-w.in:
			if !ok {
				return
			}
			if err := w.store.InsertTransaction(ctx, item.Tx, item.Time, item.Accepted, item.Rejection); err != nil {
				logrus.WithError(err).WithField("hash", item.Tx.SignableHash().Hex()).Error("mempool: persist accepted transaction")
			}
		case <-ctx.Done():
			logrus.WithError(ctx.Err()).Info("mempool: writer cancelled")
			return
		}
	}
}

// Done reports the channel closed when Run returns, for callers that want to
// wait for the writer to drain on shutdown.
func (w *Writer) Done() <-chan struct{} { return w.done }

// Admit pushes tx onto queue, failing MempoolFull immediately rather than
// blocking, per §4.3's bounded-queue contract.
func Admit(queue chan<- *types.Transaction, tx *types.Transaction) error {
	select {
	case queue <- tx:
		return nil
	default:
		return types.NewError(types.ErrMempoolFull, "mempool queue at capacity")
	}
}
