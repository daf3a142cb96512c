package mempool

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/rg-network/node/internal/store"
	"github.com/rg-network/node/pkg/types"
)

func TestAdmitRejectsWhenFull(t *testing.T) {
	queue := make(chan *types.Transaction, 1)
	tx := &types.Transaction{Time: 1}
	require.NoError(t, Admit(queue, tx))
	require.Error(t, Admit(queue, tx), "expected MempoolFull on second admit")
}

func TestWriterPersistsAcceptedTx(t *testing.T) {
	dir := t.TempDir()
	s, err := store.NewMemoryStore(filepath.Join(dir, "wal.log"))
	require.NoError(t, err)
	defer s.Close()

	in := make(chan AcceptedTx, 1)
	w := NewWriter(s, in)

	ctx, cancel := context.WithCancel(context.Background())
	go w.Run(ctx)

	tx := &types.Transaction{
		Outputs: []types.Output{{Address: types.Address{0x01}, Amount: 5, Currency: "native", Type: types.OutputCurrency}},
		Time:    1,
	}
	in <- AcceptedTx{Tx: tx, Time: 1, Accepted: true}

	deadline := time.After(2 * time.Second)
	for {
		_, _, ok, err := s.QueryMaybeTransaction(context.Background(), tx.SignableHash())
		if err != nil {
			t.Fatalf("query: %v", err)
		}
		if ok {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for writer to persist transaction")
		case <-time.After(10 * time.Millisecond):
		}
	}
	cancel()
	<-w.Done()
}
