package snapshot

import (
	"context"
	"crypto/sha256"
	"testing"

	"github.com/stretchr/testify/require"

	"agentos.dev/kernel/kernel/journal"
	"agentos.dev/kernel/kernel/kernelerr"
	"agentos.dev/kernel/kernel/schema"
)

// countingApplier is a minimal Applier that counts applied records and
// derives a StateHash from that count, enough to exercise Replay/
// VerifyBaseline/PromoteBaseline without a real world behind it.
type countingApplier struct {
	count uint64
}

func (a *countingApplier) Apply(_ context.Context, _ journal.Record) error {
	a.count++
	return nil
}

func (a *countingApplier) StateHash(_ context.Context) (schema.Hash, error) {
	var buf [8]byte
	for i := 0; i < 8; i++ {
		buf[i] = byte(a.count >> (8 * i))
	}
	return sha256.Sum256(buf[:]), nil
}

func TestReplayAppliesInOrder(t *testing.T) {
	ctx := context.Background()
	j := journal.NewMemStore()
	_, err := j.Append(ctx, journal.Record{Kind: journal.KindDomainEvent})
	require.NoError(t, err)
	_, err = j.Append(ctx, journal.Record{Kind: journal.KindDomainEvent})
	require.NoError(t, err)

	app := &countingApplier{}
	cursor, err := RestoreFromGenesis(ctx, j, app)
	require.NoError(t, err)
	require.Equal(t, uint64(2), cursor)
	require.Equal(t, uint64(2), app.count)
}

func TestPromoteBaselineThenVerify(t *testing.T) {
	ctx := context.Background()
	j := journal.NewMemStore()
	_, err := j.Append(ctx, journal.Record{Kind: journal.KindDomainEvent})
	require.NoError(t, err)

	live := &countingApplier{}
	cursor, err := RestoreFromGenesis(ctx, j, live)
	require.NoError(t, err)
	hash, err := live.StateHash(ctx)
	require.NoError(t, err)

	fresh := &countingApplier{}
	_, err = PromoteBaseline(ctx, j, fresh, KernelSnapshot{Height: cursor, StateHash: hash}, 0, 0)
	require.NoError(t, err)

	head, err := j.Head(ctx)
	require.NoError(t, err)
	require.Equal(t, uint64(2), head) // the DomainEvent plus the BaselineSnapshot record
}

func TestVerifyBaselineDetectsRegression(t *testing.T) {
	ctx := context.Background()
	j := journal.NewMemStore()
	_, err := j.Append(ctx, journal.Record{Kind: journal.KindDomainEvent})
	require.NoError(t, err)

	fresh := &countingApplier{}
	err = VerifyBaseline(ctx, j, fresh, KernelSnapshot{Height: 1, StateHash: schema.Hash{0xFF}})
	require.Error(t, err)
	code, ok := kernelerr.GetCode(err)
	require.True(t, ok)
	require.Equal(t, kernelerr.BaselineRegression, code)
}

func TestReceiptHorizonRejectsUnseenIntent(t *testing.T) {
	h := NewReceiptHorizon()
	var intent schema.Hash
	intent[0] = 1
	require.Error(t, h.CheckReceipt(intent))
	h.Intent(intent)
	require.NoError(t, h.CheckReceipt(intent))
}
