package ledger

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"path/filepath"
	"sync"
	"testing"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/rehouzd/skiptrace/internal/model"
	"github.com/rehouzd/skiptrace/internal/store"
)

func newTestLedger(t *testing.T) (*Ledger, store.Store) {
	t.Helper()
	s, err := store.NewSQLite(filepath.Join(t.TempDir(), "ledger.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() }) //nolint:errcheck
	require.NoError(t, s.Migrate(context.Background()))
	return New(s, 5), s
}

func TestCreditAndBalance(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()

	_, applied, err := l.Credit(ctx, "u1", 3, model.TransactionEarned, "grant:u1:2026-03")
	require.NoError(t, err)
	assert.True(t, applied)
	_, applied, err = l.Credit(ctx, "u1", 10, model.TransactionPurchased, "cs_test_1")
	require.NoError(t, err)
	assert.True(t, applied)

	acct, err := l.Balance(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 3, acct.FreeRemaining)
	assert.Equal(t, 10, acct.PaidRemaining)
	assert.NoError(t, l.Verify(ctx, "u1"))
}

func TestCreditReplayAppliesOnce(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()

	first, applied, err := l.Credit(ctx, "u1", 25, model.TransactionPurchased, "pi_123")
	require.NoError(t, err)
	require.True(t, applied)

	for i := 0; i < 3; i++ {
		again, applied, err := l.Credit(ctx, "u1", 25, model.TransactionPurchased, "pi_123")
		require.NoError(t, err)
		assert.False(t, applied)
		assert.Equal(t, first.ID, again.ID)
	}

	acct, err := l.Balance(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 25, acct.PaidRemaining)
}

func TestCreditValidation(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()

	tests := []struct {
		name   string
		user   string
		amount int
		typ    model.TransactionType
		ref    string
	}{
		{"no user", "", 1, model.TransactionEarned, "r"},
		{"zero amount", "u1", 0, model.TransactionEarned, "r"},
		{"no reference", "u1", 1, model.TransactionEarned, ""},
		{"used type", "u1", 1, model.TransactionUsed, "r"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := l.Credit(ctx, tt.user, tt.amount, tt.typ, tt.ref)
			assert.ErrorIs(t, err, model.ErrValidation)
		})
	}
}

func TestDebitFreeFirst(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()

	_, _, err := l.Credit(ctx, "u1", 1, model.TransactionEarned, "g1")
	require.NoError(t, err)
	_, _, err = l.Credit(ctx, "u1", 2, model.TransactionPurchased, "p1")
	require.NoError(t, err)

	tx, err := l.Debit(ctx, "u1", 1, "")
	require.NoError(t, err)
	assert.Equal(t, model.CreditTypeFree, tx.CreditType())

	tx, err = l.Debit(ctx, "u1", 1, "")
	require.NoError(t, err)
	assert.Equal(t, model.CreditTypePaid, tx.CreditType())

	acct, err := l.Balance(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 0, acct.FreeRemaining)
	assert.Equal(t, 1, acct.PaidRemaining)
	assert.NoError(t, l.Verify(ctx, "u1"))
}

func TestDebitInsufficient(t *testing.T) {
	l, _ := newTestLedger(t)
	_, err := l.Debit(context.Background(), "nobody", 1, "")
	assert.ErrorIs(t, err, model.ErrInsufficientCredits)

	_, err = l.Debit(context.Background(), "nobody", 0, "")
	assert.ErrorIs(t, err, model.ErrValidation)
}

func TestConcurrentDebitsAgainstOneCredit(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()
	_, _, err := l.Credit(ctx, "u1", 1, model.TransactionEarned, "g1")
	require.NoError(t, err)

	var wg sync.WaitGroup
	var mu sync.Mutex
	var ok, insufficient int
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := l.Debit(ctx, "u1", 1, "")
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				ok++
			case errors.Is(err, model.ErrInsufficientCredits):
				insufficient++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, ok)
	assert.Equal(t, 1, insufficient)
	acct, err := l.Balance(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 0, acct.Total())
}

func TestInvariantAfterRandomInterleaving(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for w := 0; w < 6; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			r := rand.New(rand.NewPCG(uint64(w), 42))
			for i := 0; i < 20; i++ {
				switch r.IntN(3) {
				case 0:
					_, _, _ = l.Credit(ctx, "u1", 1+r.IntN(3), model.TransactionEarned, fmt.Sprintf("g-%d-%d", w, i))
				case 1:
					_, _, _ = l.Credit(ctx, "u1", 1, model.TransactionPurchased, fmt.Sprintf("p-%d-%d", w, i%4))
				default:
					_, _ = l.Debit(ctx, "u1", 1+r.IntN(2), "")
				}
			}
		}(w)
	}
	wg.Wait()

	acct, err := l.Balance(ctx, "u1")
	require.NoError(t, err)
	assert.GreaterOrEqual(t, acct.FreeRemaining, 0)
	assert.GreaterOrEqual(t, acct.PaidRemaining, 0)
	assert.NoError(t, l.Verify(ctx, "u1"))
}

func TestHistory(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()
	_, _, err := l.Credit(ctx, "u1", 5, model.TransactionEarned, "g1")
	require.NoError(t, err)
	_, err = l.Debit(ctx, "u1", 1, "")
	require.NoError(t, err)

	txs, err := l.History(ctx, "u1", 10, 0)
	require.NoError(t, err)
	require.Len(t, txs, 2)
	sum := 0
	for _, tx := range txs {
		sum += tx.Delta()
	}
	assert.Equal(t, 4, sum)
}

type mockStore struct {
	mock.Mock
	store.LedgerStore
}

func (m *mockStore) Debit(ctx context.Context, userID string, amount int, reference string) (*model.CreditTransaction, error) {
	args := m.Called(ctx, userID, amount, reference)
	tx, _ := args.Get(0).(*model.CreditTransaction)
	return tx, args.Error(1)
}

func (m *mockStore) GetCreditAccount(ctx context.Context, userID string) (*model.CreditAccount, error) {
	args := m.Called(ctx, userID)
	return args.Get(0).(*model.CreditAccount), args.Error(1)
}

func (m *mockStore) SumTransactions(ctx context.Context, userID string) (int, int, error) {
	args := m.Called(ctx, userID)
	return args.Int(0), args.Int(1), args.Error(2)
}

func (m *mockStore) ChargeAndRecordAccess(ctx context.Context, req store.ChargeRequest) (*store.ChargeResult, error) {
	args := m.Called(ctx, req)
	res, _ := args.Get(0).(*store.ChargeResult)
	return res, args.Error(1)
}

func TestDebitRetriesConflicts(t *testing.T) {
	ms := &mockStore{}
	conflict := eris.Wrap(store.ErrConflict, "balance changed")
	ms.On("Debit", mock.Anything, "u1", 1, "").Return(nil, conflict).Twice()
	ms.On("Debit", mock.Anything, "u1", 1, "").Return(&model.CreditTransaction{FreeDelta: -1}, nil).Once()

	l := New(ms, 5)
	tx, err := l.Debit(context.Background(), "u1", 1, "")
	require.NoError(t, err)
	assert.Equal(t, -1, tx.FreeDelta)
	ms.AssertNumberOfCalls(t, "Debit", 3)
}

func TestDebitConflictExhausted(t *testing.T) {
	ms := &mockStore{}
	ms.On("Debit", mock.Anything, "u1", 1, "").Return(nil, eris.Wrap(store.ErrConflict, "balance changed"))

	l := New(ms, 3)
	_, err := l.Debit(context.Background(), "u1", 1, "")
	assert.ErrorIs(t, err, model.ErrLedgerConflict)
	ms.AssertNumberOfCalls(t, "Debit", 3)
}

func TestDebitDoesNotRetryInsufficient(t *testing.T) {
	ms := &mockStore{}
	ms.On("Debit", mock.Anything, "u1", 1, "").Return(nil, model.ErrInsufficientCredits)

	l := New(ms, 5)
	_, err := l.Debit(context.Background(), "u1", 1, "")
	assert.ErrorIs(t, err, model.ErrInsufficientCredits)
	ms.AssertNumberOfCalls(t, "Debit", 1)
}

func TestChargeRetriesConflicts(t *testing.T) {
	ms := &mockStore{}
	req := store.ChargeRequest{Access: model.UserLookupAccess{UserID: "u1", BuyerID: "b1"}, Billable: true}
	ms.On("ChargeAndRecordAccess", mock.Anything, req).Return(nil, store.ErrConflict).Once()
	ms.On("ChargeAndRecordAccess", mock.Anything, req).Return(&store.ChargeResult{Inserted: true}, nil).Once()

	l := New(ms, 5)
	res, err := l.Charge(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, res.Inserted)
}

func TestVerifyDetectsDrift(t *testing.T) {
	ms := &mockStore{}
	ms.On("GetCreditAccount", mock.Anything, "u1").Return(&model.CreditAccount{UserID: "u1", FreeRemaining: 2, PaidRemaining: 5}, nil)
	ms.On("SumTransactions", mock.Anything, "u1").Return(2, 4, nil)

	err := New(ms, 1).Verify(context.Background(), "u1")
	var drift *DriftError
	require.ErrorAs(t, err, &drift)
	assert.Equal(t, 5, drift.PaidBalance)
	assert.Equal(t, 4, drift.PaidTx)
	assert.Contains(t, err.Error(), "drifted")
}
