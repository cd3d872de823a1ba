package store

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Z333Q/p402-router/internal/x402"
)

func testDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := OpenMemory()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func testRecord(proofKey string) *x402.SettlementRecord {
	return &x402.SettlementRecord{
		ID:           "rec-" + proofKey,
		ProofKey:     proofKey,
		Scheme:       x402.SchemeExact,
		TenantID:     "tenant-1",
		BuyerID:      "agent-1",
		Amount:       "0.10",
		Asset:        "USDC",
		PayerAddress: "0x1111111111111111111111111111111111111111",
		TxHash:       "0xdead",
		Outcome:      "settled",
		VerifiedAt:   time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC),
	}
}

func TestReserveAndRecord(t *testing.T) {
	repo := NewLedgerRepository(testDB(t))
	ctx := context.Background()

	rec := testRecord("exact:a:b:usdc:0x01")
	require.NoError(t, repo.ReserveAndRecord(ctx, rec))

	got, err := repo.GetByID(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, rec.ProofKey, got.ProofKey)
	assert.Equal(t, rec.Amount, got.Amount)
	assert.Equal(t, "settled", got.Outcome)

	byKey, err := repo.GetByProofKey(ctx, rec.ProofKey)
	require.NoError(t, err)
	assert.Equal(t, rec.ID, byKey.ID)
}

func TestReserveAndRecordRejectsReplay(t *testing.T) {
	repo := NewLedgerRepository(testDB(t))
	ctx := context.Background()

	first := testRecord("exact:a:b:usdc:0x02")
	require.NoError(t, repo.ReserveAndRecord(ctx, first))

	// Same proof key under a fresh record id is still a replay.
	second := testRecord("exact:a:b:usdc:0x02")
	second.ID = "rec-other"
	err := repo.ReserveAndRecord(ctx, second)
	assert.ErrorIs(t, err, x402.ErrDuplicateProofKey)

	// The ledger holds exactly the first write.
	got, err := repo.GetByProofKey(ctx, first.ProofKey)
	require.NoError(t, err)
	assert.Equal(t, first.ID, got.ID)
}

func TestReserveAndRecordConcurrentReplay(t *testing.T) {
	repo := NewLedgerRepository(testDB(t))

	const racers = 8
	var wg sync.WaitGroup
	errs := make(chan error, racers)

	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			rec := testRecord("onchain:0xrace")
			rec.ID = fmt.Sprintf("rec-%d", i)
			errs <- repo.ReserveAndRecord(context.Background(), rec)
		}(i)
	}
	wg.Wait()
	close(errs)

	successes, replays := 0, 0
	for err := range errs {
		switch {
		case err == nil:
			successes++
		case err == x402.ErrDuplicateProofKey:
			replays++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, successes)
	assert.Equal(t, racers-1, replays)
}

func TestGetByIDNotFound(t *testing.T) {
	repo := NewLedgerRepository(testDB(t))
	_, err := repo.GetByID(context.Background(), "missing")
	assert.ErrorIs(t, err, x402.ErrNotFound)
}

func TestDailySpendMicros(t *testing.T) {
	repo := NewLedgerRepository(testDB(t))
	ctx := context.Background()
	day := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)

	amounts := []string{"1.50", "2.25"}
	for i, amount := range amounts {
		rec := testRecord(fmt.Sprintf("exact:a:b:usdc:0x1%d", i))
		rec.ID = fmt.Sprintf("rec-day-%d", i)
		rec.Amount = amount
		rec.VerifiedAt = day.Add(time.Duration(i) * time.Hour)
		require.NoError(t, repo.ReserveAndRecord(ctx, rec))
	}

	// A settlement on the next UTC day does not count.
	next := testRecord("exact:a:b:usdc:0x20")
	next.ID = "rec-next-day"
	next.Amount = "100.00"
	next.VerifiedAt = day.Add(25 * time.Hour)
	require.NoError(t, repo.ReserveAndRecord(ctx, next))

	// Another buyer on the same day does not count.
	other := testRecord("exact:a:b:usdc:0x21")
	other.ID = "rec-other-buyer"
	other.BuyerID = "agent-2"
	other.Amount = "50.00"
	other.VerifiedAt = day.Add(time.Hour)
	require.NoError(t, repo.ReserveAndRecord(ctx, other))

	micros, err := repo.DailySpendMicros(ctx, "tenant-1", "agent-1", day.Add(6*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(3_750_000), micros)
}

func TestCountRateEvents(t *testing.T) {
	repo := NewLedgerRepository(testDB(t))
	ctx := context.Background()
	base := time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)

	for i := 0; i < 3; i++ {
		rec := testRecord(fmt.Sprintf("exact:a:b:usdc:0x3%d", i))
		rec.ID = fmt.Sprintf("rec-rate-%d", i)
		rec.VerifiedAt = base.Add(time.Duration(i*20) * time.Second)
		require.NoError(t, repo.ReserveAndRecord(ctx, rec))
	}

	n, err := repo.CountRateEvents(ctx, "tenant-1", "agent-1", base)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	// Window starting after the first event drops it.
	n, err = repo.CountRateEvents(ctx, "tenant-1", "agent-1", base.Add(10*time.Second))
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}
