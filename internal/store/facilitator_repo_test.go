package store

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Z333Q/p402-router/internal/x402"
)

func testFacilitator(id, tenantID string) *x402.Facilitator {
	return &x402.Facilitator{
		ID:       id,
		TenantID: tenantID,
		Endpoint: "https://" + id + ".example.com",
		Status:   x402.FacilitatorActive,
		Type:     "evm",
	}
}

func TestFacilitatorSaveAndGet(t *testing.T) {
	repo := NewFacilitatorRepository(testDB(t))
	ctx := context.Background()

	f := testFacilitator("fac-1", "tenant-1")
	f.StatsPath = "/stats"
	f.AuthConfig = json.RawMessage(`{"type":"bearer","token":"secret"}`)
	require.NoError(t, repo.Save(ctx, f))

	got, err := repo.GetByID(ctx, "fac-1")
	require.NoError(t, err)
	assert.Equal(t, f.Endpoint, got.Endpoint)
	assert.Equal(t, "/stats", got.StatsPath)
	assert.JSONEq(t, string(f.AuthConfig), string(got.AuthConfig))

	// Upsert replaces rather than duplicates.
	f.Endpoint = "https://fac-1.example.net"
	f.Status = x402.FacilitatorInactive
	require.NoError(t, repo.Save(ctx, f))

	got, err = repo.GetByID(ctx, "fac-1")
	require.NoError(t, err)
	assert.Equal(t, "https://fac-1.example.net", got.Endpoint)
	assert.Equal(t, x402.FacilitatorInactive, got.Status)

	_, err = repo.GetByID(ctx, "missing")
	assert.ErrorIs(t, err, x402.ErrNotFound)
}

func TestPickActive(t *testing.T) {
	repo := NewFacilitatorRepository(testDB(t))
	ctx := context.Background()

	shared := testFacilitator("fac-shared", "")
	scoped := testFacilitator("fac-scoped", "tenant-1")
	inactive := testFacilitator("fac-a-inactive", "tenant-1")
	inactive.Status = x402.FacilitatorInactive
	for _, f := range []*x402.Facilitator{shared, scoped, inactive} {
		require.NoError(t, repo.Save(ctx, f))
	}

	// Tenant-scoped active facilitator wins over the shared one.
	got, err := repo.PickActive(ctx, "tenant-1")
	require.NoError(t, err)
	assert.Equal(t, "fac-scoped", got.ID)

	// A tenant with no scoped facilitator falls back to the shared one.
	got, err = repo.PickActive(ctx, "tenant-2")
	require.NoError(t, err)
	assert.Equal(t, "fac-shared", got.ID)
}

func TestUpsertHealth(t *testing.T) {
	repo := NewFacilitatorRepository(testDB(t))
	ctx := context.Background()
	require.NoError(t, repo.Save(ctx, testFacilitator("fac-1", "")))

	h := &x402.FacilitatorHealth{
		FacilitatorID: "fac-1",
		Status:        x402.HealthHealthy,
		SuccessRate:   0.99,
		LatencyMs:     42,
		LastCheckedAt: time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC),
	}
	require.NoError(t, repo.UpsertHealth(ctx, h))

	// Same facilitator, later probe: the row is overwritten, not duplicated.
	h.Status = x402.HealthDown
	h.SuccessRate = 0
	h.LastError = "connect timeout"
	h.LastCheckedAt = h.LastCheckedAt.Add(time.Minute)
	require.NoError(t, repo.UpsertHealth(ctx, h))

	got, err := repo.GetHealth(ctx, "fac-1")
	require.NoError(t, err)
	assert.Equal(t, x402.HealthDown, got.Status)
	assert.Equal(t, "connect timeout", got.LastError)
	assert.Equal(t, h.LastCheckedAt, got.LastCheckedAt)

	_, err = repo.GetHealth(ctx, "missing")
	assert.ErrorIs(t, err, x402.ErrNotFound)
}

func TestWithCursor(t *testing.T) {
	repo := NewFacilitatorRepository(testDB(t))
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		require.NoError(t, repo.Save(ctx, testFacilitator(fmt.Sprintf("fac-%d", i), "")))
	}

	// First run starts at zero and persists the offset it returns.
	err := repo.WithCursor(ctx, "job", func(ct *CursorTx, offset int) (int, error) {
		assert.Equal(t, 0, offset)
		batch, err := ct.ListBatch(ctx, offset, 2)
		require.NoError(t, err)
		require.Len(t, batch, 2)
		assert.Equal(t, "fac-0", batch[0].ID)
		return offset + len(batch), nil
	})
	require.NoError(t, err)

	offset, err := repo.CursorOffset(ctx, "job")
	require.NoError(t, err)
	assert.Equal(t, 2, offset)

	// Second run resumes where the first left off.
	err = repo.WithCursor(ctx, "job", func(ct *CursorTx, offset int) (int, error) {
		assert.Equal(t, 2, offset)
		return 0, nil
	})
	require.NoError(t, err)

	offset, err = repo.CursorOffset(ctx, "job")
	require.NoError(t, err)
	assert.Equal(t, 0, offset)

	// Separate jobs keep separate cursors.
	offset, err = repo.CursorOffset(ctx, "other-job")
	require.NoError(t, err)
	assert.Equal(t, 0, offset)
}

func TestWithCursorRollsBackOnError(t *testing.T) {
	repo := NewFacilitatorRepository(testDB(t))
	ctx := context.Background()
	require.NoError(t, repo.Save(ctx, testFacilitator("fac-1", "")))

	require.NoError(t, repo.WithCursor(ctx, "job", func(ct *CursorTx, offset int) (int, error) {
		return 7, nil
	}))

	err := repo.WithCursor(ctx, "job", func(ct *CursorTx, offset int) (int, error) {
		assert.Equal(t, 7, offset)
		// A health write inside a failed cycle must not survive.
		require.NoError(t, ct.UpsertHealth(ctx, &x402.FacilitatorHealth{
			FacilitatorID: "fac-1",
			Status:        x402.HealthHealthy,
			LastCheckedAt: time.Now(),
		}))
		return 0, fmt.Errorf("probe cycle failed")
	})
	require.Error(t, err)

	offset, err := repo.CursorOffset(ctx, "job")
	require.NoError(t, err)
	assert.Equal(t, 7, offset)

	_, err = repo.GetHealth(ctx, "fac-1")
	assert.ErrorIs(t, err, x402.ErrNotFound)
}

func TestListWithHealth(t *testing.T) {
	repo := NewFacilitatorRepository(testDB(t))
	ctx := context.Background()

	require.NoError(t, repo.Save(ctx, testFacilitator("fac-1", "")))
	require.NoError(t, repo.Save(ctx, testFacilitator("fac-2", "")))
	require.NoError(t, repo.UpsertHealth(ctx, &x402.FacilitatorHealth{
		FacilitatorID: "fac-1",
		Status:        x402.HealthDegraded,
		SuccessRate:   0.93,
		LastCheckedAt: time.Now(),
	}))

	out, err := repo.ListWithHealth(ctx)
	require.NoError(t, err)
	require.Len(t, out, 2)
	require.NotNil(t, out[0].Health)
	assert.Equal(t, x402.HealthDegraded, out[0].Health.Status)
	assert.Nil(t, out[1].Health)
}
