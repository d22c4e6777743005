package api

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReconciliationSweep_FlagsDrift(t *testing.T) {
	// GIVEN: Seeded members, one with a cached balance that drifted
	// WHEN: A sweep runs
	// THEN: Every member is checked and only the drifted one is flagged

	s := newTestServer(t)
	ctx := context.Background()
	require.NoError(t, s.backend.CompareAndSetBalance(ctx, "2", 320, 999))

	rec := s.do(t, http.MethodGet, "/api/reconciliation", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = s.do(t, http.MethodPost, "/api/reconciliation", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	result := decode[SweepResult](t, rec)
	assert.Equal(t, 3, result.Checked)
	assert.Equal(t, []string{"2"}, result.Mismatched)
	assert.Zero(t, result.Failed)

	rec = s.do(t, http.MethodGet, "/api/reconciliation", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []string{"2"}, decode[SweepResult](t, rec).Mismatched)
}

func TestReconciliationScheduler_StartStop(t *testing.T) {
	s := newTestServer(t)
	h := s.handler

	sched := NewReconciliationScheduler(h, 10*time.Millisecond)
	sched.Start(context.Background())

	require.Eventually(t, func() bool {
		_, ok := sched.LastSweep()
		return ok
	}, time.Second, 5*time.Millisecond)

	sched.Stop()
	sched.Stop() // second Stop is a no-op

	result, ok := sched.LastSweep()
	require.True(t, ok)
	assert.Equal(t, 3, result.Checked)
	assert.Empty(t, result.Mismatched)
}

func TestReconciliationScheduler_DisabledIsIdle(t *testing.T) {
	s := newTestServer(t)
	sched := NewReconciliationScheduler(s.handler, 0)
	sched.Start(context.Background())
	sched.Stop()

	_, ok := sched.LastSweep()
	assert.False(t, ok)
}
