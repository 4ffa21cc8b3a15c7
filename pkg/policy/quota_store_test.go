package policy

import (
	"context"
	"errors"
	"regexp"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/govkernel/pkg/contracts"
)

const selectQuota = "SELECT agent_id, max_concurrent_executions, max_requests_per_minute, allowed_actions FROM agent_quotas WHERE agent_id = $1"

func TestPostgresQuotaStore_Get(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	store := NewPostgresQuotaStore(db)
	ctx := context.Background()

	rows := sqlmock.NewRows([]string{"agent_id", "max_concurrent_executions", "max_requests_per_minute", "allowed_actions"}).
		AddRow("agent-1", 3, 90, `["FILE_READ","API_CALL"]`)
	mock.ExpectQuery(regexp.QuoteMeta(selectQuota)).WithArgs("agent-1").WillReturnRows(rows)

	spec, err := store.Get(ctx, "agent-1")
	require.NoError(t, err)
	require.NotNil(t, spec)
	assert.Equal(t, 3, spec.MaxConcurrentExecutions)
	assert.Equal(t, 90, spec.MaxRequestsPerMinute)
	assert.Equal(t, []contracts.ActionType{contracts.ActionFileRead, contracts.ActionAPICall}, spec.AllowedActions)

	// Not found is not an error.
	mock.ExpectQuery(regexp.QuoteMeta(selectQuota)).WithArgs("agent-2").
		WillReturnRows(sqlmock.NewRows([]string{"agent_id", "max_concurrent_executions", "max_requests_per_minute", "allowed_actions"}))
	spec, err = store.Get(ctx, "agent-2")
	assert.NoError(t, err)
	assert.Nil(t, spec)

	mock.ExpectQuery(regexp.QuoteMeta(selectQuota)).WithArgs("agent-3").WillReturnError(errors.New("conn reset"))
	_, err = store.Get(ctx, "agent-3")
	assert.ErrorContains(t, err, "failed to get quota")

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresQuotaStore_Put(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	store := NewPostgresQuotaStore(db)
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO agent_quotas")).
		WithArgs("agent-1", 2, 30, `["CODE_EXEC"]`).
		WillReturnResult(sqlmock.NewResult(1, 1))

	err = store.Put(context.Background(), QuotaSpec{
		AgentID:                 "agent-1",
		MaxConcurrentExecutions: 2,
		MaxRequestsPerMinute:    30,
		AllowedActions:          []contracts.ActionType{contracts.ActionCodeExec},
	})
	assert.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresQuotaStore_ListFeedsEngine(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	rows := sqlmock.NewRows([]string{"agent_id", "max_concurrent_executions", "max_requests_per_minute", "allowed_actions"}).
		AddRow("alpha", 1, 10, nil).
		AddRow("beta", 4, 120, "null")
	mock.ExpectQuery(regexp.QuoteMeta("FROM agent_quotas ORDER BY agent_id")).WillReturnRows(rows)

	e := newTestEngine(t)
	require.NoError(t, e.LoadQuotas(context.Background(), NewPostgresQuotaStore(db)))

	qa, err := e.Quota("alpha")
	require.NoError(t, err)
	assert.Equal(t, 1, qa.MaxConcurrentExecutions())
	assert.True(t, qa.Permits(contracts.ActionWorkflowRun))

	qb, err := e.Quota("beta")
	require.NoError(t, err)
	assert.Equal(t, 120, qb.MaxRequestsPerMinute())
	assert.NoError(t, mock.ExpectationsWereMet())
}
