package store

import (
	"context"
	"database/sql"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mdhub/internal/apperr"
	"mdhub/pkg/types"
)

type recordingBus struct {
	events []types.Event
}

func (b *recordingBus) Publish(ev types.Event) { b.events = append(b.events, ev) }

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock, *recordingBus) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	bus := &recordingBus{}
	return New(db, nil, bus), mock, bus
}

func TestCreateRejectsUnknownGatewayType(t *testing.T) {
	s, _, _ := newMockStore(t)
	_, err := s.Create(context.Background(), types.Account{ID: "acc-1", GatewayType: "XTP"})
	require.Error(t, err)
	assert.Equal(t, apperr.Validation, apperr.KindOf(err))
}

func TestCreatePublishesAccountMutatedAfterCommit(t *testing.T) {
	s, mock, bus := newMockStore(t)

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO accounts")).
		WithArgs("acc-1", types.GatewayCTP, sqlmock.AnyArg(), 10, true, "").
		WillReturnResult(sqlmock.NewResult(1, 1))

	rows := sqlmock.NewRows([]string{"id", "gateway_type", "settings_json", "priority", "enabled", "description", "created_at", "updated_at"}).
		AddRow("acc-1", string(types.GatewayCTP), "{}", 10, true, "", time.Now(), time.Now())
	mock.ExpectQuery(regexp.QuoteMeta("SELECT id, gateway_type")).WithArgs("acc-1").WillReturnRows(rows)

	acc, err := s.Create(context.Background(), types.Account{
		ID: "acc-1", GatewayType: types.GatewayCTP, Priority: 10, Enabled: true, Settings: map[string]string{},
	})
	require.NoError(t, err)
	assert.Equal(t, "acc-1", acc.ID)
	require.Len(t, bus.events, 1)
	assert.Equal(t, types.EventAccountMutated, bus.events[0].Type)
	payload := bus.events[0].Payload.(types.AccountMutatedPayload)
	assert.Equal(t, types.AccountCreated, payload.Kind)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetTranslatesNoRowsToNotFound(t *testing.T) {
	s, mock, _ := newMockStore(t)
	mock.ExpectQuery(regexp.QuoteMeta("SELECT id, gateway_type")).WithArgs("missing").WillReturnError(sql.ErrNoRows)

	_, err := s.Get(context.Background(), "missing")
	require.Error(t, err)
	assert.Equal(t, apperr.NotFound, apperr.KindOf(err))
}

func TestUpdateRollsBackOnMissingRow(t *testing.T) {
	s, mock, bus := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("SELECT id, gateway_type")).WithArgs("acc-1").WillReturnError(sql.ErrNoRows)
	mock.ExpectRollback()

	enabled := false
	_, err := s.Update(context.Background(), "acc-1", types.AccountPatch{Enabled: &enabled})
	require.Error(t, err)
	assert.Equal(t, apperr.NotFound, apperr.KindOf(err))
	assert.Empty(t, bus.events)
	require.NoError(t, mock.ExpectationsWereMet())
}
