package postgres

import (
	"context"
	"testing"
	"time"

	pgxmock "github.com/pashagolub/pgxmock/v3"
	"github.com/stretchr/testify/require"

	"github.com/and161185/subrelay/internal/model"
)

func TestMarkerRepo_Absent(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()
	r := NewMarkerRepo(db)

	account := model.Account("eip155:1:0xaa")
	mock.ExpectQuery(`SELECT caught_up_at FROM coldstart_markers WHERE account=\$1`).
		WithArgs(account.String()).
		WillReturnRows(pgxmock.NewRows([]string{"caught_up_at"}))

	_, ok, err := r.Marker(context.Background(), account)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestMarkerRepo_SetThenGet(t *testing.T) {
	db, mock := newDB(t)
	defer mock.Close()
	r := NewMarkerRepo(db)

	account := model.Account("eip155:1:0xaa")
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	mock.ExpectExec(`INSERT INTO coldstart_markers`).
		WithArgs(account.String(), now).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectQuery(`SELECT caught_up_at FROM coldstart_markers WHERE account=\$1`).
		WithArgs(account.String()).
		WillReturnRows(pgxmock.NewRows([]string{"caught_up_at"}).AddRow(now))

	require.NoError(t, r.SetMarker(context.Background(), account, now))
	got, ok, err := r.Marker(context.Background(), account)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, now, got)
}
