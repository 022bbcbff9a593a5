package store

import (
	"context"
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/axion-labs/plancore/pkg/run"
)

func TestRebindPostgres(t *testing.T) {
	s := &Store{dialect: DialectPostgres}
	assert.Equal(t, `UPDATE runs SET state = $1 WHERE run_id = $2`,
		s.rebind(`UPDATE runs SET state = ? WHERE run_id = ?`))

	s.dialect = DialectSQLite
	assert.Equal(t, `SELECT * FROM runs WHERE run_id = ?`,
		s.rebind(`SELECT * FROM runs WHERE run_id = ?`))
}

func TestCreateRunInsertFailure(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	mock.ExpectExec(`INSERT INTO runs`).WillReturnError(errors.New("disk I/O error"))

	s := NewWithDB(db, DialectSQLite)
	r := &run.Run{PlanRef: "p.yaml", Queue: "default", Priority: 5}
	err = s.CreateRun(context.Background(), r)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "insert run")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateRunStateFailure(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	mock.ExpectExec(`UPDATE runs SET state`).WillReturnError(errors.New("database is locked"))

	s := NewWithDB(db, DialectSQLite)
	r := &run.Run{ID: 1, State: run.StateRunning}
	err = s.UpdateRunState(context.Background(), r)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "update run 1")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetRunScanFailure(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	mock.ExpectQuery(`SELECT .+ FROM runs WHERE run_id`).
		WillReturnError(errors.New("connection reset"))

	s := NewWithDB(db, DialectSQLite)
	_, err = s.GetRun(context.Background(), 42)
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrNotFound, "transport errors are not not-found")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateRunPostgresReturning(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	mock.ExpectQuery(`INSERT INTO runs .+ RETURNING run_id`).
		WillReturnRows(sqlmock.NewRows([]string{"run_id"}).AddRow(int64(17)))

	s := NewWithDB(db, DialectPostgres)
	r := &run.Run{PlanRef: "p.yaml", Queue: "default", Priority: 5}
	require.NoError(t, s.CreateRun(context.Background(), r))
	assert.Equal(t, int64(17), r.ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}
