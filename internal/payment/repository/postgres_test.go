package repository

import (
	"context"
	"regexp"
	"sync"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/bwmarrin/snowflake"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/smallbiznis/clinicpay/internal/payment/domain"
	"github.com/smallbiznis/clinicpay/internal/testutil"
)

var pgBase = time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

func newPostgresMock(t *testing.T) (*gorm.DB, sqlmock.Sqlmock) {
	t.Helper()
	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlDB.Close() })

	conn, err := gorm.Open(postgres.New(postgres.Config{Conn: sqlDB}), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	return conn, mock
}

func paymentRows() *sqlmock.Rows {
	return sqlmock.NewRows([]string{
		"id", "payment_request_id", "customer_id", "transaction_id", "checkout_id",
		"checkout_reference", "amount", "currency", "status", "method", "failure_reason",
		"refund_amount", "refund_reason", "status_history", "gateway_observed_at",
		"last_emitted_status", "created_at", "updated_at",
	})
}

var (
	guardInsert = regexp.QuoteMeta(`INSERT INTO payments`) + `(?s).*` +
		regexp.QuoteMeta(`ON CONFLICT (checkout_reference) DO NOTHING`)
	guardSelect = regexp.QuoteMeta(`FROM payments`) + `(?s).*` +
		regexp.QuoteMeta(`WHERE checkout_reference = $1`) + `(?s).*` +
		regexp.QuoteMeta(`LIMIT 1 FOR UPDATE`)
)

func TestGuardInsertsThenLocksOnPostgres(t *testing.T) {
	conn, mock := newPostgresMock(t)

	mock.ExpectBegin()
	mock.ExpectExec(guardInsert).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(guardSelect).
		WithArgs("chk_pg").
		WillReturnRows(paymentRows().AddRow(
			int64(1), nil, "cust_1", nil, nil, "chk_pg", int64(100), "EUR", "pending", nil, nil,
			int64(0), nil, []byte(`[]`), nil, nil, pgBase, pgBase,
		))
	mock.ExpectCommit()

	var (
		got      *domain.Payment
		inserted bool
	)
	err := conn.Transaction(func(tx *gorm.DB) error {
		var err error
		got, inserted, err = Provide().Guard(context.Background(), tx, newCandidate(t, 1, 100, "chk_pg", domain.StatusPending))
		return err
	})
	require.NoError(t, err)
	assert.True(t, inserted)
	assert.EqualValues(t, 1, got.ID)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGuardReturnsLockedWinnerOnConflict(t *testing.T) {
	conn, mock := newPostgresMock(t)

	mock.ExpectBegin()
	// another transaction committed the reference first
	mock.ExpectExec(guardInsert).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(guardSelect).
		WithArgs("chk_pg").
		WillReturnRows(paymentRows().AddRow(
			int64(7), nil, "cust_1", nil, nil, "chk_pg", int64(100), "EUR", "paid", nil, nil,
			int64(0), nil, []byte(`[]`), pgBase, "paid", pgBase, pgBase,
		))
	mock.ExpectCommit()

	var (
		got      *domain.Payment
		inserted bool
	)
	err := conn.Transaction(func(tx *gorm.DB) error {
		var err error
		got, inserted, err = Provide().Guard(context.Background(), tx, newCandidate(t, 2, 100, "chk_pg", domain.StatusPending))
		return err
	})
	require.NoError(t, err)
	assert.False(t, inserted)
	assert.EqualValues(t, 7, got.ID)
	assert.Equal(t, domain.StatusPaid, got.Status)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateLosesToConcurrentWriterOnPostgres(t *testing.T) {
	conn, mock := newPostgresMock(t)

	mock.ExpectExec(regexp.QuoteMeta(`UPDATE payments`) + `(?s).*` + regexp.QuoteMeta(`WHERE id = $15 AND status = $16`)).
		WillReturnResult(sqlmock.NewResult(0, 0))

	p := newCandidate(t, 7, 100, "chk_pg", domain.StatusPaid)
	err := Provide().Update(context.Background(), conn, p, domain.StatusPending)
	assert.ErrorIs(t, err, domain.ErrConcurrentUpdate)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestClaimEmissionIsCompareAndSetOnPostgres(t *testing.T) {
	conn, mock := newPostgresMock(t)
	claim := regexp.QuoteMeta(`SET last_emitted_status = $1`) + `(?s).*` +
		regexp.QuoteMeta(`(last_emitted_status IS NULL OR last_emitted_status <> $3)`)

	mock.ExpectExec(claim).WithArgs(domain.StatusPaid, int64(7), domain.StatusPaid).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(claim).WithArgs(domain.StatusPaid, int64(7), domain.StatusPaid).
		WillReturnResult(sqlmock.NewResult(0, 0))

	won, err := Provide().ClaimEmission(context.Background(), conn, 7, domain.StatusPaid)
	require.NoError(t, err)
	assert.True(t, won)

	won, err = Provide().ClaimEmission(context.Background(), conn, 7, domain.StatusPaid)
	require.NoError(t, err)
	assert.False(t, won)
	require.NoError(t, mock.ExpectationsWereMet())
}

// Concurrent transactions race on one reference: exactly one inserts, the
// rest block on the unique index and then on the row lock, and all of them
// end up holding the same row.
func TestGuardConcurrentTransactionsOnPostgres(t *testing.T) {
	const writers = 8
	conn := testutil.NewPostgresDB(t, writers)
	repo := Provide()
	ctx := context.Background()

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		inserted int
		ids      = map[snowflake.ID]struct{}{}
	)
	start := make(chan struct{})
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			err := conn.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
				p, ok, err := repo.Guard(ctx, tx, newCandidate(t, int64(100+i), 100, "chk_race", domain.StatusPending))
				if err != nil {
					return err
				}
				// hold the lock so the other writers queue behind it
				time.Sleep(10 * time.Millisecond)
				mu.Lock()
				defer mu.Unlock()
				ids[p.ID] = struct{}{}
				if ok {
					inserted++
				}
				return nil
			})
			assert.NoError(t, err)
		}(i)
	}
	close(start)
	wg.Wait()

	assert.Equal(t, 1, inserted)
	assert.Len(t, ids, 1)
	assert.Equal(t, int64(1), testutil.Count(t, conn, "payments", "checkout_reference = ?", "chk_race"))
}
