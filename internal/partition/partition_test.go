package partition

import (
	"context"
	"fmt"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaysms/gateway/internal/durablestore"
)

func TestRun_CreatesCurrentAndLeadYearPartitions(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	durable := durablestore.NewWithDB(db)

	now := time.Now().Year()
	for year := now; year <= now+LeadYears; year++ {
		partName := fmt.Sprintf("messages_y%d", year)
		mock.ExpectExec(fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s PARTITION OF messages", partName)).
			WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectExec(fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s_tenant_idx", partName)).
			WillReturnResult(sqlmock.NewResult(0, 0))
	}

	m := New(durable, zerolog.Nop())
	require.NoError(t, m.Run(context.Background()))

	assert.NoError(t, mock.ExpectationsWereMet(), "Run should create exactly a partition and index for the current year and each lead year, no more")
}
