package state

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeDB answers the store's statements from a map
type fakeDB struct {
	mu         sync.Mutex
	versions   map[string]int64
	execErr    error
	statements []string
}

type fakeRow struct {
	value int64
	err   error
}

func (r fakeRow) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	*dest[0].(*int64) = r.value
	return nil
}

func (f *fakeDB) Exec(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.statements = append(f.statements, sql)
	if f.execErr != nil {
		return pgconn.CommandTag{}, f.execErr
	}
	if strings.HasPrefix(sql, "INSERT") {
		f.versions[fmt.Sprint(args[0], "|", args[1])] = args[2].(int64)
		return pgconn.NewCommandTag("INSERT 0 1"), nil
	}
	return pgconn.NewCommandTag("CREATE TABLE"), nil
}

func (f *fakeDB) QueryRow(_ context.Context, _ string, args ...any) pgx.Row {
	f.mu.Lock()
	defer f.mu.Unlock()

	version, ok := f.versions[fmt.Sprint(args[0], "|", args[1])]
	if !ok {
		return fakeRow{err: pgx.ErrNoRows}
	}
	return fakeRow{value: version}
}

func TestPostgresStore(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	db := &fakeDB{versions: map[string]int64{}}

	store, err := newPostgresStore(ctx, db)
	require.NoError(t, err)
	require.Len(t, db.statements, 1)
	assert.Contains(t, db.statements[0], "CREATE TABLE IF NOT EXISTS api_publisher_change_versions")

	_, found, err := store.GetProcessedChangeVersion(ctx, "source", "target")
	require.NoError(t, err)
	assert.False(t, found)

	require.NoError(t, store.SetProcessedChangeVersion(ctx, "source", "target", 314))
	version, found, err := store.GetProcessedChangeVersion(ctx, "source", "target")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, int64(314), version)

	require.NoError(t, store.Close())
}

func TestPostgresStore_Errors(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	_, err := newPostgresStore(ctx, &fakeDB{execErr: errors.New("permission denied")})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to create change version table")

	db := &fakeDB{versions: map[string]int64{}}
	store, err := newPostgresStore(ctx, db)
	require.NoError(t, err)

	db.execErr = errors.New("connection reset")
	err = store.SetProcessedChangeVersion(ctx, "source", "target", 1)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to save change version")
}

func TestNewPostgresStore_NilConfig(t *testing.T) {
	t.Parallel()

	_, err := NewPostgresStore(context.Background(), nil)
	require.Error(t, err)
}

// TestPostgresStore_Integration runs against a real database when
// API_PUBLISHER_TEST_DATABASE_URL is set
func TestPostgresStore_Integration(t *testing.T) {
	dsn := os.Getenv("API_PUBLISHER_TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("API_PUBLISHER_TEST_DATABASE_URL not set")
	}

	ctx := context.Background()
	pool, err := pgxpool.New(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	store, err := newPostgresStore(ctx, pool)
	require.NoError(t, err)

	source := "integration-" + t.Name()
	t.Cleanup(func() {
		_, _ = pool.Exec(context.Background(),
			"DELETE FROM api_publisher_change_versions WHERE source_name = $1", source)
	})

	require.NoError(t, store.SetProcessedChangeVersion(ctx, source, "target", 10))
	require.NoError(t, store.SetProcessedChangeVersion(ctx, source, "target", 20))

	version, found, err := store.GetProcessedChangeVersion(ctx, source, "target")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, int64(20), version)
}
