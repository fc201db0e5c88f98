package repo_test

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/require"
	"k8s.io/utils/clock"

	"github.com/shaiso/Scribe/internal/repo"
	"github.com/shaiso/Scribe/internal/repo/repotest"
)

// envPostgresDSN — БД для тестов ProjectRepo. Без неё тесты пропускаются.
// Таблицы очищаются перед каждым тестом.
const envPostgresDSN = "SCRIBE_TEST_POSTGRES_DSN"

func TestProjectRepo(t *testing.T) {
	dsn := os.Getenv(envPostgresDSN)
	if dsn == "" {
		t.Skipf("%s is not set", envPostgresDSN)
	}

	ctx := context.Background()
	pool, err := repo.NewPool(ctx, dsn, 4)
	require.NoError(t, err)
	t.Cleanup(pool.Close)
	require.NoError(t, repo.Migrate(ctx, pool))

	repotest.RunProjectStoreTest(t, func(t *testing.T, clk clock.PassiveClock) repo.ProjectStore {
		_, err := pool.Exec(ctx, `TRUNCATE projects, dead_letters CASCADE`)
		require.NoError(t, err)

		return repo.NewProjectRepo(pool, repo.WithClock(clk))
	})
}
