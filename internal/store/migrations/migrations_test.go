package migrations_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/koopa0/system-design/14-match-server/internal/store/migrations"
	"github.com/koopa0/system-design/14-match-server/internal/testutils"
)

func TestSchema_Integration(t *testing.T) {
	// testutils.Postgres 已經套用過一次
	pool, dsn := testutils.Postgres(t)
	ctx := context.Background()

	s, err := migrations.Open(dsn, testutils.Logger())
	require.NoError(t, err)
	defer func() { _ = s.Close() }()

	version, dirty, err := s.Current()
	require.NoError(t, err)
	assert.Equal(t, uint(1), version)
	assert.False(t, dirty)

	// 重跑不會出錯
	version, err = s.Upgrade()
	require.NoError(t, err)
	assert.Equal(t, uint(1), version)

	require.NoError(t, s.Rollback(1))
	version, _, err = s.Current()
	require.NoError(t, err)
	assert.Zero(t, version)

	var exists bool
	require.NoError(t, pool.QueryRow(ctx,
		"SELECT EXISTS (SELECT 1 FROM information_schema.tables WHERE table_name = 'match_results')").Scan(&exists))
	assert.False(t, exists)

	version, err = s.Upgrade()
	require.NoError(t, err)
	assert.Equal(t, uint(1), version)

	require.NoError(t, pool.QueryRow(ctx,
		"SELECT EXISTS (SELECT 1 FROM information_schema.tables WHERE table_name = 'match_results')").Scan(&exists))
	assert.True(t, exists)
}
