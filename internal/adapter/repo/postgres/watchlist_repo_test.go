package postgres_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/repowatch/internal/adapter/repo/postgres"
	"github.com/fairyhunter13/repowatch/internal/domain"
)

func TestWatchlistRepo_Append(t *testing.T) {
	pool := &poolStub{}
	repo := postgres.NewWatchlistRepo(pool)
	err := repo.Append(context.Background(), domain.WatchlistEntry{RepoID: "r1", GenerationDate: time.Now(), MomentumScore: 50})
	require.NoError(t, err)
}

func TestWatchlistRepo_Latest_DefaultsToMomentumSort(t *testing.T) {
	pool := &poolStub{rows: &rowsStub{rows: []func(dest ...any) error{
		func(dest ...any) error {
			*dest[0].(*string) = "w1"
			*dest[1].(*string) = "r1"
			*dest[2].(*time.Time) = time.Now()
			*dest[3].(*float64) = 82.5
			*dest[4].(*float64) = 40
			*dest[5].(*float64) = 10
			*dest[6].(*string) = "eligible with 5000 stars"
			return nil
		},
	}}}
	repo := postgres.NewWatchlistRepo(pool)
	out, err := repo.Latest(context.Background(), "unknown-sort", 10, 0)
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, 82.5, out[0].MomentumScore)
}

func TestWatchlistRepo_GenerationDates(t *testing.T) {
	now := time.Now()
	pool := &poolStub{rows: &rowsStub{rows: []func(dest ...any) error{
		func(dest ...any) error { *dest[0].(*time.Time) = now; return nil },
	}}}
	repo := postgres.NewWatchlistRepo(pool)
	out, err := repo.GenerationDates(context.Background())
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, now, out[0])
}
