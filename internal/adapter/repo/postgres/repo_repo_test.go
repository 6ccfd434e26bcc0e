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

func TestRepoRepo_Upsert(t *testing.T) {
	now := time.Now().UTC()
	pool := &poolStub{row: rowStub{scan: func(dest ...any) error {
		*dest[0].(*string) = "repo-1"
		*dest[1].(*time.Time) = now
		return nil
	}}}
	repo := postgres.NewRepoRepo(pool)

	got, err := repo.Upsert(context.Background(), domain.Repo{UpstreamID: 42, Owner: "octo", Name: "cat", Stars: 10})
	require.NoError(t, err)
	assert.Equal(t, "repo-1", got.ID)
	assert.Equal(t, now, got.FirstDiscoveredAt)
}

func TestRepoRepo_Upsert_Error(t *testing.T) {
	pool := &poolStub{row: rowStub{scan: func(dest ...any) error { return assertErr }}}
	repo := postgres.NewRepoRepo(pool)
	_, err := repo.Upsert(context.Background(), domain.Repo{UpstreamID: 1})
	assert.Error(t, err)
}

func TestRepoRepo_Get_NotFound(t *testing.T) {
	pool := &poolStub{row: rowStub{scan: func(dest ...any) error { return pgxErrNoRows }}}
	repo := postgres.NewRepoRepo(pool)
	_, err := repo.Get(context.Background(), "missing")
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestRepoRepo_SetEligible_NotFound(t *testing.T) {
	pool := &poolStub{execTag: "UPDATE 0"}
	repo := postgres.NewRepoRepo(pool)
	err := repo.SetEligible(context.Background(), "missing", true)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestRepoRepo_Query(t *testing.T) {
	pool := &poolStub{
		row: rowStub{scan: func(dest ...any) error {
			*dest[0].(*int64) = 1
			return nil
		}},
		rows: &rowsStub{rows: []func(dest ...any) error{
			func(dest ...any) error {
				*dest[0].(*string) = "r1"
				*dest[1].(*int64) = 1
				*dest[2].(*string) = "octo"
				*dest[3].(*string) = "cat"
				*dest[5].(*int) = 5000
				*dest[6].(*int) = 100
				*dest[7].(*time.Time) = time.Now()
				*dest[8].(*time.Time) = time.Now()
				*dest[12].(*time.Time) = time.Now()
				*dest[13].(*bool) = true
				return nil
			},
		}},
	}
	repo := postgres.NewRepoRepo(pool)
	minStars := 1000
	out, total, err := repo.Query(context.Background(), domain.RepoQuery{MinStars: &minStars, SortBy: "stars", Limit: 10})
	require.NoError(t, err)
	assert.Equal(t, int64(1), total)
	require.Len(t, out, 1)
	assert.Equal(t, "r1", out[0].ID)
}

func TestRepoRepo_Query_NoMatches(t *testing.T) {
	pool := &poolStub{row: rowStub{scan: func(dest ...any) error {
		*dest[0].(*int64) = 0
		return nil
	}}}
	repo := postgres.NewRepoRepo(pool)
	out, total, err := repo.Query(context.Background(), domain.RepoQuery{})
	require.NoError(t, err)
	assert.Equal(t, int64(0), total)
	assert.Empty(t, out)
}

func TestRepoRepo_ListEligible(t *testing.T) {
	pool := &poolStub{rows: &rowsStub{rows: []func(dest ...any) error{
		func(dest ...any) error {
			*dest[0].(*string) = "r1"
			*dest[1].(*int64) = 1
			*dest[2].(*string) = "octo"
			*dest[3].(*string) = "cat"
			*dest[5].(*int) = 5000
			*dest[6].(*int) = 100
			*dest[7].(*time.Time) = time.Now()
			*dest[8].(*time.Time) = time.Now()
			*dest[12].(*time.Time) = time.Now()
			*dest[13].(*bool) = true
			return nil
		},
	}}}
	repo := postgres.NewRepoRepo(pool)
	out, err := repo.ListEligible(context.Background())
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, "r1", out[0].ID)
	assert.True(t, out[0].Eligible)
}
