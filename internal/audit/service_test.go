package audit

import (
	"context"
	"encoding/csv"
	"errors"
	"math"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubTimelineRepo struct {
	*MemoryRepository
	lastWindow Window
}

func (s *stubTimelineRepo) Window(ctx context.Context, window Window) ([]Event, error) {
	s.lastWindow = window
	return s.MemoryRepository.Window(ctx, window)
}

func newTestService(t *testing.T) (*Service, *stubTimelineRepo) {
	t.Helper()
	repo := &stubTimelineRepo{MemoryRepository: NewMemoryRepository()}
	svc := NewService(repo)
	clock := time.Date(2024, 3, 8, 8, 0, 0, 0, time.UTC)
	svc.now = func() time.Time {
		clock = clock.Add(time.Hour)
		return clock
	}
	return svc, repo
}

func TestServiceTimelinePaging(t *testing.T) {
	svc, repo := newTestService(t)
	ctx := context.Background()
	require.NoError(t, svc.Record(ctx, 3, "group.grant", "group", "Editors", "book.delete"))
	require.NoError(t, svc.Record(ctx, 3, "group.revoke", "group", "Editors", "book.delete"))
	require.NoError(t, svc.Record(ctx, 4, "principal.assign", "principal", "7", "Viewers"))

	result, err := svc.Timeline(ctx, TimelineFilters{Page: 1, PageSize: 2})
	require.NoError(t, err)
	require.Len(t, result.Rows, 2)
	assert.True(t, result.Paging.HasNext)
	assert.Equal(t, 2, result.Paging.NextPage)
	assert.Equal(t, 3, repo.lastWindow.Limit)
	assert.Equal(t, 0, repo.lastWindow.Offset)
	assert.Equal(t, "principal.assign", result.Rows[0].Action, "newest first")

	result, err = svc.Timeline(ctx, TimelineFilters{Page: 2, PageSize: 2})
	require.NoError(t, err)
	require.Len(t, result.Rows, 1)
	assert.False(t, result.Paging.HasNext)
	assert.Equal(t, 1, result.Paging.PrevPage)
	assert.Equal(t, "group.grant", result.Rows[0].Action)
}

func TestServiceTimelineRejectsHugePage(t *testing.T) {
	svc, repo := newTestService(t)
	ctx := context.Background()
	require.NoError(t, svc.Record(ctx, 3, "group.grant", "group", "Editors", "book.delete"))

	for _, page := range []int{math.MaxInt64, math.MaxInt64/defaultPageSize + 2, maxOffset/defaultPageSize + 2} {
		_, err := svc.Timeline(ctx, TimelineFilters{Page: page})
		assert.True(t, errors.Is(err, ErrValidation), "page %d: %v", page, err)
	}

	last := maxOffset/defaultPageSize + 1
	result, err := svc.Timeline(ctx, TimelineFilters{Page: last})
	require.NoError(t, err)
	assert.Empty(t, result.Rows)
	assert.LessOrEqual(t, repo.lastWindow.Offset+repo.lastWindow.Limit, math.MaxInt32)
}

func TestMemoryRepositoryRejectsNegativeOffset(t *testing.T) {
	_, err := NewMemoryRepository().Window(context.Background(), Window{Offset: -1, Limit: 10})
	assert.True(t, errors.Is(err, ErrValidation))
}

func TestServiceTimelineClampsPageSize(t *testing.T) {
	svc, repo := newTestService(t)
	_, err := svc.Timeline(context.Background(), TimelineFilters{PageSize: 500})
	require.NoError(t, err)
	assert.Equal(t, maxPageSize+1, repo.lastWindow.Limit)

	_, err = svc.Timeline(context.Background(), TimelineFilters{})
	require.NoError(t, err)
	assert.Equal(t, defaultPageSize+1, repo.lastWindow.Limit)
}

func TestServiceTimelineFilters(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	require.NoError(t, svc.Record(ctx, 3, "group.grant", "group", "Editors", "book.delete"))
	require.NoError(t, svc.Record(ctx, 4, "principal.assign", "principal", "7", "Viewers"))

	result, err := svc.Timeline(ctx, TimelineFilters{ActorID: 4})
	require.NoError(t, err)
	require.Len(t, result.Rows, 1)
	assert.Equal(t, "principal", result.Rows[0].Entity)

	result, err = svc.Timeline(ctx, TimelineFilters{Entity: "GROUP"})
	require.NoError(t, err)
	require.Len(t, result.Rows, 1)

	result, err = svc.Timeline(ctx, TimelineFilters{From: time.Date(2024, 3, 8, 9, 30, 0, 0, time.UTC)})
	require.NoError(t, err)
	require.Len(t, result.Rows, 1)
	assert.Equal(t, "principal.assign", result.Rows[0].Action)

	_, err = svc.Timeline(ctx, TimelineFilters{From: time.Now(), To: time.Now().Add(-time.Hour)})
	assert.ErrorIs(t, err, ErrValidation)
}

func TestServiceRecordValidation(t *testing.T) {
	svc, _ := newTestService(t)
	assert.ErrorIs(t, svc.Record(context.Background(), 1, " ", "group", "x", ""), ErrValidation)
	assert.Error(t, NewService(nil).Record(context.Background(), 1, "a", "b", "c", ""))
}

func TestServiceExportCSV(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	require.NoError(t, svc.Record(ctx, 3, "group.grant", "group", "Editors", "book.delete"))

	data, err := svc.ExportCSV(ctx, TimelineFilters{})
	require.NoError(t, err)
	records, err := csv.NewReader(strings.NewReader(string(data))).ReadAll()
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, []string{"at", "actor_id", "action", "entity", "entity_id", "detail"}, records[0])
	assert.Equal(t, []string{"2024-03-08T09:00:00Z", "3", "group.grant", "group", "Editors", "book.delete"}, records[1])
}
