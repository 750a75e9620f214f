package audit

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

type stubTimelineRepo struct {
	rows       []TimelineRow
	lastOffset int
	lastLimit  int
	lastAll    TimelineFilters
}

func (s *stubTimelineRepo) TimelineWindow(_ context.Context, _ TimelineFilters, offset, limit int) ([]TimelineRow, error) {
	s.lastOffset = offset
	s.lastLimit = limit
	if offset >= len(s.rows) {
		return nil, nil
	}
	end := offset + limit
	if end > len(s.rows) {
		end = len(s.rows)
	}
	return s.rows[offset:end], nil
}

func (s *stubTimelineRepo) TimelineAll(_ context.Context, filters TimelineFilters) ([]TimelineRow, error) {
	s.lastAll = filters
	return s.rows, nil
}

func makeRows(n int) []TimelineRow {
	rows := make([]TimelineRow, n)
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	for i := range rows {
		rows[i] = TimelineRow{
			At:         at.Add(-time.Duration(i) * time.Hour),
			ActorEmail: "ops@example.com",
			Action:     "invoice.status_change",
			EntityType: "invoice",
			EntityID:   uuid.New(),
		}
	}
	return rows
}

func TestTimelineDefaultsPageSize(t *testing.T) {
	repo := &stubTimelineRepo{rows: makeRows(5)}
	svc := NewService(repo)

	result, err := svc.Timeline(context.Background(), TimelineFilters{})
	require.NoError(t, err)
	require.Len(t, result.Rows, 5)
	require.Equal(t, 1, result.Paging.Page)
	require.Equal(t, 20, result.Paging.PageSize)
	require.False(t, result.Paging.HasNext)
	require.Equal(t, 0, repo.lastOffset)
	require.Equal(t, 21, repo.lastLimit)
}

func TestTimelineCapsPageSize(t *testing.T) {
	repo := &stubTimelineRepo{rows: makeRows(60)}
	svc := NewService(repo)

	result, err := svc.Timeline(context.Background(), TimelineFilters{PageSize: 500})
	require.NoError(t, err)
	require.Len(t, result.Rows, 50)
	require.Equal(t, 50, result.Paging.PageSize)
	require.True(t, result.Paging.HasNext)
	require.Equal(t, 2, result.Paging.NextPage)
}

func TestTimelineTrimsLookaheadRow(t *testing.T) {
	repo := &stubTimelineRepo{rows: makeRows(7)}
	svc := NewService(repo)

	result, err := svc.Timeline(context.Background(), TimelineFilters{PageSize: 3})
	require.NoError(t, err)
	require.Len(t, result.Rows, 3)
	require.True(t, result.Paging.HasNext)
	require.Equal(t, 0, result.Paging.PrevPage)
}

func TestTimelineSecondPageOffsets(t *testing.T) {
	repo := &stubTimelineRepo{rows: makeRows(7)}
	svc := NewService(repo)

	result, err := svc.Timeline(context.Background(), TimelineFilters{Page: 2, PageSize: 3})
	require.NoError(t, err)
	require.Len(t, result.Rows, 3)
	require.Equal(t, 3, repo.lastOffset)
	require.Equal(t, 1, result.Paging.PrevPage)
	require.True(t, result.Paging.HasNext)

	last, err := svc.Timeline(context.Background(), TimelineFilters{Page: 3, PageSize: 3})
	require.NoError(t, err)
	require.Len(t, last.Rows, 1)
	require.False(t, last.Paging.HasNext)
	require.Equal(t, 0, last.Paging.NextPage)
}

func TestExportSkipsPaging(t *testing.T) {
	repo := &stubTimelineRepo{rows: makeRows(60)}
	svc := NewService(repo)

	rows, err := svc.Export(context.Background(), TimelineFilters{ActorEmail: "ops@example.com"})
	require.NoError(t, err)
	require.Len(t, rows, 60)
	require.Equal(t, "ops@example.com", repo.lastAll.ActorEmail)
}

func TestWriteCSVIncludesHeader(t *testing.T) {
	rows := makeRows(2)
	rows[0].Notes = "manual override"

	data, err := CSVExporter{}.WriteCSV(rows)
	require.NoError(t, err)

	text := string(data)
	require.Contains(t, text, "at,actor_email,action,entity_type,entity_id,notes")
	require.Contains(t, text, "invoice.status_change")
	require.Contains(t, text, "manual override")
}
