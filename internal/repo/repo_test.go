package repo_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"keystone/internal/db"
	"keystone/internal/domain"
	"keystone/internal/events"
	"keystone/internal/migrate"
	"keystone/internal/repo"
)

func newTestRepo(t *testing.T) (repo.Repo, context.Context) {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	ctx := context.Background()
	_, err = migrate.Migrate(ctx, conn)
	require.NoError(t, err)
	now := func() time.Time { return time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC) }
	return repo.Repo{DB: conn, Events: events.Writer{Now: now}, Now: now}, ctx
}

func item(content string) domain.Item {
	return domain.Item{Type: domain.ItemTypeMessage, Role: "user", Content: content}
}

func TestSessionItemsRoundTrip(t *testing.T) {
	r, ctx := newTestRepo(t)
	created, err := r.EnsureSession(ctx, domain.Session{ID: "s1", ProjectID: "acme", Metadata: map[string]any{"mode": "review"}})
	require.NoError(t, err)
	assert.True(t, created)

	created, err = r.EnsureSession(ctx, domain.Session{ID: "s1", ProjectID: "other"})
	require.NoError(t, err)
	assert.False(t, created)

	require.NoError(t, r.AppendItems(ctx, "s1", []domain.Item{
		item("a"),
		{Type: domain.ItemTypeReasoning, Content: "thinking"},
		item("b"),
	}))
	s, err := r.GetSession(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, "acme", s.ProjectID)
	assert.Equal(t, []domain.Item{item("a"), item("b")}, s.Items)

	popped, err := r.PopLastItem(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, item("b"), popped)
	s, err = r.GetSession(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, []domain.Item{item("a")}, s.Items)

	require.NoError(t, r.ClearItems(ctx, "s1"))
	s, err = r.GetSession(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, []domain.Item{}, s.Items)

	_, err = r.PopLastItem(ctx, "s1")
	assert.ErrorIs(t, err, repo.ErrEmpty)
}

func TestMissingSession(t *testing.T) {
	r, ctx := newTestRepo(t)
	_, err := r.GetSession(ctx, "nope")
	assert.ErrorIs(t, err, repo.ErrNotFound)
	assert.ErrorIs(t, r.AppendItems(ctx, "nope", []domain.Item{item("a")}), repo.ErrNotFound)
	assert.ErrorIs(t, r.SaveRating(ctx, "nope", domain.RatingCorrect, ""), repo.ErrNotFound)
	assert.ErrorIs(t, r.SaveFinalDecision(ctx, "nope", domain.FinalDecision{}), repo.ErrNotFound)
}

func TestFinalDecisionAndRating(t *testing.T) {
	r, ctx := newTestRepo(t)
	_, err := r.EnsureSession(ctx, domain.Session{ID: "s1", ProjectID: "acme", Metadata: map[string]any{"request_text": "Build it?"}})
	require.NoError(t, err)

	decision := domain.FinalDecision{
		Verdict:    domain.VerdictGo,
		Confidence: 0.72,
		Summary:    "GO at 72% confidence",
		Reasons:    []string{"4 of 7 specialists voted GO"},
		Actions:    []string{"Ship"},
		Votes:      []domain.Vote{{Name: "Lynx", Role: domain.RoleProductOperator, Verdict: "GO", Confidence: 0.72}},
		Failed:     []string{"Bedrock"},
	}
	require.NoError(t, r.SaveFinalDecision(ctx, "s1", decision))
	require.NoError(t, r.SaveRating(ctx, "s1", domain.RatingWrong, "too optimistic"))
	require.NoError(t, r.SaveRating(ctx, "s1", domain.RatingPartial, ""))

	s, err := r.GetSession(ctx, "s1")
	require.NoError(t, err)
	require.NotNil(t, s.Final)
	assert.Equal(t, decision.Verdict, s.Final.Verdict)
	assert.Equal(t, []string{"Bedrock"}, s.Final.Failed)
	assert.Equal(t, "2024-01-01T12:00:00.000000000Z", s.CompletedAt)
	assert.Equal(t, domain.RatingPartial, s.Rating)
	assert.Empty(t, s.RatingNotes)
	assert.NotEmpty(t, s.RatedAt)

	evts, err := r.LatestEvents(ctx, 10, "acme", "")
	require.NoError(t, err)
	require.Len(t, evts, 4)
	assert.Equal(t, events.SessionRated, evts[0].Type)
	assert.Equal(t, events.SessionCreated, evts[3].Type)
}

func TestQueryByOwnerNewestFirst(t *testing.T) {
	r, ctx := newTestRepo(t)
	base := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	for i, id := range []string{"old", "mid", "new"} {
		_, err := r.EnsureSession(ctx, domain.Session{
			ID:        id,
			ProjectID: "acme",
			CreatedAt: domain.FormatTime(base.Add(time.Duration(i) * time.Millisecond)),
			Metadata:  map[string]any{"request_text": "request " + id},
		})
		require.NoError(t, err)
	}
	_, err := r.EnsureSession(ctx, domain.Session{ID: "elsewhere", ProjectID: "other", CreatedAt: domain.FormatTime(base.Add(time.Hour))})
	require.NoError(t, err)
	require.NoError(t, r.SaveFinalDecision(ctx, "new", domain.FinalDecision{Verdict: domain.VerdictNoGo, Confidence: 0.6, Summary: "no"}))

	entries, err := r.QueryByOwner(ctx, "acme", 2)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "new", entries[0].SessionID)
	assert.Equal(t, "mid", entries[1].SessionID)
	assert.Equal(t, "NO_GO", entries[0].Verdict)
	assert.InDelta(t, 0.6, entries[0].Confidence, 1e-9)
	assert.Equal(t, "request new", entries[0].RequestSummary)
	assert.Empty(t, entries[1].Verdict)

	empty, err := r.QueryByOwner(ctx, "nobody", 5)
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestEventsAfterCursor(t *testing.T) {
	r, ctx := newTestRepo(t)
	for _, id := range []string{"a", "b"} {
		_, err := r.EnsureSession(ctx, domain.Session{ID: id, ProjectID: "acme"})
		require.NoError(t, err)
	}
	latest, err := r.LatestEventID(ctx, "acme")
	require.NoError(t, err)
	all, err := r.EventsAfter(ctx, 10, 0, "acme")
	require.NoError(t, err)
	require.Len(t, all, 2)
	after, err := r.EventsAfter(ctx, 10, all[0].ID, "acme")
	require.NoError(t, err)
	require.Len(t, after, 1)
	assert.Equal(t, latest, after[0].ID)
}
