package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parleyhq/parley/internal/db"
	"github.com/parleyhq/parley/internal/db/dialect"
	"github.com/parleyhq/parley/internal/session"
)

func setupRepo(t *testing.T) *Repository {
	t.Helper()
	pool, err := db.Open(db.Options{
		Driver: dialect.SQLite3,
		Path:   filepath.Join(t.TempDir(), "sessions.db"),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = pool.Close() })

	repo, err := New(pool)
	require.NoError(t, err)
	return repo
}

func TestCreateAndGet(t *testing.T) {
	repo := setupRepo(t)
	ctx := context.Background()

	require.NoError(t, repo.Create(ctx, &session.Summary{ID: "s1", AgentID: "default"}))

	got, err := repo.Get(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, "s1", got.ID)
	assert.Equal(t, "default", got.AgentID)
	assert.False(t, got.CreatedAt.IsZero())
	assert.NotNil(t, got.Attributes)
}

func TestGetMissingReturnsNotFound(t *testing.T) {
	repo := setupRepo(t)

	_, err := repo.Get(context.Background(), "nope")
	require.ErrorIs(t, err, session.ErrNotFound)
}

func TestUpdateAttributesDeepMerge(t *testing.T) {
	repo := setupRepo(t)
	ctx := context.Background()
	require.NoError(t, repo.Create(ctx, &session.Summary{ID: "s1"}))

	_, err := repo.UpdateAttributes(ctx, "s1", map[string]any{
		"core": map[string]any{"workingDir": "/work/s1"},
	})
	require.NoError(t, err)

	got, err := repo.UpdateAttributes(ctx, "s1", map[string]any{
		"providers": map[string]any{
			"claude-cli": map[string]any{"sessionId": "abc", "cwd": "/work/s1"},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, "/work/s1", got.WorkingDir())
	b, ok := got.ProviderBinding("claude-cli")
	require.True(t, ok)
	assert.Equal(t, "abc", b.SessionID)
}

func TestUpdateAttributesRejectsRelativeWorkingDir(t *testing.T) {
	repo := setupRepo(t)
	ctx := context.Background()
	require.NoError(t, repo.Create(ctx, &session.Summary{ID: "s1"}))

	_, err := repo.UpdateAttributes(ctx, "s1", map[string]any{
		"core": map[string]any{"workingDir": "not/absolute"},
	})
	require.ErrorIs(t, err, session.ErrInvalidAttributes)
}

func TestMarkActivityBumpsUpdatedAtMonotonically(t *testing.T) {
	repo := setupRepo(t)
	ctx := context.Background()
	require.NoError(t, repo.Create(ctx, &session.Summary{ID: "s1"}))

	first, err := repo.MarkActivity(ctx, "s1", "hello world")
	require.NoError(t, err)
	second, err := repo.MarkActivity(ctx, "s1", "")
	require.NoError(t, err)

	assert.True(t, second.UpdatedAt.After(first.UpdatedAt))
	assert.Equal(t, "hello world", second.LastSnippet)
	assert.Equal(t, "hello world", second.Attributes.StringAt("core", "autoTitle"))
}

func TestAutoTitleOnlySetOnce(t *testing.T) {
	repo := setupRepo(t)
	ctx := context.Background()
	require.NoError(t, repo.Create(ctx, &session.Summary{ID: "s1"}))

	_, err := repo.MarkActivity(ctx, "s1", "first message")
	require.NoError(t, err)
	got, err := repo.MarkActivity(ctx, "s1", "second message")
	require.NoError(t, err)

	assert.Equal(t, "first message", got.Attributes.StringAt("core", "autoTitle"))
	assert.Equal(t, "second message", got.LastSnippet)
}

func TestPinAndListOrdering(t *testing.T) {
	repo := setupRepo(t)
	ctx := context.Background()
	require.NoError(t, repo.Create(ctx, &session.Summary{ID: "old"}))
	require.NoError(t, repo.Create(ctx, &session.Summary{ID: "new"}))

	_, err := repo.Touch(ctx, "new")
	require.NoError(t, err)
	_, err = repo.Pin(ctx, "old", true)
	require.NoError(t, err)

	list, err := repo.List(ctx, session.ListOptions{})
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "old", list[0].ID, "pinned session sorts first")
	assert.Equal(t, "new", list[1].ID)
}

func TestMarkDeletedExcludesFromList(t *testing.T) {
	repo := setupRepo(t)
	ctx := context.Background()
	require.NoError(t, repo.Create(ctx, &session.Summary{ID: "s1"}))
	require.NoError(t, repo.Create(ctx, &session.Summary{ID: "s2"}))

	_, err := repo.MarkDeleted(ctx, "s1")
	require.NoError(t, err)

	list, err := repo.List(ctx, session.ListOptions{})
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "s2", list[0].ID)

	all, err := repo.List(ctx, session.ListOptions{IncludeDeleted: true})
	require.NoError(t, err)
	assert.Len(t, all, 2)

	// Tombstones stay readable through Get.
	got, err := repo.Get(ctx, "s1")
	require.NoError(t, err)
	assert.True(t, got.Deleted)
}

func TestClearResetsSnippetAndAutoTitle(t *testing.T) {
	repo := setupRepo(t)
	ctx := context.Background()
	require.NoError(t, repo.Create(ctx, &session.Summary{ID: "s1"}))
	_, err := repo.MarkActivity(ctx, "s1", "something")
	require.NoError(t, err)

	got, err := repo.Clear(ctx, "s1")
	require.NoError(t, err)
	assert.Empty(t, got.LastSnippet)
	assert.Empty(t, got.Attributes.StringAt("core", "autoTitle"))
}

func TestPurge(t *testing.T) {
	repo := setupRepo(t)
	ctx := context.Background()
	require.NoError(t, repo.Create(ctx, &session.Summary{ID: "s1"}))

	require.NoError(t, repo.Purge(ctx, "s1"))
	_, err := repo.Get(ctx, "s1")
	require.ErrorIs(t, err, session.ErrNotFound)
}

func TestFindByProviderSession(t *testing.T) {
	repo := setupRepo(t)
	ctx := context.Background()

	require.NoError(t, repo.Create(ctx, &session.Summary{ID: "s1"}))
	require.NoError(t, repo.Create(ctx, &session.Summary{ID: "s2"}))
	_, err := repo.UpdateAttributes(ctx, "s1", map[string]any{
		session.AttrProviders: map[string]any{
			"claude-cli": map[string]any{
				session.AttrProviderSessionID: "abc",
				session.AttrProviderCwd:       "/w",
			},
		},
	})
	require.NoError(t, err)

	got, err := repo.FindByProviderSession(ctx, "claude-cli", "abc")
	require.NoError(t, err)
	assert.Equal(t, "s1", got.ID)

	// The binding is per provider id; the same CLI id under another
	// provider does not match.
	_, err = repo.FindByProviderSession(ctx, "pi-cli", "abc")
	require.ErrorIs(t, err, session.ErrNotFound)

	_, err = repo.FindByProviderSession(ctx, "claude-cli", "unknown")
	require.ErrorIs(t, err, session.ErrNotFound)
}

func TestFindByProviderSessionPrefersMostRecent(t *testing.T) {
	repo := setupRepo(t)
	ctx := context.Background()

	bind := map[string]any{
		session.AttrProviders: map[string]any{
			"claude-cli": map[string]any{session.AttrProviderSessionID: "abc"},
		},
	}
	require.NoError(t, repo.Create(ctx, &session.Summary{ID: "old"}))
	require.NoError(t, repo.Create(ctx, &session.Summary{ID: "new"}))
	_, err := repo.UpdateAttributes(ctx, "old", bind)
	require.NoError(t, err)
	time.Sleep(2 * time.Millisecond)
	_, err = repo.UpdateAttributes(ctx, "new", bind)
	require.NoError(t, err)

	got, err := repo.FindByProviderSession(ctx, "claude-cli", "abc")
	require.NoError(t, err)
	assert.Equal(t, "new", got.ID)
}
