package session

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMergeReplacesScalars(t *testing.T) {
	base := Attributes{"a": "1", "b": "2"}
	merged := base.Merge(map[string]any{"b": "3"})

	assert.Equal(t, "1", merged["a"])
	assert.Equal(t, "3", merged["b"])
	// Original is untouched.
	assert.Equal(t, "2", base["b"])
}

func TestMergeNilDeletes(t *testing.T) {
	base := Attributes{"a": "1", "b": "2"}
	merged := base.Merge(map[string]any{"a": nil})

	_, ok := merged["a"]
	assert.False(t, ok)
	assert.Equal(t, "2", merged["b"])
}

func TestMergeRecursesIntoObjects(t *testing.T) {
	base := Attributes{
		"core": map[string]any{"workingDir": "/w", "activeBranch": "main"},
	}
	merged := base.Merge(map[string]any{
		"core": map[string]any{"activeBranch": "dev", "autoTitle": "hello"},
	})

	assert.Equal(t, "/w", merged.StringAt("core", "workingDir"))
	assert.Equal(t, "dev", merged.StringAt("core", "activeBranch"))
	assert.Equal(t, "hello", merged.StringAt("core", "autoTitle"))
}

func TestMergeObjectReplacesScalar(t *testing.T) {
	base := Attributes{"providers": "broken"}
	merged := base.Merge(map[string]any{
		"providers": map[string]any{
			"claude-cli": map[string]any{"sessionId": "abc", "cwd": "/w"},
		},
	})

	assert.Equal(t, "abc", merged.StringAt("providers", "claude-cli", "sessionId"))
}

func TestMergeNestedNilDeletes(t *testing.T) {
	base := Attributes{
		"core": map[string]any{"workingDir": "/w", "autoTitle": "x"},
	}
	merged := base.Merge(map[string]any{
		"core": map[string]any{"autoTitle": nil},
	})

	assert.Equal(t, "/w", merged.StringAt("core", "workingDir"))
	assert.Equal(t, "", merged.StringAt("core", "autoTitle"))
}

func TestValidatePatchWorkingDir(t *testing.T) {
	t.Run("absolute path accepted", func(t *testing.T) {
		err := ValidatePatch(map[string]any{
			"core": map[string]any{"workingDir": "/abs/path"},
		})
		require.NoError(t, err)
	})

	t.Run("relative path rejected", func(t *testing.T) {
		err := ValidatePatch(map[string]any{
			"core": map[string]any{"workingDir": "rel/path"},
		})
		require.ErrorIs(t, err, ErrInvalidAttributes)
	})

	t.Run("non-string rejected", func(t *testing.T) {
		err := ValidatePatch(map[string]any{
			"core": map[string]any{"workingDir": 42},
		})
		require.ErrorIs(t, err, ErrInvalidAttributes)
	})

	t.Run("nil deletes without validation", func(t *testing.T) {
		err := ValidatePatch(map[string]any{
			"core": map[string]any{"workingDir": nil},
		})
		require.NoError(t, err)
	})
}

func TestProviderBinding(t *testing.T) {
	s := &Summary{Attributes: Attributes{
		"providers": map[string]any{
			"claude-cli": map[string]any{"sessionId": "abc", "cwd": "/w"},
		},
	}}

	b, ok := s.ProviderBinding("claude-cli")
	require.True(t, ok)
	assert.Equal(t, "abc", b.SessionID)
	assert.Equal(t, "/w", b.Cwd)

	_, ok = s.ProviderBinding("pi-cli")
	assert.False(t, ok)
}
