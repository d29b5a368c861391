package pifile

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeCwd(t *testing.T) {
	assert.Equal(t, "--home-dev-proj--", EncodeCwd("/home/dev/proj"))
	assert.Equal(t, "--C--Users-dev--", EncodeCwd(`C:\Users\dev`))
}

func TestFindSessionFilePicksLatest(t *testing.T) {
	baseDir := t.TempDir()
	dir := SessionDir(baseDir, "/home/dev/proj")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "2026-08-24T09-00-00_s1.jsonl"), nil, 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "2026-08-25T10-00-00_s1.jsonl"), nil, 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "2026-08-25T11-00-00_s2.jsonl"), nil, 0o644))

	path, err := FindSessionFile(baseDir, "/home/dev/proj", "s1")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "2026-08-25T10-00-00_s1.jsonl"), path)
}

func TestFindSessionFileMissing(t *testing.T) {
	_, err := FindSessionFile(t.TempDir(), "/home/dev/proj", "nope")
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestReadFileTypedEntries(t *testing.T) {
	path := filepath.Join(t.TempDir(), "s.jsonl")
	content := `{"type":"session","sessionId":"s1","cwd":"/home/dev/proj"}
{"type":"message","message":{"role":"assistant","content":[{"type":"thinking","thinking":"hmm","signature":"sig"},{"type":"text","text":"done"}]}}
broken
{"type":"tool_execution_end","callId":"t1","toolName":"bash","result":"ok","isError":false}`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	entries, skipped, err := ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, 1, skipped)
	require.Len(t, entries, 3)

	assert.Equal(t, EntryTypeSession, entries[0].Type)
	assert.Equal(t, "s1", entries[0].SessionID)

	thinking, signature := entries[1].Message.Thinking()
	assert.Equal(t, "hmm", thinking)
	assert.Equal(t, "sig", signature)
	assert.Equal(t, "done", entries[1].Message.Text())

	assert.Equal(t, EntryTypeToolExecEnd, entries[2].Type)
	assert.Equal(t, "t1", entries[2].CallID)
}

func TestMessageStringContent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "s.jsonl")
	content := `{"type":"message","message":{"role":"user","content":"shorthand"}}` + "\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	entries, _, err := ReadFile(path)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "shorthand", entries[0].Message.Text())
}
