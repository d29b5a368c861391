package pifile

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

const maxLineBytes = 8 * 1024 * 1024

// EncodeCwd converts a working directory to the directory name Pi uses:
// the leading slash is stripped, remaining separators and colons become
// dashes, and the result is wrapped in double dashes.
func EncodeCwd(cwd string) string {
	trimmed := strings.TrimPrefix(cwd, "/")
	encoded := strings.NewReplacer("/", "-", "\\", "-", ":", "-").Replace(trimmed)
	return "--" + encoded + "--"
}

// SessionDir returns the directory holding a cwd's session files.
func SessionDir(baseDir, cwd string) string {
	return filepath.Join(baseDir, EncodeCwd(cwd))
}

// FindSessionFile locates the session file for a session id. File names are
// <timestamp>_<sessionID>.jsonl; when several timestamps exist for the same
// session the lexicographically latest wins.
func FindSessionFile(baseDir, cwd, sessionID string) (string, error) {
	dir := SessionDir(baseDir, cwd)
	matches, err := filepath.Glob(filepath.Join(dir, "*_"+sessionID+".jsonl"))
	if err != nil {
		return "", err
	}
	if len(matches) == 0 {
		return "", os.ErrNotExist
	}
	sort.Strings(matches)
	return matches[len(matches)-1], nil
}

// ReadFile parses a session file. Malformed lines are skipped, not fatal;
// the skipped count lets callers log without failing the read.
func ReadFile(path string) (entries []Entry, skipped int, err error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, 0, err
	}
	defer func() { _ = f.Close() }()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var entry Entry
		if err := json.Unmarshal([]byte(line), &entry); err != nil {
			skipped++
			continue
		}
		entries = append(entries, entry)
	}
	if err := scanner.Err(); err != nil {
		return entries, skipped, err
	}
	return entries, skipped, nil
}
