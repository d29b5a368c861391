package claudefile

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
)

// maxLineBytes bounds a single JSONL line. Tool results embedding whole
// files can get large; 8MB matches the CLI's own write behavior.
const maxLineBytes = 8 * 1024 * 1024

// EncodeCwd converts a working directory to the directory name the CLI
// uses: path separators and drive colons become dashes.
func EncodeCwd(cwd string) string {
	return strings.NewReplacer("/", "-", "\\", "-", ":", "-").Replace(cwd)
}

// SessionFilePath returns the session file location for a cwd + session id
// pair: <base>/<encodedCwd>/<sessionID>.jsonl.
func SessionFilePath(baseDir, cwd, sessionID string) string {
	return filepath.Join(baseDir, EncodeCwd(cwd), sessionID+".jsonl")
}

// ReadFile parses a session file. Malformed lines are skipped, not fatal:
// the CLI appends concurrently and a torn final line is normal. The skipped
// count lets callers log without failing the read.
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
