// Package memory implements the append-only, line-indexed memory file
// (§4.1 / §3 "Memory file"). Grounded on picoclaw's memory.MemoryStore for
// its constructor/locking shape, re-targeted from SQLite+FTS5 storage to
// plain-line storage per the specification (see DESIGN.md).
package memory

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sipeed/picoclaw/pkg/utils"
)

const emptyPlaceholder = "Memory is empty."

// MemoryStore is a single UTF-8 text file of "YYYY-MM-DD|source|content"
// lines, 1-indexed, guarded by one exclusive-write lock at file
// granularity.
type MemoryStore struct {
	mu   sync.RWMutex
	path string
}

// Stats summarizes the memory file's contents.
type Stats struct {
	Total     int
	PerSource map[string]int
	FirstDate string
	LastDate  string
}

// NewMemoryStore ensures dir exists and returns a store backed by
// dir/MEMORY.md.
func NewMemoryStore(dir string) (*MemoryStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create memory dir: %w", err)
	}
	return &MemoryStore{path: filepath.Join(dir, "MEMORY.md")}, nil
}

func (m *MemoryStore) readLinesLocked() ([]string, error) {
	data, err := os.ReadFile(m.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	content := strings.TrimRight(string(data), "\n")
	if strings.TrimSpace(content) == "" {
		return nil, nil
	}
	return strings.Split(content, "\n"), nil
}

func (m *MemoryStore) writeLinesLocked(lines []string) error {
	content := strings.Join(lines, "\n")
	if len(lines) > 0 {
		content += "\n"
	}
	tmp := m.path + ".tmp"
	if err := os.WriteFile(tmp, []byte(content), 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, m.path)
}

// Append strips CR/LF from content, collapses whitespace, prepends
// today's date and source, appends one line, and returns the 1-based
// line number after write.
func (m *MemoryStore) Append(source, content string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	clean := utils.NormalizeWhitespace(content)
	date := time.Now().Format("2006-01-02")
	entry := fmt.Sprintf("%s|%s|%s", date, source, clean)

	lines, err := m.readLinesLocked()
	if err != nil {
		return 0, fmt.Errorf("read memory file: %w", err)
	}
	lines = append(lines, entry)
	if err := m.writeLinesLocked(lines); err != nil {
		return 0, fmt.Errorf("write memory file: %w", err)
	}
	return len(lines), nil
}

// ReadLines returns lines in [start, end] (1-indexed, inclusive),
// clamped to the valid range; passing end<=0 returns just start.
func (m *MemoryStore) ReadLines(start, end int) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	lines, err := m.readLinesLocked()
	if err != nil {
		return "", err
	}
	total := len(lines)
	if total == 0 {
		return emptyPlaceholder, nil
	}

	if end <= 0 {
		end = start
	}
	if start < 1 {
		start = 1
	}
	if start > total {
		start = total
	}
	if end < start {
		end = start
	}
	if end > total {
		end = total
	}

	var sb strings.Builder
	for i := start; i <= end; i++ {
		sb.WriteString(fmt.Sprintf("[%d] %s\n", i, lines[i-1]))
	}
	return strings.TrimRight(sb.String(), "\n"), nil
}

// Search performs case-insensitive substring matching. mode is "or"
// (any keyword) or "and" (all keywords). Results are annotated with
// line numbers; when they exceed maxResults, a total-count footer is
// appended.
func (m *MemoryStore) Search(keywords []string, maxResults int, mode string) (string, error) {
	if len(keywords) == 0 {
		return "", fmt.Errorf("no keywords provided")
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	lines, err := m.readLinesLocked()
	if err != nil {
		return "", err
	}

	lowered := make([]string, len(keywords))
	for i, k := range keywords {
		lowered[i] = strings.ToLower(k)
	}
	useAnd := strings.EqualFold(mode, "and")

	var matches []string
	for i, line := range lines {
		ll := strings.ToLower(line)
		matched := !useAnd
		for _, k := range lowered {
			contains := strings.Contains(ll, k)
			if useAnd {
				if !contains {
					matched = false
					break
				}
				matched = true
			} else if contains {
				matched = true
				break
			}
		}
		if matched {
			matches = append(matches, fmt.Sprintf("[%d] %s", i+1, line))
		}
	}

	if len(matches) == 0 {
		return "No memories found matching the query.", nil
	}

	total := len(matches)
	if maxResults > 0 && total > maxResults {
		matches = matches[:maxResults]
	}

	result := strings.Join(matches, "\n")
	if maxResults > 0 && total > maxResults {
		result += fmt.Sprintf("\n... (%d more matches, total %d)", total-maxResults, total)
	}
	return result, nil
}

// GetRecent returns the last n lines with line-number annotations.
func (m *MemoryStore) GetRecent(n int) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	lines, err := m.readLinesLocked()
	if err != nil {
		return "", err
	}
	total := len(lines)
	if total == 0 {
		return emptyPlaceholder, nil
	}
	if n <= 0 || n > total {
		n = total
	}

	var sb strings.Builder
	for i := total - n; i < total; i++ {
		sb.WriteString(fmt.Sprintf("[%d] %s\n", i+1, lines[i]))
	}
	return strings.TrimRight(sb.String(), "\n"), nil
}

// DeleteLines rewrites the file without the given 1-indexed line
// numbers and returns how many were actually removed.
func (m *MemoryStore) DeleteLines(lineNumbers []int) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	lines, err := m.readLinesLocked()
	if err != nil {
		return 0, err
	}

	toDelete := make(map[int]bool, len(lineNumbers))
	for _, n := range lineNumbers {
		toDelete[n] = true
	}

	var kept []string
	deleted := 0
	for i, line := range lines {
		if toDelete[i+1] {
			deleted++
			continue
		}
		kept = append(kept, line)
	}

	if err := m.writeLinesLocked(kept); err != nil {
		return 0, err
	}
	return deleted, nil
}

// Stats returns total line count, per-source counts, and first/last
// dates observed in the file.
func (m *MemoryStore) Stats() (Stats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	lines, err := m.readLinesLocked()
	if err != nil {
		return Stats{}, err
	}

	st := Stats{PerSource: make(map[string]int)}
	st.Total = len(lines)
	for _, line := range lines {
		parts := strings.SplitN(line, "|", 3)
		if len(parts) < 2 {
			continue
		}
		date, source := parts[0], parts[1]
		st.PerSource[source]++
		if st.FirstDate == "" || date < st.FirstDate {
			st.FirstDate = date
		}
		if st.LastDate == "" || date > st.LastDate {
			st.LastDate = date
		}
	}
	return st, nil
}

// ParseLineNumbers is a convenience helper for tools that accept a
// comma-separated list of 1-indexed line numbers as a string.
func ParseLineNumbers(s string) ([]int, error) {
	parts := strings.Split(s, ",")
	out := make([]int, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		n, err := strconv.Atoi(p)
		if err != nil {
			return nil, fmt.Errorf("invalid line number %q: %w", p, err)
		}
		out = append(out, n)
	}
	return out, nil
}
