// Package utils holds small helpers shared across the core that the
// reference codebase also kept at this layer (truncation, downloads).
package utils

import (
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/sipeed/picoclaw/pkg/logger"
)

// Truncate clips s to at most n runes, appending an ellipsis marker when
// clipped. Matches the reference's preview-string convention used in log
// lines throughout the codebase.
func Truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	if n <= 0 {
		return "..."
	}
	return string(r[:n]) + "..."
}

// DownloadOptions configures DownloadFile's logging.
type DownloadOptions struct {
	LoggerPrefix string
	Timeout      time.Duration
}

// DownloadFile fetches url and writes it to filename, creating parent
// directories as needed.
func DownloadFile(url, filename string, opts DownloadOptions) error {
	prefix := opts.LoggerPrefix
	if prefix == "" {
		prefix = "download"
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	if err := os.MkdirAll(filepath.Dir(filename), 0o755); err != nil {
		return fmt.Errorf("create download dir: %w", err)
	}

	client := &http.Client{Timeout: timeout}
	resp, err := client.Get(url)
	if err != nil {
		logger.ErrorCF(prefix, "download request failed", map[string]interface{}{"url": url, "error": err.Error()})
		return fmt.Errorf("download %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("download %s: status %d", url, resp.StatusCode)
	}

	out, err := os.Create(filename)
	if err != nil {
		return fmt.Errorf("create %s: %w", filename, err)
	}
	defer out.Close()

	if _, err := io.Copy(out, resp.Body); err != nil {
		return fmt.Errorf("write %s: %w", filename, err)
	}

	logger.DebugCF(prefix, "download complete", map[string]interface{}{"url": url, "filename": filename})
	return nil
}

// NormalizeWhitespace collapses runs of whitespace into single spaces and
// strips CR/LF, used to keep memory-file lines single-line.
func NormalizeWhitespace(s string) string {
	var b []rune
	lastSpace := false
	for _, r := range s {
		if r == '\r' || r == '\n' {
			r = ' '
		}
		if r == ' ' || r == '\t' {
			if lastSpace {
				continue
			}
			lastSpace = true
			b = append(b, ' ')
			continue
		}
		lastSpace = false
		b = append(b, r)
	}
	// trim leading/trailing space
	start := 0
	for start < len(b) && b[start] == ' ' {
		start++
	}
	end := len(b)
	for end > start && b[end-1] == ' ' {
		end--
	}
	return string(b[start:end])
}
