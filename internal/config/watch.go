package config

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"

	"github.com/fsnotify/fsnotify"

	"github.com/arc-agents/arcgo/internal/guard"
)

// patternFile is the on-disk shape of a guard pattern table.
type patternFile struct {
	Patterns []patternEntry `json:"patterns"`
}

type patternEntry struct {
	Name        string `json:"name"`
	Regex       string `json:"regex"`
	Replacement string `json:"replacement"`
}

// LoadMaskPatterns parses a guard pattern file into mask patterns. Entries
// with invalid regexes fail the whole load; a half-applied table is worse
// than keeping the previous one.
func LoadMaskPatterns(path string) ([]guard.MaskPattern, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read pattern file: %w", err)
	}
	var pf patternFile
	if err := json.Unmarshal(data, &pf); err != nil {
		return nil, fmt.Errorf("failed to parse pattern file: %w", err)
	}

	out := make([]guard.MaskPattern, 0, len(pf.Patterns))
	for _, e := range pf.Patterns {
		re, err := regexp.Compile(e.Regex)
		if err != nil {
			return nil, fmt.Errorf("pattern %q: %w", e.Name, err)
		}
		out = append(out, guard.MaskPattern{Name: e.Name, Regex: re, Replacement: e.Replacement})
	}
	return out, nil
}

// WatchMaskPatterns hot-reloads the pattern file into stage until ctx is
// done. The watch is on the directory, not the file, so editors that replace
// via rename keep working. Reload failures keep the previous table.
func WatchMaskPatterns(ctx context.Context, path string, stage *guard.PIIMaskStage, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		watcher.Close()
		return fmt.Errorf("failed to watch %s: %w", filepath.Dir(path), err)
	}

	apply := func() {
		patterns, err := LoadMaskPatterns(path)
		if err != nil {
			logger.Warn("guard pattern reload failed, keeping previous table", "path", path, "error", err)
			return
		}
		stage.SetPatterns(patterns)
		logger.Info("guard patterns reloaded", "path", path, "count", len(patterns))
	}
	apply()

	go func() {
		defer watcher.Close()
		target := filepath.Clean(path)
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != target {
					continue
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
					apply()
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				logger.Warn("guard pattern watcher error", "error", err)
			}
		}
	}()
	return nil
}
