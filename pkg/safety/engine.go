package safety

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Hit is one pattern match within the input.
type Hit struct {
	Category string `json:"category"`
	Pattern  string `json:"pattern"`
	Start    int    `json:"start"`
	End      int    `json:"end"`
	Excerpt  string `json:"excerpt"`
}

// Finding is the analysis outcome. A clean finding has no category and
// severity info; an allow-listed match is clean with AllowListReason set.
type Finding struct {
	Category        string `json:"category,omitempty"`
	Severity        string `json:"severity"`
	Hits            []Hit  `json:"hits,omitempty"`
	AllowListReason string `json:"allow_list_reason,omitempty"`
}

// Clean reports whether the finding carries no violation.
func (f Finding) Clean() bool {
	return f.Category == ""
}

// Engine matches input text against the rules file. The file is re-read
// lazily when its modification time advances; Watch adds an optional
// background fsnotify reload on top.
type Engine struct {
	path string

	mu            sync.RWMutex
	cfg           *compiled
	mtime         time.Time
	missingLogged bool
}

// NewEngine creates an engine bound to a rules file path. The file is
// loaded on first use; a missing file degrades to no categories.
func NewEngine(path string) *Engine {
	return &Engine{
		path: path,
		cfg:  emptyCompiled(),
	}
}

// Analyze normalizes the input, scans all categories, applies allow-lists,
// and picks the precedence winner.
func (e *Engine) Analyze(text string, contextTags []string) Finding {
	e.maybeReload()

	e.mu.RLock()
	cfg := e.cfg
	e.mu.RUnlock()

	normalized := cfg.normalize(text)

	var hits []Hit
	for _, cat := range cfg.categories {
		for _, re := range cat.patterns {
			for _, span := range re.FindAllStringIndex(normalized, -1) {
				excerpt := normalized[span[0]:span[1]]

				// Allow-listed token for any active context tag wins
				// over every category.
				for _, tag := range contextTags {
					if cfg.allowLists[tag][normalizeTerm(excerpt)] {
						return Finding{
							Severity:        SeverityInfo,
							AllowListReason: "allow_list:" + tag,
						}
					}
				}

				hits = append(hits, Hit{
					Category: cat.name,
					Pattern:  re.String(),
					Start:    span[0],
					End:      span[1],
					Excerpt:  excerpt,
				})
			}
		}
	}

	if len(hits) == 0 {
		return Finding{Severity: SeverityInfo}
	}

	winner := hits[0].Category
	for _, hit := range hits[1:] {
		if cfg.precedenceIndex(hit.Category) < cfg.precedenceIndex(winner) {
			winner = hit.Category
		}
	}

	severity := SeverityMedium
	for _, cat := range cfg.categories {
		if cat.name == winner {
			severity = cat.severity
			break
		}
	}

	filtered := hits[:0]
	for _, hit := range hits {
		if hit.Category == winner {
			filtered = append(filtered, hit)
		}
	}

	return Finding{
		Category: winner,
		Severity: severity,
		Hits:     filtered,
	}
}

// maybeReload re-reads the rules file when its mtime advanced. A missing
// file degrades to "no categories configured" and is logged loudly once.
func (e *Engine) maybeReload() {
	info, err := os.Stat(e.path)
	if err != nil {
		e.mu.Lock()
		defer e.mu.Unlock()
		if !e.missingLogged {
			slog.Error("Safety rules file unavailable; all inputs will pass clean",
				"path", e.path, "error", err)
			e.missingLogged = true
		}
		e.cfg = emptyCompiled()
		e.mtime = time.Time{}
		return
	}

	e.mu.RLock()
	current := e.mtime
	e.mu.RUnlock()
	if !info.ModTime().After(current) {
		return
	}

	e.reload(info.ModTime())
}

func (e *Engine) reload(mtime time.Time) {
	data, err := os.ReadFile(e.path)
	if err != nil {
		slog.Error("Failed to read safety rules", "path", e.path, "error", err)
		return
	}

	cfg, err := parseConfig(data)
	if err != nil {
		// Keep the previous rules on a bad edit.
		slog.Error("Failed to compile safety rules; keeping previous", "path", e.path, "error", err)
		return
	}

	e.mu.Lock()
	e.cfg = cfg
	e.mtime = mtime
	e.missingLogged = false
	e.mu.Unlock()

	slog.Info("Safety rules loaded", "path", e.path, "categories", len(cfg.categories))
}

// Watch reloads the rules in the background on file changes. The lazy
// mtime check in Analyze remains the fallback. Blocks until ctx is done.
func (e *Engine) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	dir := filepath.Dir(e.path)
	file := filepath.Base(e.path)
	if err := watcher.Add(dir); err != nil {
		return err
	}

	slog.Info("Watching safety rules", "path", e.path)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Base(event.Name) != file {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) != 0 {
				if info, err := os.Stat(e.path); err == nil {
					e.reload(info.ModTime())
				}
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			slog.Error("Safety rules watcher error", "error", err)
		}
	}
}
