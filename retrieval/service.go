// Package retrieval runs templates and raw patterns against one codebase.
// It renders templates, narrows the searched files with the trigram
// prefilter, runs ast-grep through a Runner, caches the results and shapes
// them for callers.
package retrieval

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/gobwas/glob"

	"github.com/martin-wey/code-context-agent/astgrep"
	"github.com/martin-wey/code-context-agent/indexer"
	"github.com/martin-wey/code-context-agent/logging"
	"github.com/martin-wey/code-context-agent/templates"
)

const (
	DefaultLimit    = 50
	DefaultMaxLimit = 500
	DefaultLanguage = "python"
)

// Options configures a Service.
type Options struct {
	Root            string
	DefaultLanguage string
	DefaultLimit    int
	MaxLimit        int
	Prefilter       bool
	AutoReindex     bool
	CacheEnabled    bool
	CacheSize       int
	CacheTTL        time.Duration
}

// TemplateQuery runs a registered template.
type TemplateQuery struct {
	Template    string            `json:"template"`
	Language    string            `json:"language,omitempty"`
	Args        map[string]string `json:"args,omitempty"`
	TargetFiles []string          `json:"target_files,omitempty"`
	FileGlobs   []string          `json:"file_globs,omitempty"`
	Limit       int               `json:"limit,omitempty"`
	Strictness  string            `json:"strictness,omitempty"`
}

// PatternQuery runs a raw ast-grep pattern.
type PatternQuery struct {
	Pattern     string   `json:"pattern"`
	Language    string   `json:"language,omitempty"`
	TargetFiles []string `json:"target_files,omitempty"`
	FileGlobs   []string `json:"file_globs,omitempty"`
	Limit       int      `json:"limit,omitempty"`
	Strictness  string   `json:"strictness,omitempty"`
}

// Match is an ast-grep match annotated with the pattern that produced it.
type Match struct {
	astgrep.Match
	Pattern string `json:"pattern"`
}

// Result is the outcome of a template or pattern run.
type Result struct {
	Template    string   `json:"template,omitempty"`
	Language    string   `json:"language"`
	Patterns    []string `json:"patterns"`
	Matches     []Match  `json:"matches"`
	Total       int      `json:"total"`
	Truncated   bool     `json:"truncated"`
	Prefiltered bool     `json:"prefiltered"`
	Candidates  int      `json:"candidates,omitempty"`
	TookMs      int64    `json:"took_ms"`
}

// Status describes the service for retrieval_status.
type Status struct {
	Backend   string             `json:"backend"`
	Root      string             `json:"root"`
	Templates int                `json:"templates"`
	IndexDir  string             `json:"index_dir,omitempty"`
	Index     *indexer.IndexInfo `json:"index,omitempty"`
	Cache     CacheStats         `json:"cache"`
}

// Service executes retrieval queries for a single codebase root.
type Service struct {
	opts     Options
	runner   astgrep.Runner
	registry *templates.Registry
	index    *indexer.IndexManager
	filter   *indexer.Filter
	cache    *resultCache
	logger   *log.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	reindexMu      sync.Mutex
	reindexing     bool
	reindexPending bool
}

// NewService returns a service for opts.Root. index may be nil, which
// disables the prefilter.
func NewService(opts Options, runner astgrep.Runner, registry *templates.Registry, index *indexer.IndexManager, logger *log.Logger) (*Service, error) {
	if runner == nil {
		return nil, errors.New("runner is required")
	}
	if registry == nil {
		return nil, errors.New("template registry is required")
	}
	if logger == nil {
		logger = logging.Default()
	}

	root, err := filepath.Abs(opts.Root)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve root: %w", err)
	}
	info, err := os.Stat(root)
	if err != nil {
		return nil, fmt.Errorf("failed to access codebase: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("codebase is not a directory: %s", root)
	}
	opts.Root = root

	if opts.DefaultLanguage == "" {
		opts.DefaultLanguage = DefaultLanguage
	}
	if opts.DefaultLimit <= 0 {
		opts.DefaultLimit = DefaultLimit
	}
	if opts.MaxLimit <= 0 {
		opts.MaxLimit = DefaultMaxLimit
	}
	if opts.DefaultLimit > opts.MaxLimit {
		opts.DefaultLimit = opts.MaxLimit
	}

	s := &Service{
		opts:     opts,
		runner:   runner,
		registry: registry,
		index:    index,
		logger:   logger,
	}
	if index != nil {
		s.filter = index.Filter()
	} else if s.filter, err = indexer.NewFilter(nil); err != nil {
		return nil, err
	}
	if opts.CacheEnabled && opts.CacheSize > 0 {
		s.cache, err = newResultCache(opts.CacheSize, opts.CacheTTL)
		if err != nil {
			return nil, fmt.Errorf("failed to create result cache: %w", err)
		}
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.checkIndex()
	return s, nil
}

// checkIndex compares an existing index with the files on disk, so a
// process started after the codebase changed does not trust it.
func (s *Service) checkIndex() {
	if s.index == nil || !s.opts.Prefilter {
		return
	}
	if _, err := s.index.Info(s.opts.Root); err != nil {
		return
	}
	stale, err := s.index.DetectChanges(s.ctx, s.opts.Root)
	if err != nil {
		s.logger.Warn("failed to check index freshness", "err", err)
	}
	if !stale {
		return
	}
	if s.opts.AutoReindex {
		s.logger.Info("codebase changed since last index, reindexing")
		s.scheduleReindex()
		return
	}
	s.logger.Warn("codebase changed since last index, prefilter disabled until reindexed", "root", s.opts.Root)
}

// Root returns the absolute codebase root.
func (s *Service) Root() string { return s.opts.Root }

// Templates returns the registered templates sorted by name.
func (s *Service) Templates() []*templates.Template { return s.registry.List() }

// Registry returns the template registry.
func (s *Service) Registry() *templates.Registry { return s.registry }

// Filter returns the path filter shared with the indexer. Whole-root runs
// drop matches in files it excludes.
func (s *Service) Filter() *indexer.Filter { return s.filter }

// RunTemplate renders and runs a template.
func (s *Service) RunTemplate(ctx context.Context, q TemplateQuery) (*Result, error) {
	start := time.Now()

	tpl, err := s.registry.Get(q.Template)
	if err != nil {
		return nil, err
	}
	lang, err := s.language(q.Language)
	if err != nil {
		return nil, err
	}
	for key := range q.Args {
		if _, ok := tpl.Param(key); !ok {
			return nil, fmt.Errorf("%w: unknown argument %q for %s", templates.ErrInvalidArgument, key, tpl.Name)
		}
	}
	patterns, err := tpl.Render(lang, q.Args)
	if err != nil {
		return nil, err
	}
	globs, err := compileGlobs(q.FileGlobs)
	if err != nil {
		return nil, err
	}
	paths, err := s.checkPaths(q.TargetFiles)
	if err != nil {
		return nil, err
	}

	result := &Result{Template: tpl.Name, Language: lang, Patterns: patterns}

	if len(paths) == 0 {
		if anchor := tpl.AnchorValue(q.Args); anchor != "" {
			candidates, ok := s.prefilter(ctx, anchor, lang)
			if ok {
				result.Prefiltered = true
				result.Candidates = len(candidates)
				if len(candidates) == 0 {
					result.Matches = []Match{}
					result.TookMs = time.Since(start).Milliseconds()
					return result, nil
				}
				paths = candidates
			}
		}
	}

	matches, err := s.runPatterns(ctx, patterns, lang, q.Strictness, paths)
	if err != nil {
		return nil, err
	}
	if len(paths) == 0 {
		matches = s.dropExcluded(matches)
	}
	s.finish(result, matches, globs, q.Limit, start)

	s.logger.Debug("template run", "template", tpl.Name, "language", lang,
		"patterns", len(patterns), "matches", result.Total, "prefiltered", result.Prefiltered)
	return result, nil
}

// RunPattern runs a raw ast-grep pattern. The prefilter is not applied.
func (s *Service) RunPattern(ctx context.Context, q PatternQuery) (*Result, error) {
	start := time.Now()

	if q.Pattern == "" {
		return nil, fmt.Errorf("%w: pattern is required", astgrep.ErrInvalidRequest)
	}
	lang, err := s.language(q.Language)
	if err != nil {
		return nil, err
	}
	globs, err := compileGlobs(q.FileGlobs)
	if err != nil {
		return nil, err
	}
	paths, err := s.checkPaths(q.TargetFiles)
	if err != nil {
		return nil, err
	}

	matches, err := s.runPatterns(ctx, []string{q.Pattern}, lang, q.Strictness, paths)
	if err != nil {
		return nil, err
	}
	if len(paths) == 0 {
		matches = s.dropExcluded(matches)
	}
	result := &Result{Language: lang, Patterns: []string{q.Pattern}}
	s.finish(result, matches, globs, q.Limit, start)
	return result, nil
}

func (s *Service) language(lang string) (string, error) {
	if lang == "" {
		lang = s.opts.DefaultLanguage
	}
	return astgrep.NormalizeLanguage(lang)
}

func (s *Service) checkPaths(paths []string) ([]string, error) {
	out := make([]string, 0, len(paths))
	for _, p := range paths {
		if err := astgrep.ValidatePath(p, s.opts.Root); err != nil {
			return nil, err
		}
		out = append(out, filepath.ToSlash(filepath.Clean(p)))
	}
	return out, nil
}

// prefilter returns candidate files containing literal. ok is false when the
// prefilter cannot be used and the whole root must be searched.
func (s *Service) prefilter(ctx context.Context, literal, lang string) ([]string, bool) {
	if !s.opts.Prefilter || s.index == nil {
		return nil, false
	}
	if stale, err := s.index.DetectChanges(ctx, s.opts.Root); stale {
		if err != nil && !errors.Is(err, indexer.ErrNotIndexed) {
			s.logger.Warn("failed to check index freshness", "err", err)
		}
		return nil, false
	}
	candidates, err := s.index.Candidates(ctx, s.opts.Root, literal, astgrep.Extensions(lang))
	if err != nil {
		if !errors.Is(err, indexer.ErrNotIndexed) && !errors.Is(err, indexer.ErrTooManyCandidates) {
			s.logger.Warn("prefilter failed, searching whole codebase", "err", err)
		}
		return nil, false
	}
	return candidates, true
}

type matchKey struct {
	file       string
	start, end int
}

// runPatterns runs each pattern and merges the matches, keeping the first
// match seen for each file and byte range.
func (s *Service) runPatterns(ctx context.Context, patterns []string, lang, strictness string, paths []string) ([]Match, error) {
	defer logging.Performance(s.logger, "run_patterns", time.Now())

	seen := make(map[matchKey]bool)
	var out []Match
	for _, pattern := range patterns {
		req := &astgrep.Request{
			Pattern:    pattern,
			Language:   lang,
			Paths:      paths,
			Strictness: strictness,
			Root:       s.opts.Root,
		}
		if err := astgrep.ValidateRequest(req); err != nil {
			return nil, err
		}

		key := cacheKey(s.runner.Name(), req)
		matches, ok := s.cache.get(key)
		if !ok {
			var err error
			matches, err = s.runner.Run(ctx, req)
			if err != nil {
				return nil, err
			}
			s.cache.set(key, matches)
		}

		for _, m := range matches {
			k := matchKey{file: m.File, start: m.ByteStart, end: m.ByteEnd}
			if seen[k] {
				continue
			}
			seen[k] = true
			out = append(out, Match{Match: m, Pattern: pattern})
		}
	}
	return out, nil
}

// dropExcluded removes matches in files the indexer would skip, so a
// whole-root run searches the same files an index lookup can return.
func (s *Service) dropExcluded(matches []Match) []Match {
	kept := matches[:0]
	for _, m := range matches {
		if !s.filter.Excluded(m.File) {
			kept = append(kept, m)
		}
	}
	return kept
}

// finish filters, sorts and truncates matches into result.
func (s *Service) finish(result *Result, matches []Match, globs []fileGlob, limit int, start time.Time) {
	if len(globs) > 0 {
		kept := matches[:0]
		for _, m := range matches {
			if matchesAny(globs, m.File) {
				kept = append(kept, m)
			}
		}
		matches = kept
	}

	sort.SliceStable(matches, func(i, j int) bool {
		if matches[i].File != matches[j].File {
			return matches[i].File < matches[j].File
		}
		return matches[i].ByteStart < matches[j].ByteStart
	})

	limit = s.limit(limit)
	result.Total = len(matches)
	if len(matches) > limit {
		matches = matches[:limit]
		result.Truncated = true
	}
	if matches == nil {
		matches = []Match{}
	}
	result.Matches = matches
	result.TookMs = time.Since(start).Milliseconds()
}

func (s *Service) limit(n int) int {
	if n <= 0 {
		return s.opts.DefaultLimit
	}
	if n > s.opts.MaxLimit {
		return s.opts.MaxLimit
	}
	return n
}

// fileGlob matches root-relative paths. A pattern without a slash, such as
// "*.py", matches the base name at any depth.
type fileGlob struct {
	glob     glob.Glob
	baseOnly bool
}

func compileGlobs(patterns []string) ([]fileGlob, error) {
	globs := make([]fileGlob, 0, len(patterns))
	for _, p := range patterns {
		g, err := glob.Compile(p, '/')
		if err != nil {
			return nil, fmt.Errorf("%w: invalid file glob %q: %v", templates.ErrInvalidArgument, p, err)
		}
		globs = append(globs, fileGlob{glob: g, baseOnly: !strings.Contains(p, "/")})
	}
	return globs, nil
}

func matchesAny(globs []fileGlob, file string) bool {
	for _, g := range globs {
		if g.glob.Match(file) || (g.baseOnly && g.glob.Match(path.Base(file))) {
			return true
		}
	}
	return false
}

// Index rebuilds the prefilter index for the root.
func (s *Service) Index(ctx context.Context, progress indexer.ProgressFunc) (*indexer.IndexInfo, error) {
	if s.index == nil {
		return nil, errors.New("indexing is not configured")
	}
	defer logging.Performance(s.logger, "index", time.Now())
	return s.index.IndexDirectory(ctx, s.opts.Root, progress)
}

// DeleteIndex removes the prefilter index for the root.
func (s *Service) DeleteIndex() error {
	if s.index == nil {
		return errors.New("indexing is not configured")
	}
	return s.index.DeleteIndex(s.opts.Root)
}

// Status reports backend, index and cache state.
func (s *Service) Status() Status {
	st := Status{
		Backend:   s.runner.Name(),
		Root:      s.opts.Root,
		Templates: s.registry.Len(),
		Cache:     s.cache.stats(),
	}
	if s.index != nil {
		st.IndexDir = s.index.IndexDir()
		if info, err := s.index.Info(s.opts.Root); err == nil {
			st.Index = info
		}
	}
	return st
}

// InvalidateFiles reacts to changed files under the root. Cached results are
// dropped. The index is marked stale, or rebuilt in the background when
// auto-reindex is on.
func (s *Service) InvalidateFiles(files []string) {
	s.cache.clear()
	if s.index == nil {
		return
	}
	if _, err := s.index.Info(s.opts.Root); err != nil {
		return
	}

	s.index.MarkStale(s.opts.Root)
	s.logger.Debug("codebase changed", "files", len(files), "auto_reindex", s.opts.AutoReindex)
	if s.opts.AutoReindex {
		s.scheduleReindex()
	}
}

// scheduleReindex runs at most one background reindex at a time. Changes
// arriving during a run trigger one more run afterwards.
func (s *Service) scheduleReindex() {
	s.reindexMu.Lock()
	defer s.reindexMu.Unlock()
	if s.reindexing {
		s.reindexPending = true
		return
	}
	s.reindexing = true

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for {
			start := time.Now()
			info, err := s.index.IndexDirectory(s.ctx, s.opts.Root, nil)
			if err != nil {
				if !errors.Is(err, context.Canceled) {
					s.logger.Error("background reindex failed", "err", err)
				}
			} else {
				s.logger.Info("reindexed codebase", "files", info.Files, "took", time.Since(start))
			}

			s.reindexMu.Lock()
			if !s.reindexPending || s.ctx.Err() != nil {
				s.reindexing = false
				s.reindexMu.Unlock()
				return
			}
			s.reindexPending = false
			s.reindexMu.Unlock()
		}
	}()
}

// Close stops background work and releases the cache.
func (s *Service) Close() error {
	s.cancel()
	s.wg.Wait()
	s.cache.close()
	return nil
}

// IsUserError reports whether err is caused by the request rather than the
// system.
func IsUserError(err error) bool {
	return astgrep.IsUserError(err) ||
		errors.Is(err, templates.ErrUnknownTemplate) ||
		errors.Is(err, templates.ErrInvalidArgument) ||
		errors.Is(err, indexer.ErrNotIndexed)
}
