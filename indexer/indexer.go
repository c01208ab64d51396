// Package indexer maintains zoekt trigram indexes of codebases. The
// retrieval service uses them as a prefilter: before a template runs, the
// files containing the template's anchor literal are looked up here, so
// ast-grep only parses files that can possibly match.
package indexer

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/sourcegraph/zoekt"
	"github.com/sourcegraph/zoekt/index"
	"github.com/sourcegraph/zoekt/query"
	"github.com/sourcegraph/zoekt/search"
)

// ErrNotIndexed is returned when a codebase has no index.
var ErrNotIndexed = errors.New("codebase is not indexed")

// ErrTooManyCandidates is returned when a literal is too common to narrow
// the search.
var ErrTooManyCandidates = errors.New("too many prefilter candidates")

// MaxCandidates caps the number of files a prefilter lookup may return.
const MaxCandidates = 5000

// ProgressFunc receives indexing progress. total is known before the first call.
type ProgressFunc func(done, total int)

// IndexInfo describes the index of one codebase.
type IndexInfo struct {
	Name      string    `json:"name"`
	SourceDir string    `json:"source_dir"`
	Files     int       `json:"files"`
	IndexedAt time.Time `json:"indexed_at"`
	Stale     bool      `json:"stale"`
}

// IndexManager creates and queries zoekt indexes stored in a single flat
// directory, one shard set per codebase distinguished by name prefix.
type IndexManager struct {
	indexDir string
	filter   *Filter

	mu    sync.Mutex // guards metadata.json and stale
	stale map[string]bool
}

// NewIndexManager returns a manager storing shards in indexDir.
func NewIndexManager(indexDir string, ignore []string) (*IndexManager, error) {
	filter, err := NewFilter(ignore)
	if err != nil {
		return nil, fmt.Errorf("invalid ignore pattern: %w", err)
	}
	return &IndexManager{
		indexDir: indexDir,
		filter:   filter,
		stale:    make(map[string]bool),
	}, nil
}

// IndexDir returns the shard directory.
func (m *IndexManager) IndexDir() string {
	return m.indexDir
}

// Filter returns the path filter used for walking codebases.
func (m *IndexManager) Filter() *Filter {
	return m.filter
}

// indexName derives a stable shard prefix from the codebase path.
func indexName(sourceDir string) string {
	hash := sha256.Sum256([]byte(sourceDir))
	base := strings.ReplaceAll(filepath.Base(sourceDir), " ", "_")
	return fmt.Sprintf("%s_%s", base, hex.EncodeToString(hash[:8]))
}

// IndexDirectory (re)builds the index for root.
func (m *IndexManager) IndexDirectory(ctx context.Context, root string, progress ProgressFunc) (*IndexInfo, error) {
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve path: %w", err)
	}
	info, err := os.Stat(absRoot)
	if err != nil {
		return nil, fmt.Errorf("failed to access directory: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("path is not a directory: %s", absRoot)
	}

	// files changed after this instant make the index stale
	started := time.Now().UTC()
	files, err := m.collectFiles(ctx, absRoot)
	if err != nil {
		return nil, err
	}

	if err := os.MkdirAll(m.indexDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create index directory: %w", err)
	}
	if err := m.deleteShards(absRoot); err != nil {
		return nil, fmt.Errorf("failed to clean up old index: %w", err)
	}

	name := indexName(absRoot)
	opts := index.Options{
		IndexDir: m.indexDir,
		RepositoryDescription: zoekt.Repository{
			Name:   name,
			Source: absRoot,
		},
	}
	opts.SetDefaults()

	builder, err := index.NewBuilder(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to create builder: %w", err)
	}

	added := 0
	var unsearchable []string
	for i, rel := range files {
		if err := ctx.Err(); err != nil {
			builder.Finish()
			return nil, err
		}
		if progress != nil {
			progress(i+1, len(files))
		}

		content, err := os.ReadFile(filepath.Join(absRoot, rel))
		if err != nil || isBinaryContent(content) {
			continue
		}
		if !searchable(content, opts) {
			unsearchable = append(unsearchable, rel)
		}
		if err := builder.Add(index.Document{Name: rel, Content: content}); err != nil {
			builder.Finish()
			return nil, fmt.Errorf("failed to index %s: %w", rel, err)
		}
		added++
	}

	if err := builder.Finish(); err != nil {
		return nil, fmt.Errorf("failed to finish index: %w", err)
	}

	result := &IndexInfo{
		Name:      name,
		SourceDir: absRoot,
		Files:     added,
		IndexedAt: started,
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	metadata := m.loadMetadata()
	metadata[name] = &indexMetadata{
		SourceDir:    absRoot,
		Files:        added,
		IndexedAt:    result.IndexedAt,
		Unsearchable: unsearchable,
	}
	if err := m.saveMetadata(metadata); err != nil {
		return nil, fmt.Errorf("failed to save metadata: %w", err)
	}
	delete(m.stale, absRoot)

	return result, nil
}

// collectFiles lists indexable files under root as slash-separated
// relative paths.
func (m *IndexManager) collectFiles(ctx context.Context, root string) ([]string, error) {
	var files []string
	err := filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return nil
		}
		if d.IsDir() {
			if m.filter.SkipDir(rel) {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() || m.filter.SkipFile(rel) {
			return nil
		}
		files = append(files, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to walk %s: %w", root, err)
	}
	return files, nil
}

// Candidates returns the files under root whose content contains literal,
// case-sensitively, restricted to the given extensions when exts is non-empty.
// Paths are relative to root and sorted.
func (m *IndexManager) Candidates(ctx context.Context, root, literal string, exts []string) ([]string, error) {
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve path: %w", err)
	}
	if literal == "" {
		return nil, fmt.Errorf("empty prefilter literal")
	}
	meta, err := m.metadata(absRoot)
	if err != nil {
		return nil, err
	}

	repoQ, err := query.Parse("repo:" + regexp.QuoteMeta(indexName(absRoot)))
	if err != nil {
		return nil, fmt.Errorf("failed to build repo query: %w", err)
	}
	q := query.NewAnd(repoQ, &query.Substring{
		Pattern:       literal,
		CaseSensitive: true,
		Content:       true,
	})

	searcher, err := search.NewDirectorySearcher(m.indexDir)
	if err != nil {
		return nil, fmt.Errorf("failed to load index: %w", err)
	}
	defer searcher.Close()

	result, err := searcher.Search(ctx, q, &zoekt.SearchOptions{
		MaxDocDisplayCount: MaxCandidates,
	})
	if err != nil {
		return nil, fmt.Errorf("prefilter search failed: %w", err)
	}

	if len(result.Files) >= MaxCandidates {
		return nil, ErrTooManyCandidates
	}

	extSet := make(map[string]bool, len(exts))
	for _, e := range exts {
		extSet[strings.ToLower(e)] = true
	}

	names := make([]string, 0, len(result.Files)+len(meta.Unsearchable))
	for _, fm := range result.Files {
		names = append(names, fm.FileName)
	}
	// zoekt keeps only the names of these, so they are always candidates
	names = append(names, meta.Unsearchable...)

	seen := make(map[string]bool, len(names))
	files := make([]string, 0, len(names))
	for _, name := range names {
		if len(extSet) > 0 && !extSet[strings.ToLower(filepath.Ext(name))] {
			continue
		}
		if seen[name] {
			continue
		}
		seen[name] = true
		files = append(files, name)
	}
	sort.Strings(files)
	return files, nil
}

// Info returns index information for root or ErrNotIndexed.
func (m *IndexManager) Info(root string) (*IndexInfo, error) {
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve path: %w", err)
	}
	meta, err := m.metadata(absRoot)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	return &IndexInfo{
		Name:      indexName(absRoot),
		SourceDir: meta.SourceDir,
		Files:     meta.Files,
		IndexedAt: meta.IndexedAt,
		Stale:     m.stale[absRoot],
	}, nil
}

// ListIndexes returns every known index sorted by source directory.
func (m *IndexManager) ListIndexes() ([]IndexInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var indexes []IndexInfo
	for name, meta := range m.loadMetadata() {
		indexes = append(indexes, IndexInfo{
			Name:      name,
			SourceDir: meta.SourceDir,
			Files:     meta.Files,
			IndexedAt: meta.IndexedAt,
			Stale:     m.stale[meta.SourceDir],
		})
	}
	sort.Slice(indexes, func(i, j int) bool { return indexes[i].SourceDir < indexes[j].SourceDir })
	return indexes, nil
}

// DeleteIndex removes the shards and metadata for root.
func (m *IndexManager) DeleteIndex(root string) error {
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return fmt.Errorf("failed to resolve path: %w", err)
	}
	if err := m.deleteShards(absRoot); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	metadata := m.loadMetadata()
	name := indexName(absRoot)
	if _, ok := metadata[name]; !ok {
		return fmt.Errorf("%w: %s", ErrNotIndexed, absRoot)
	}
	delete(metadata, name)
	delete(m.stale, absRoot)
	return m.saveMetadata(metadata)
}

// MarkStale records that files under root changed since the last index.
func (m *IndexManager) MarkStale(root string) {
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return
	}
	m.mu.Lock()
	m.stale[absRoot] = true
	m.mu.Unlock()
}

// IsStale reports whether root was marked stale since it was last indexed.
// It does not look at the files; see DetectChanges.
func (m *IndexManager) IsStale(root string) bool {
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return true
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stale[absRoot]
}

var errChanged = errors.New("changed since indexed")

// DetectChanges reports whether root is stale: either marked so, or holding
// a walked file or directory modified after the index was built. A detected
// change marks root stale until the next IndexDirectory. Directories count
// because adding, removing or renaming an entry updates their mtime.
func (m *IndexManager) DetectChanges(ctx context.Context, root string) (bool, error) {
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return true, fmt.Errorf("failed to resolve path: %w", err)
	}
	if m.IsStale(absRoot) {
		return true, nil
	}
	meta, err := m.metadata(absRoot)
	if err != nil {
		return true, err
	}

	err = filepath.WalkDir(absRoot, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			// vanished between listing and stat
			return errChanged
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		rel, err := filepath.Rel(absRoot, path)
		if err != nil {
			return nil
		}
		if d.IsDir() {
			if m.filter.SkipDir(rel) {
				return filepath.SkipDir
			}
		} else if !d.Type().IsRegular() || m.filter.SkipFile(rel) {
			return nil
		}
		info, err := d.Info()
		if err != nil || info.ModTime().After(meta.IndexedAt) {
			return errChanged
		}
		return nil
	})
	switch {
	case errors.Is(err, errChanged):
		m.MarkStale(absRoot)
		return true, nil
	case err != nil:
		return true, err
	}
	return false, nil
}

// searchable reports whether zoekt indexes the content of a document, not
// only its name. The limits mirror the builder's size and trigram checks.
func searchable(content []byte, opts index.Options) bool {
	if opts.SizeMax > 0 && len(content) > opts.SizeMax {
		return false
	}
	if opts.TrigramMax <= 0 || len(content) <= opts.TrigramMax {
		return true
	}
	trigrams := make(map[[3]rune]struct{})
	var window [3]rune
	n := 0
	for len(content) > 0 {
		r, size := utf8.DecodeRune(content)
		content = content[size:]
		window[0], window[1], window[2] = window[1], window[2], r
		if n++; n < 3 {
			continue
		}
		trigrams[window] = struct{}{}
		if len(trigrams) > opts.TrigramMax {
			return false
		}
	}
	return true
}

// indexMetadata is persisted per index name in metadata.json.
type indexMetadata struct {
	SourceDir    string    `json:"source_dir"`
	Files        int       `json:"files"`
	IndexedAt    time.Time `json:"indexed_at"`
	Unsearchable []string  `json:"unsearchable,omitempty"`
}

// metadata returns the stored metadata for absRoot or ErrNotIndexed.
func (m *IndexManager) metadata(absRoot string) (*indexMetadata, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	meta, ok := m.loadMetadata()[indexName(absRoot)]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotIndexed, absRoot)
	}
	return meta, nil
}

func (m *IndexManager) metadataPath() string {
	return filepath.Join(m.indexDir, "metadata.json")
}

// loadMetadata must be called with m.mu held. Unreadable metadata counts as empty.
func (m *IndexManager) loadMetadata() map[string]*indexMetadata {
	content, err := os.ReadFile(m.metadataPath())
	if err != nil {
		return make(map[string]*indexMetadata)
	}
	var metadata map[string]*indexMetadata
	if err := json.Unmarshal(content, &metadata); err != nil || metadata == nil {
		return make(map[string]*indexMetadata)
	}
	return metadata
}

// saveMetadata must be called with m.mu held.
func (m *IndexManager) saveMetadata(metadata map[string]*indexMetadata) error {
	content, err := json.MarshalIndent(metadata, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(m.indexDir, 0755); err != nil {
		return err
	}
	tmp := m.metadataPath() + ".tmp"
	if err := os.WriteFile(tmp, content, 0644); err != nil {
		return err
	}
	return os.Rename(tmp, m.metadataPath())
}

func (m *IndexManager) deleteShards(sourceDir string) error {
	prefix := indexName(sourceDir)

	entries, err := os.ReadDir(m.indexDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	for _, entry := range entries {
		if !entry.IsDir() && strings.HasPrefix(entry.Name(), prefix) && strings.HasSuffix(entry.Name(), ".zoekt") {
			if err := os.Remove(filepath.Join(m.indexDir, entry.Name())); err != nil {
				return err
			}
		}
	}
	return nil
}
