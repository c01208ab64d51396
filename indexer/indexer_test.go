package indexer

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/sourcegraph/zoekt/index"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFiles(t *testing.T, root string, files map[string]string) {
	t.Helper()
	for rel, content := range files {
		path := filepath.Join(root, filepath.FromSlash(rel))
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
		require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	}
}

func newIndexedCodebase(t *testing.T, ignore []string) (*IndexManager, string) {
	t.Helper()
	root := t.TempDir()
	writeFiles(t, root, map[string]string{
		"app/main.py":         "def process_data(x):\n    return x\n",
		"app/util.py":         "from app.main import process_data\n\nprocess_data(1)\n",
		"web/index.js":        "function process_data(x) { return x }\n",
		"lib/other.go":        "package lib\n\nfunc Other() {}\n",
		"docs/notes.py":       "process_data = None\n",
		"node_modules/dep.js": "process_data()\n",
		".hidden/secret.py":   "process_data()\n",
	})

	m, err := NewIndexManager(t.TempDir(), ignore)
	require.NoError(t, err)
	return m, root
}

func TestIndexDirectory(t *testing.T) {
	m, root := newIndexedCodebase(t, []string{"docs/**"})

	var calls, lastTotal int
	info, err := m.IndexDirectory(context.Background(), root, func(done, total int) {
		calls++
		lastTotal = total
		assert.LessOrEqual(t, done, total)
	})
	require.NoError(t, err)

	assert.Equal(t, 4, info.Files)
	assert.Equal(t, 4, calls)
	assert.Equal(t, 4, lastTotal)
	assert.False(t, info.Stale)

	got, err := m.Info(root)
	require.NoError(t, err)
	assert.Equal(t, info.Name, got.Name)
	assert.Equal(t, 4, got.Files)
	assert.FileExists(t, filepath.Join(m.IndexDir(), "metadata.json"))
}

func TestIndexDirectoryRejectsFile(t *testing.T) {
	m, root := newIndexedCodebase(t, nil)

	_, err := m.IndexDirectory(context.Background(), filepath.Join(root, "app", "main.py"), nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not a directory")
}

func TestCandidates(t *testing.T) {
	m, root := newIndexedCodebase(t, []string{"docs/**"})
	_, err := m.IndexDirectory(context.Background(), root, nil)
	require.NoError(t, err)

	tests := []struct {
		name    string
		literal string
		exts    []string
		want    []string
	}{
		{name: "all languages", literal: "process_data", want: []string{"app/main.py", "app/util.py", "web/index.js"}},
		{name: "python only", literal: "process_data", exts: []string{".py"}, want: []string{"app/main.py", "app/util.py"}},
		{name: "case sensitive", literal: "Process_Data", want: []string{}},
		{name: "go", literal: "Other", exts: []string{".go"}, want: []string{"lib/other.go"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := m.Candidates(context.Background(), root, tt.literal, tt.exts)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestCandidatesNotIndexed(t *testing.T) {
	m, root := newIndexedCodebase(t, nil)

	_, err := m.Candidates(context.Background(), root, "process_data", nil)
	assert.ErrorIs(t, err, ErrNotIndexed)
}

func TestCandidatesIsolatesCodebases(t *testing.T) {
	m, root := newIndexedCodebase(t, nil)
	other := t.TempDir()
	writeFiles(t, other, map[string]string{"x.py": "process_data()\n"})

	_, err := m.IndexDirectory(context.Background(), root, nil)
	require.NoError(t, err)
	_, err = m.IndexDirectory(context.Background(), other, nil)
	require.NoError(t, err)

	got, err := m.Candidates(context.Background(), other, "process_data", nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"x.py"}, got)

	indexes, err := m.ListIndexes()
	require.NoError(t, err)
	assert.Len(t, indexes, 2)
}

func TestReindexReplacesShards(t *testing.T) {
	m, root := newIndexedCodebase(t, nil)
	_, err := m.IndexDirectory(context.Background(), root, nil)
	require.NoError(t, err)

	require.NoError(t, os.Remove(filepath.Join(root, "web", "index.js")))
	_, err = m.IndexDirectory(context.Background(), root, nil)
	require.NoError(t, err)

	got, err := m.Candidates(context.Background(), root, "function process_data", nil)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestStale(t *testing.T) {
	m, root := newIndexedCodebase(t, nil)
	_, err := m.IndexDirectory(context.Background(), root, nil)
	require.NoError(t, err)

	assert.False(t, m.IsStale(root))
	m.MarkStale(root)
	assert.True(t, m.IsStale(root))

	info, err := m.Info(root)
	require.NoError(t, err)
	assert.True(t, info.Stale)

	_, err = m.IndexDirectory(context.Background(), root, nil)
	require.NoError(t, err)
	assert.False(t, m.IsStale(root))
}

func touchLater(t *testing.T, path string) {
	t.Helper()
	later := time.Now().Add(time.Hour)
	require.NoError(t, os.Chtimes(path, later, later))
}

func TestDetectChanges(t *testing.T) {
	ctx := context.Background()

	t.Run("not indexed", func(t *testing.T) {
		m, root := newIndexedCodebase(t, nil)
		stale, err := m.DetectChanges(ctx, root)
		assert.True(t, stale)
		assert.ErrorIs(t, err, ErrNotIndexed)
	})

	t.Run("unchanged", func(t *testing.T) {
		m, root := newIndexedCodebase(t, nil)
		_, err := m.IndexDirectory(ctx, root, nil)
		require.NoError(t, err)

		stale, err := m.DetectChanges(ctx, root)
		require.NoError(t, err)
		assert.False(t, stale)
	})

	t.Run("modified file seen by a new manager", func(t *testing.T) {
		m, root := newIndexedCodebase(t, nil)
		_, err := m.IndexDirectory(ctx, root, nil)
		require.NoError(t, err)
		touchLater(t, filepath.Join(root, "app", "util.py"))

		fresh, err := NewIndexManager(m.IndexDir(), nil)
		require.NoError(t, err)
		stale, err := fresh.DetectChanges(ctx, root)
		require.NoError(t, err)
		assert.True(t, stale)
		assert.True(t, fresh.IsStale(root))

		_, err = fresh.IndexDirectory(ctx, root, nil)
		require.NoError(t, err)
		assert.False(t, fresh.IsStale(root))
	})

	t.Run("added file", func(t *testing.T) {
		m, root := newIndexedCodebase(t, nil)
		_, err := m.IndexDirectory(ctx, root, nil)
		require.NoError(t, err)
		writeFiles(t, root, map[string]string{"app/new.py": "def fresh(): pass\n"})
		touchLater(t, filepath.Join(root, "app"))

		stale, err := m.DetectChanges(ctx, root)
		require.NoError(t, err)
		assert.True(t, stale)
	})

	t.Run("changes in skipped dirs do not count", func(t *testing.T) {
		m, root := newIndexedCodebase(t, nil)
		_, err := m.IndexDirectory(ctx, root, nil)
		require.NoError(t, err)
		touchLater(t, filepath.Join(root, "node_modules", "dep.js"))

		stale, err := m.DetectChanges(ctx, root)
		require.NoError(t, err)
		assert.False(t, stale)
	})
}

func TestCandidatesTooMany(t *testing.T) {
	root := t.TempDir()
	files := make(map[string]string, MaxCandidates)
	for i := 0; i < MaxCandidates; i++ {
		files[fmt.Sprintf("pkg%02d/mod%04d.py", i%50, i)] = "def common(): pass\n"
	}
	files["rare.py"] = "def rare(): pass\n"
	writeFiles(t, root, files)

	m, err := NewIndexManager(t.TempDir(), nil)
	require.NoError(t, err)
	_, err = m.IndexDirectory(context.Background(), root, nil)
	require.NoError(t, err)

	_, err = m.Candidates(context.Background(), root, "common", []string{".py"})
	assert.ErrorIs(t, err, ErrTooManyCandidates)

	got, err := m.Candidates(context.Background(), root, "rare", []string{".py"})
	require.NoError(t, err)
	assert.Equal(t, []string{"rare.py"}, got)
}

func TestCandidatesIncludeOversizedFiles(t *testing.T) {
	root := t.TempDir()
	big := "def huge_module_function(): pass\n" + strings.Repeat("x = 1\n", 400000)
	writeFiles(t, root, map[string]string{
		"big.py":   big,
		"small.py": "import os\n",
	})

	m, err := NewIndexManager(t.TempDir(), nil)
	require.NoError(t, err)
	_, err = m.IndexDirectory(context.Background(), root, nil)
	require.NoError(t, err)

	// zoekt keeps only the name of big.py, so it is always a candidate
	got, err := m.Candidates(context.Background(), root, "huge_module_function", []string{".py"})
	require.NoError(t, err)
	assert.Equal(t, []string{"big.py"}, got)

	got, err = m.Candidates(context.Background(), root, "unrelated", []string{".go"})
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestSearchable(t *testing.T) {
	opts := index.Options{SizeMax: 100, TrigramMax: 20}

	assert.True(t, searchable([]byte("def main(): pass"), opts))
	assert.False(t, searchable([]byte(strings.Repeat("a", 101)), opts))
	assert.True(t, searchable([]byte(strings.Repeat("ab", 40)), opts))
	assert.False(t, searchable([]byte("abcdefghijklmnopqrstuvwxyz0123456789"), opts))
}

func TestDeleteIndex(t *testing.T) {
	m, root := newIndexedCodebase(t, nil)
	_, err := m.IndexDirectory(context.Background(), root, nil)
	require.NoError(t, err)

	require.NoError(t, m.DeleteIndex(root))

	_, err = m.Info(root)
	assert.ErrorIs(t, err, ErrNotIndexed)

	entries, err := os.ReadDir(m.IndexDir())
	require.NoError(t, err)
	for _, e := range entries {
		assert.NotEqual(t, ".zoekt", filepath.Ext(e.Name()))
	}

	assert.ErrorIs(t, m.DeleteIndex(root), ErrNotIndexed)
}

func TestIndexDirectoryCancelled(t *testing.T) {
	m, root := newIndexedCodebase(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := m.IndexDirectory(ctx, root, nil)
	assert.ErrorIs(t, err, context.Canceled)
}
