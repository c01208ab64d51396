package retrieval

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/charmbracelet/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/martin-wey/code-context-agent/astgrep"
	"github.com/martin-wey/code-context-agent/indexer"
	"github.com/martin-wey/code-context-agent/logging"
	"github.com/martin-wey/code-context-agent/templates"
)

// fakeRunner returns canned matches per pattern and records every request.
type fakeRunner struct {
	mu      sync.Mutex
	matches map[string][]astgrep.Match
	err     error
	calls   []astgrep.Request
}

func (f *fakeRunner) Name() string { return "fake" }

func (f *fakeRunner) Run(_ context.Context, req *astgrep.Request) ([]astgrep.Match, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, *req)
	if f.err != nil {
		return nil, f.err
	}
	return f.matches[req.Pattern], nil
}

func (f *fakeRunner) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func (f *fakeRunner) lastCall() astgrep.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[len(f.calls)-1]
}

func quietLogger() *log.Logger {
	return log.New(io.Discard)
}

func newTestService(t *testing.T, runner *fakeRunner, idx *indexer.IndexManager, opts Options) *Service {
	t.Helper()
	if opts.Root == "" {
		opts.Root = t.TempDir()
	}
	reg, err := templates.NewRegistry(templates.Builtins()...)
	require.NoError(t, err)

	svc, err := NewService(opts, runner, reg, idx, quietLogger())
	require.NoError(t, err)
	t.Cleanup(func() { svc.Close() })
	return svc
}

func match(file string, start int) astgrep.Match {
	return astgrep.Match{
		File:      file,
		Text:      fmt.Sprintf("def process_data(): # %d", start),
		ByteStart: start,
		ByteEnd:   start + 10,
		StartLine: 1,
		EndLine:   1,
	}
}

func TestRunTemplate(t *testing.T) {
	runner := &fakeRunner{matches: map[string][]astgrep.Match{
		"def process_data($$$PARAMS): $$$BODY":         {match("b.py", 0), match("a.py", 20)},
		"async def process_data($$$PARAMS): $$$BODY":   {match("a.py", 5)},
		"def process_data($$$PARAMS) -> $RET: $$$BODY": {match("a.py", 20)},
	}}
	svc := newTestService(t, runner, nil, Options{})

	res, err := svc.RunTemplate(context.Background(), TemplateQuery{
		Template: "function_definition",
		Args:     map[string]string{"function_name": "process_data"},
	})
	require.NoError(t, err)

	assert.Equal(t, "function_definition", res.Template)
	assert.Equal(t, "python", res.Language)
	assert.Len(t, res.Patterns, 4)
	assert.Equal(t, 4, runner.callCount())
	assert.False(t, res.Prefiltered)

	require.Len(t, res.Matches, 3)
	assert.Equal(t, 3, res.Total)
	assert.False(t, res.Truncated)
	assert.Equal(t, "a.py", res.Matches[0].File)
	assert.Equal(t, 5, res.Matches[0].ByteStart)
	assert.Equal(t, "async def process_data($$$PARAMS): $$$BODY", res.Matches[0].Pattern)
	assert.Equal(t, 20, res.Matches[1].ByteStart)
	assert.Equal(t, "def process_data($$$PARAMS): $$$BODY", res.Matches[1].Pattern)
	assert.Equal(t, "b.py", res.Matches[2].File)

	call := runner.lastCall()
	assert.Equal(t, svc.Root(), call.Root)
	assert.Equal(t, "python", call.Language)
	assert.Empty(t, call.Paths)
}

func TestRunTemplateErrors(t *testing.T) {
	svc := newTestService(t, &fakeRunner{}, nil, Options{})

	tests := []struct {
		name  string
		query TemplateQuery
		want  error
	}{
		{
			name:  "unknown template",
			query: TemplateQuery{Template: "nope"},
			want:  templates.ErrUnknownTemplate,
		},
		{
			name:  "missing required argument",
			query: TemplateQuery{Template: "function_definition"},
			want:  templates.ErrInvalidArgument,
		},
		{
			name: "argument is not an identifier",
			query: TemplateQuery{Template: "function_definition",
				Args: map[string]string{"function_name": "$X) or ("}},
			want: templates.ErrInvalidArgument,
		},
		{
			name: "unsupported language",
			query: TemplateQuery{Template: "function_definition", Language: "cobol",
				Args: map[string]string{"function_name": "main"}},
			want: astgrep.ErrUnsupportedLanguage,
		},
		{
			name: "no pattern for language",
			query: TemplateQuery{Template: "function_definition", Language: "css",
				Args: map[string]string{"function_name": "main"}},
			want: templates.ErrInvalidArgument,
		},
		{
			name: "target outside root",
			query: TemplateQuery{Template: "function_definition", TargetFiles: []string{"../etc/passwd"},
				Args: map[string]string{"function_name": "main"}},
			want: astgrep.ErrPathOutsideRoot,
		},
		{
			name: "bad strictness",
			query: TemplateQuery{Template: "function_definition", Strictness: "loose",
				Args: map[string]string{"function_name": "main"}},
			want: astgrep.ErrInvalidRequest,
		},
		{
			name: "unknown argument",
			query: TemplateQuery{Template: "function_definition",
				Args: map[string]string{"function_name": "main", "class_name": "Foo"}},
			want: templates.ErrInvalidArgument,
		},
		{
			name: "bad glob",
			query: TemplateQuery{Template: "function_definition", FileGlobs: []string{"[a"},
				Args: map[string]string{"function_name": "main"}},
			want: templates.ErrInvalidArgument,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.RunTemplate(context.Background(), tt.query)
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.want)
			assert.True(t, IsUserError(err))
		})
	}
}

func TestRunTemplateRunnerError(t *testing.T) {
	boom := errors.New("exec failed")
	svc := newTestService(t, &fakeRunner{err: boom}, nil, Options{})

	_, err := svc.RunTemplate(context.Background(), TemplateQuery{
		Template: "function_call",
		Args:     map[string]string{"function_name": "main"},
	})
	assert.ErrorIs(t, err, boom)
	assert.False(t, IsUserError(err))
}

func TestRunTemplateTargetFiles(t *testing.T) {
	runner := &fakeRunner{}
	svc := newTestService(t, runner, nil, Options{})

	_, err := svc.RunTemplate(context.Background(), TemplateQuery{
		Template:    "function_call",
		Language:    "go",
		Args:        map[string]string{"function_name": "main"},
		TargetFiles: []string{"cmd/main.go", "./pkg/../internal/x.go"},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"cmd/main.go", "internal/x.go"}, runner.lastCall().Paths)
	assert.Equal(t, "go", runner.lastCall().Language)
}

func TestLimitAndGlobs(t *testing.T) {
	var many []astgrep.Match
	for i := 0; i < 10; i++ {
		many = append(many, match(fmt.Sprintf("src/f%d.py", i), i))
	}
	many = append(many, match("tests/test_x.py", 0))
	runner := &fakeRunner{matches: map[string][]astgrep.Match{"$X = 1": many}}
	svc := newTestService(t, runner, nil, Options{DefaultLimit: 5, MaxLimit: 8})

	res, err := svc.RunPattern(context.Background(), PatternQuery{Pattern: "$X = 1"})
	require.NoError(t, err)
	assert.Len(t, res.Matches, 5)
	assert.Equal(t, 11, res.Total)
	assert.True(t, res.Truncated)

	res, err = svc.RunPattern(context.Background(), PatternQuery{Pattern: "$X = 1", Limit: 100})
	require.NoError(t, err)
	assert.Len(t, res.Matches, 8)

	res, err = svc.RunPattern(context.Background(), PatternQuery{Pattern: "$X = 1", FileGlobs: []string{"tests/**"}})
	require.NoError(t, err)
	require.Len(t, res.Matches, 1)
	assert.Equal(t, "tests/test_x.py", res.Matches[0].File)
	assert.False(t, res.Truncated)

	// a glob without a slash matches base names at any depth
	res, err = svc.RunPattern(context.Background(), PatternQuery{Pattern: "$X = 1", FileGlobs: []string{"test_*.py"}})
	require.NoError(t, err)
	require.Len(t, res.Matches, 1)
	assert.Equal(t, "tests/test_x.py", res.Matches[0].File)

	res, err = svc.RunPattern(context.Background(), PatternQuery{Pattern: "$X = 1", FileGlobs: []string{"src/*.py"}})
	require.NoError(t, err)
	assert.Equal(t, 10, res.Total)
}

func TestRunPatternValidation(t *testing.T) {
	svc := newTestService(t, &fakeRunner{}, nil, Options{})

	_, err := svc.RunPattern(context.Background(), PatternQuery{})
	assert.ErrorIs(t, err, astgrep.ErrInvalidRequest)

	res, err := svc.RunPattern(context.Background(), PatternQuery{Pattern: "print($A)", Language: "py"})
	require.NoError(t, err)
	assert.Equal(t, "python", res.Language)
	assert.Empty(t, res.Template)
	assert.NotNil(t, res.Matches)
}

func TestCache(t *testing.T) {
	runner := &fakeRunner{matches: map[string][]astgrep.Match{"print($A)": {match("a.py", 0)}}}
	svc := newTestService(t, runner, nil, Options{CacheEnabled: true, CacheSize: 100, CacheTTL: time.Minute})

	q := PatternQuery{Pattern: "print($A)"}
	_, err := svc.RunPattern(context.Background(), q)
	require.NoError(t, err)
	res, err := svc.RunPattern(context.Background(), q)
	require.NoError(t, err)
	assert.Len(t, res.Matches, 1)
	assert.Equal(t, 1, runner.callCount())

	stats := svc.Status().Cache
	assert.True(t, stats.Enabled)
	assert.Equal(t, int64(1), stats.Hits)

	svc.InvalidateFiles([]string{"a.py"})
	_, err = svc.RunPattern(context.Background(), q)
	require.NoError(t, err)
	assert.Equal(t, 2, runner.callCount())
}

func TestCacheWithoutTTL(t *testing.T) {
	runner := &fakeRunner{matches: map[string][]astgrep.Match{"print($A)": {match("a.py", 0)}}}
	svc := newTestService(t, runner, nil, Options{CacheEnabled: true, CacheSize: 100, CacheTTL: 0})

	q := PatternQuery{Pattern: "print($A)"}
	for i := 0; i < 2; i++ {
		_, err := svc.RunPattern(context.Background(), q)
		require.NoError(t, err)
	}
	assert.Equal(t, 1, runner.callCount())
	assert.True(t, svc.Status().Cache.Enabled)
}

func TestRunsLogPerformance(t *testing.T) {
	var buf bytes.Buffer
	logger, err := logging.New(&buf, "debug", "logfmt")
	require.NoError(t, err)

	reg, err := templates.NewRegistry(templates.Builtins()...)
	require.NoError(t, err)
	idx, err := indexer.NewIndexManager(t.TempDir(), nil)
	require.NoError(t, err)
	svc, err := NewService(Options{Root: t.TempDir()}, &fakeRunner{}, reg, idx, logger)
	require.NoError(t, err)
	defer svc.Close()

	_, err = svc.RunPattern(context.Background(), PatternQuery{Pattern: "print($A)"})
	require.NoError(t, err)
	_, err = svc.Index(context.Background(), nil)
	require.NoError(t, err)

	assert.Contains(t, buf.String(), "operation=run_patterns")
	assert.Contains(t, buf.String(), "operation=index")
}

func TestCacheKey(t *testing.T) {
	a := &astgrep.Request{Pattern: "p", Language: "go", Root: "/r", Paths: []string{"a.go", "b.go"}}
	b := &astgrep.Request{Pattern: "p", Language: "go", Root: "/r", Paths: []string{"b.go", "a.go"}}
	c := &astgrep.Request{Pattern: "p", Language: "go", Root: "/r", Paths: []string{"a.go"}}

	assert.Equal(t, cacheKey("local", a), cacheKey("local", b))
	assert.NotEqual(t, cacheKey("local", a), cacheKey("local", c))
	assert.NotEqual(t, cacheKey("local", a), cacheKey("docker", a))
	assert.Equal(t, []string{"a.go", "b.go"}, a.Paths)
}

func newIndexedService(t *testing.T, runner *fakeRunner, opts Options) (*Service, *indexer.IndexManager) {
	t.Helper()
	root := t.TempDir()
	files := map[string]string{
		"app/main.py": "def process_data(x):\n    return x\n",
		"app/util.py": "import os\n",
		"web/app.js":  "function process_data() {}\n",
	}
	for rel, content := range files {
		path := filepath.Join(root, filepath.FromSlash(rel))
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
		require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	}

	idx, err := indexer.NewIndexManager(t.TempDir(), nil)
	require.NoError(t, err)
	_, err = idx.IndexDirectory(context.Background(), root, nil)
	require.NoError(t, err)

	opts.Root = root
	return newTestService(t, runner, idx, opts), idx
}

func TestPrefilter(t *testing.T) {
	runner := &fakeRunner{}
	svc, idx := newIndexedService(t, runner, Options{Prefilter: true})
	q := TemplateQuery{Template: "function_definition", Args: map[string]string{"function_name": "process_data"}}

	res, err := svc.RunTemplate(context.Background(), q)
	require.NoError(t, err)
	assert.True(t, res.Prefiltered)
	assert.Equal(t, 1, res.Candidates)
	assert.Equal(t, []string{"app/main.py"}, runner.lastCall().Paths)

	t.Run("no candidates skips ast-grep", func(t *testing.T) {
		before := runner.callCount()
		res, err := svc.RunTemplate(context.Background(), TemplateQuery{
			Template: "function_definition",
			Args:     map[string]string{"function_name": "missing_function"},
		})
		require.NoError(t, err)
		assert.True(t, res.Prefiltered)
		assert.Empty(t, res.Matches)
		assert.Equal(t, before, runner.callCount())
	})

	t.Run("target files bypass the index", func(t *testing.T) {
		q := q
		q.TargetFiles = []string{"app/util.py"}
		res, err := svc.RunTemplate(context.Background(), q)
		require.NoError(t, err)
		assert.False(t, res.Prefiltered)
		assert.Equal(t, []string{"app/util.py"}, runner.lastCall().Paths)
	})

	t.Run("stale index is not used", func(t *testing.T) {
		idx.MarkStale(svc.Root())
		res, err := svc.RunTemplate(context.Background(), q)
		require.NoError(t, err)
		assert.False(t, res.Prefiltered)
		assert.Empty(t, runner.lastCall().Paths)
	})
}

func TestPrefilterDisabled(t *testing.T) {
	runner := &fakeRunner{}
	svc, _ := newIndexedService(t, runner, Options{Prefilter: false})

	res, err := svc.RunTemplate(context.Background(), TemplateQuery{
		Template: "function_definition",
		Args:     map[string]string{"function_name": "process_data"},
	})
	require.NoError(t, err)
	assert.False(t, res.Prefiltered)
	assert.Empty(t, runner.lastCall().Paths)
}

func TestInvalidateFilesMarksStale(t *testing.T) {
	svc, idx := newIndexedService(t, &fakeRunner{}, Options{Prefilter: true})

	svc.InvalidateFiles([]string{"app/main.py"})
	assert.True(t, idx.IsStale(svc.Root()))

	status := svc.Status()
	require.NotNil(t, status.Index)
	assert.True(t, status.Index.Stale)
}

func TestInvalidateFilesAutoReindex(t *testing.T) {
	svc, idx := newIndexedService(t, &fakeRunner{}, Options{Prefilter: true, AutoReindex: true})

	require.NoError(t, os.WriteFile(filepath.Join(svc.Root(), "app", "new.py"), []byte("def fresh(): pass\n"), 0644))
	svc.InvalidateFiles([]string{"app/new.py"})

	require.Eventually(t, func() bool {
		info, err := idx.Info(svc.Root())
		return err == nil && !info.Stale && info.Files == 4
	}, 10*time.Second, 50*time.Millisecond)
}

func TestStatus(t *testing.T) {
	svc := newTestService(t, &fakeRunner{}, nil, Options{})

	st := svc.Status()
	assert.Equal(t, "fake", st.Backend)
	assert.Equal(t, svc.Root(), st.Root)
	assert.Equal(t, 6, st.Templates)
	assert.Nil(t, st.Index)
	assert.False(t, st.Cache.Enabled)
}

func TestIndexWithoutIndexer(t *testing.T) {
	svc := newTestService(t, &fakeRunner{}, nil, Options{})

	_, err := svc.Index(context.Background(), nil)
	assert.Error(t, err)
	assert.Error(t, svc.DeleteIndex())
}

func TestNewServiceRejectsMissingRoot(t *testing.T) {
	reg, err := templates.NewRegistry()
	require.NoError(t, err)

	_, err = NewService(Options{Root: filepath.Join(t.TempDir(), "missing")}, &fakeRunner{}, reg, nil, quietLogger())
	assert.Error(t, err)
}

func writeTree(t *testing.T, root string, files map[string]string) {
	t.Helper()
	for rel, content := range files {
		path := filepath.Join(root, filepath.FromSlash(rel))
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
		require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	}
}

// touchLater moves a file's mtime past any index built during the test.
func touchLater(t *testing.T, path string) {
	t.Helper()
	later := time.Now().Add(time.Hour)
	require.NoError(t, os.Chtimes(path, later, later))
}

func TestPrefilterIgnoresOutdatedIndexInNewService(t *testing.T) {
	root := t.TempDir()
	indexDir := t.TempDir()
	writeTree(t, root, map[string]string{"a.py": "def helper(): pass\n"})

	idx, err := indexer.NewIndexManager(indexDir, nil)
	require.NoError(t, err)
	_, err = idx.IndexDirectory(context.Background(), root, nil)
	require.NoError(t, err)

	// the codebase changes while no service is watching it
	writeTree(t, root, map[string]string{"b.py": "def process_data(): pass\n"})
	touchLater(t, filepath.Join(root, "b.py"))

	fresh, err := indexer.NewIndexManager(indexDir, nil)
	require.NoError(t, err)
	runner := &fakeRunner{matches: map[string][]astgrep.Match{
		"def process_data($$$PARAMS): $$$BODY": {match("b.py", 0)},
	}}
	svc := newTestService(t, runner, fresh, Options{Root: root, Prefilter: true})
	assert.True(t, fresh.IsStale(root))

	res, err := svc.RunTemplate(context.Background(), TemplateQuery{
		Template: "function_definition",
		Args:     map[string]string{"function_name": "process_data"},
	})
	require.NoError(t, err)
	assert.False(t, res.Prefiltered)
	assert.Positive(t, runner.callCount())
	assert.Empty(t, runner.lastCall().Paths)
	require.NotEmpty(t, res.Matches)
	assert.Equal(t, "b.py", res.Matches[0].File)
}

func TestPrefilterNoticesChangesWithoutWatcher(t *testing.T) {
	runner := &fakeRunner{}
	svc, idx := newIndexedService(t, runner, Options{Prefilter: true})
	q := TemplateQuery{Template: "function_definition", Args: map[string]string{"function_name": "late_addition"}}

	res, err := svc.RunTemplate(context.Background(), q)
	require.NoError(t, err)
	assert.True(t, res.Prefiltered)
	assert.Zero(t, runner.callCount())

	writeTree(t, svc.Root(), map[string]string{"app/late.py": "def late_addition(): pass\n"})
	touchLater(t, filepath.Join(svc.Root(), "app", "late.py"))
	touchLater(t, filepath.Join(svc.Root(), "app"))

	res, err = svc.RunTemplate(context.Background(), q)
	require.NoError(t, err)
	assert.False(t, res.Prefiltered)
	assert.Positive(t, runner.callCount())
	assert.Empty(t, runner.lastCall().Paths)
	assert.True(t, idx.IsStale(svc.Root()))
}

func TestOutdatedIndexReindexedOnStart(t *testing.T) {
	root := t.TempDir()
	indexDir := t.TempDir()
	writeTree(t, root, map[string]string{"a.py": "def helper(): pass\n"})

	idx, err := indexer.NewIndexManager(indexDir, nil)
	require.NoError(t, err)
	_, err = idx.IndexDirectory(context.Background(), root, nil)
	require.NoError(t, err)

	writeTree(t, root, map[string]string{"b.py": "def other(): pass\n"})
	touchLater(t, filepath.Join(root, "b.py"))

	fresh, err := indexer.NewIndexManager(indexDir, nil)
	require.NoError(t, err)
	newTestService(t, &fakeRunner{}, fresh, Options{Root: root, Prefilter: true, AutoReindex: true})

	require.Eventually(t, func() bool {
		info, err := fresh.Info(root)
		return err == nil && info.Files == 2
	}, 10*time.Second, 50*time.Millisecond)
}

func TestWholeRootRunMatchesPrefilteredRun(t *testing.T) {
	root := t.TempDir()
	writeTree(t, root, map[string]string{
		"app/main.py":  "import os\n",
		"build/gen.py": "def generated(): pass\n",
		"env/tool.py":  "def generated(): pass\n",
	})
	runner := &fakeRunner{matches: map[string][]astgrep.Match{
		"def generated($$$PARAMS): $$$BODY": {match("build/gen.py", 0), match("env/tool.py", 0)},
	}}
	q := TemplateQuery{Template: "function_definition", Args: map[string]string{"function_name": "generated"}}

	// no index: ast-grep searches the whole root, excluded dirs are dropped
	plain := newTestService(t, runner, nil, Options{Root: root})
	res, err := plain.RunTemplate(context.Background(), q)
	require.NoError(t, err)
	assert.False(t, res.Prefiltered)
	assert.Empty(t, res.Matches)
	assert.Equal(t, 0, res.Total)

	idx, err := indexer.NewIndexManager(t.TempDir(), nil)
	require.NoError(t, err)
	_, err = idx.IndexDirectory(context.Background(), root, nil)
	require.NoError(t, err)

	indexed := newTestService(t, runner, idx, Options{Root: root, Prefilter: true})
	res, err = indexed.RunTemplate(context.Background(), q)
	require.NoError(t, err)
	assert.True(t, res.Prefiltered)
	assert.Empty(t, res.Matches)

	// explicit target files are searched as given
	q.TargetFiles = []string{"build/gen.py"}
	res, err = plain.RunTemplate(context.Background(), q)
	require.NoError(t, err)
	assert.Len(t, res.Matches, 2)
}

func TestPrefilterTooManyCandidates(t *testing.T) {
	root := t.TempDir()
	files := make(map[string]string, indexer.MaxCandidates)
	for i := 0; i < indexer.MaxCandidates; i++ {
		files[fmt.Sprintf("pkg%02d/mod%04d.py", i%50, i)] = "def common(): pass\n"
	}
	writeTree(t, root, files)

	idx, err := indexer.NewIndexManager(t.TempDir(), nil)
	require.NoError(t, err)
	_, err = idx.IndexDirectory(context.Background(), root, nil)
	require.NoError(t, err)

	runner := &fakeRunner{}
	svc := newTestService(t, runner, idx, Options{Root: root, Prefilter: true})
	res, err := svc.RunTemplate(context.Background(), TemplateQuery{
		Template: "function_definition",
		Args:     map[string]string{"function_name": "common"},
	})
	require.NoError(t, err)
	assert.False(t, res.Prefiltered)
	assert.Positive(t, runner.callCount())
	assert.Empty(t, runner.lastCall().Paths)
}
