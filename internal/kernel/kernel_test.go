package kernel

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/quill/internal/lock"
)

type fixture struct {
	kernel   *Kernel
	compiler *fakeCompiler
	files    *fakeFiles
	settings *fakeSettings
	sink     *fakeSink
}

func newFixture(entry string, existing ...string) *fixture {
	f := &fixture{
		compiler: &fakeCompiler{},
		files:    newFakeFiles(existing...),
		settings: &fakeSettings{entry: entry},
		sink:     &fakeSink{},
	}
	f.kernel = New(Deps{
		Compiler:  f.compiler,
		Files:     f.files,
		Settings:  f.settings,
		Documents: f.sink,
	}, WithSessionID("session-1"))
	return f
}

func TestValidateEntryPath_Correction(t *testing.T) {
	f := newFixture("c.md", "a.md")
	f.compiler.entryPoints = []EntryPoint{{Name: "default", Path: "a.md"}, {Name: "x", Path: "b.md"}}

	got, err := f.kernel.ValidateEntryPath(context.Background(), lock.NoToken)
	assert.ErrorIs(t, err, ErrEntryPathCorrected)
	assert.Equal(t, "a.md", got)
	assert.Equal(t, []string{"a.md"}, f.settings.setCalls)
}

func TestValidateEntryPath_IntentionalMissingPath(t *testing.T) {
	f := newFixture("b.md", "a.md")
	f.compiler.entryPoints = []EntryPoint{{Name: "default", Path: "a.md"}, {Name: "x", Path: "b.md"}}

	got, err := f.kernel.ValidateEntryPath(context.Background(), lock.NoToken)
	require.NoError(t, err)
	assert.Equal(t, "b.md", got)
	assert.Empty(t, f.settings.setCalls)
}

func TestValidateEntryPath_Cases(t *testing.T) {
	tests := []struct {
		name       string
		configured string
		existing   []string
		candidates []EntryPoint
		want       string
		corrected  bool
		listsEntry bool
	}{
		{
			name:       "empty means default",
			configured: "",
			want:       "",
		},
		{
			name:       "existing file kept",
			configured: "main.typ",
			existing:   []string{"main.typ"},
			want:       "main.typ",
		},
		{
			name:       "leading slash normalized for existence",
			configured: "/main.typ",
			existing:   []string{"main.typ"},
			want:       "/main.typ",
		},
		{
			name:       "default candidate missing falls to first existing",
			configured: "gone.typ",
			existing:   []string{"b.typ", "c.typ"},
			candidates: []EntryPoint{{Name: "default", Path: "a.typ"}, {Name: "b", Path: "b.typ"}, {Name: "c", Path: "c.typ"}},
			want:       "b.typ",
			corrected:  true,
			listsEntry: true,
		},
		{
			name:       "default preferred over earlier candidate",
			configured: "gone.typ",
			existing:   []string{"b.typ", "d.typ"},
			candidates: []EntryPoint{{Name: "b", Path: "b.typ"}, {Name: "default", Path: "d.typ"}},
			want:       "d.typ",
			corrected:  true,
			listsEntry: true,
		},
		{
			name:       "no existing candidate clears path",
			configured: "gone.typ",
			candidates: []EntryPoint{{Name: "default", Path: "a.typ"}},
			want:       "",
			corrected:  true,
			listsEntry: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(tt.configured, tt.existing...)
			f.compiler.entryPoints = tt.candidates

			got, err := f.kernel.ValidateEntryPath(context.Background(), lock.NoToken)
			assert.Equal(t, tt.want, got)
			if tt.corrected {
				assert.ErrorIs(t, err, ErrEntryPathCorrected)
				assert.Equal(t, []string{tt.want}, f.settings.setCalls)
			} else {
				assert.NoError(t, err)
				assert.Empty(t, f.settings.setCalls)
			}
			assert.Equal(t, tt.listsEntry, f.compiler.entryCalls > 0)
		})
	}
}

func TestValidateEntryPath_EntryPointsUnavailable(t *testing.T) {
	f := newFixture("gone.typ")
	f.compiler.entryErr = errors.New("worker busy")

	got, err := f.kernel.ValidateEntryPath(context.Background(), lock.NoToken)
	require.NoError(t, err)
	assert.Equal(t, "gone.typ", got)
}

func TestCompile_DispatchesDocument(t *testing.T) {
	f := newFixture("main.typ", "main.typ")

	require.NoError(t, f.kernel.Compile(context.Background()))

	docs := f.sink.all()
	require.Len(t, docs, 1)
	assert.True(t, docs[0].OK())
	assert.Equal(t, "main.typ", docs[0].EntryPath)
	assert.Equal(t, "session-1", docs[0].SessionID)
	assert.JSONEq(t, `{"pages":1}`, string(docs[0].Content))
	assert.False(t, f.kernel.Compiling())
}

func TestCompile_NeedsCompileConvergence(t *testing.T) {
	f := newFixture("main.typ", "main.typ")
	gate := make(chan struct{})
	f.compiler.gate = gate
	f.compiler.started = make(chan struct{}, 16)

	ctx := context.Background()
	first := make(chan error, 1)
	go func() { first <- f.kernel.Compile(ctx) }()
	<-f.compiler.started

	const k = 5
	var (
		wg       sync.WaitGroup
		finished atomic.Int32
		seen     [k]int
	)
	for i := 0; i < k; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			assert.NoError(t, f.kernel.Compile(ctx))
			seen[i] = len(f.compiler.compiles())
			finished.Add(1)
		}(i)
	}

	require.Eventually(t, func() bool {
		f.kernel.mu.Lock()
		defer f.kernel.mu.Unlock()
		return len(f.kernel.waiters) == k
	}, time.Second, time.Millisecond)
	assert.Zero(t, finished.Load(), "joined callers return only after the loop drains")

	close(gate)
	require.NoError(t, <-first)
	wg.Wait()

	assert.Len(t, f.compiler.compiles(), 2, "one extra iteration for the whole batch")
	for i := 0; i < k; i++ {
		assert.Equal(t, 2, seen[i])
	}
	assert.False(t, f.kernel.Compiling())
}

func waitForWaiters(t *testing.T, k *Kernel, n int) {
	t.Helper()
	require.Eventually(t, func() bool {
		k.mu.Lock()
		defer k.mu.Unlock()
		return len(k.waiters) == n
	}, time.Second, time.Millisecond)
}

func TestCompile_OwnerCancelledJoinerTakesOver(t *testing.T) {
	f := newFixture("main.typ", "main.typ")
	gate := make(chan struct{})
	f.compiler.gate = gate
	f.compiler.started = make(chan struct{}, 16)

	ownerCtx, cancel := context.WithCancel(context.Background())
	owner := make(chan error, 1)
	go func() { owner <- f.kernel.Compile(ownerCtx) }()
	<-f.compiler.started

	joiner := make(chan error, 1)
	go func() { joiner <- f.kernel.Compile(context.Background()) }()
	waitForWaiters(t, f.kernel, 1)

	cancel()
	close(gate)

	assert.ErrorIs(t, <-owner, context.Canceled)
	require.NoError(t, <-joiner)
	assert.Len(t, f.compiler.compiles(), 2, "the joined request is compiled by the joiner")
	assert.Len(t, f.sink.all(), 2)
	assert.False(t, f.kernel.Compiling())
	assert.Equal(t, lock.NoToken, f.kernel.Lock().Holder())
}

func TestCompile_OwnerCancelledWithoutJoiners(t *testing.T) {
	f := newFixture("main.typ", "main.typ")
	gate := make(chan struct{})
	f.compiler.gate = gate
	f.compiler.started = make(chan struct{}, 16)

	ctx, cancel := context.WithCancel(context.Background())
	owner := make(chan error, 1)
	go func() { owner <- f.kernel.Compile(ctx) }()
	<-f.compiler.started

	cancel()
	close(gate)
	require.NoError(t, <-owner, "the running iteration completes and the loop drains")
	assert.False(t, f.kernel.Compiling())

	require.NoError(t, f.kernel.Compile(context.Background()))
	assert.Len(t, f.compiler.compiles(), 2)
}

func TestCompile_CancelledJoinerCallsAgain(t *testing.T) {
	f := newFixture("main.typ", "main.typ")
	gate := make(chan struct{})
	f.compiler.gate = gate
	f.compiler.started = make(chan struct{}, 16)

	owner := make(chan error, 1)
	go func() { owner <- f.kernel.Compile(context.Background()) }()
	<-f.compiler.started

	joinCtx, cancel := context.WithCancel(context.Background())
	joiner := make(chan error, 1)
	go func() { joiner <- f.kernel.Compile(joinCtx) }()
	waitForWaiters(t, f.kernel, 1)

	cancel()
	assert.ErrorIs(t, <-joiner, context.Canceled)
	assert.True(t, f.kernel.Compiling(), "a cancelled joiner does not stop the loop")

	again := make(chan error, 1)
	go func() { again <- f.kernel.Compile(context.Background()) }()
	waitForWaiters(t, f.kernel, 2)

	close(gate)
	require.NoError(t, <-owner)
	require.NoError(t, <-again)
	assert.Len(t, f.compiler.compiles(), 2, "both requests are served by one extra iteration")
	assert.False(t, f.kernel.Compiling())
}

func TestCompile_MutualExclusionWithExport(t *testing.T) {
	f := newFixture("main.typ", "main.typ")

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			assert.NoError(t, f.kernel.Compile(context.Background()))
		}()
		go func() {
			defer wg.Done()
			_, err := f.kernel.Export(context.Background(), ExportRequest{PluginID: "pdf", ExportID: "pdf"})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, f.compiler.maxActive)
}

func TestCompile_FailureIsRecordedNotReturned(t *testing.T) {
	f := newFixture("main.typ", "main.typ")
	f.compiler.compileErr = errors.New("syntax error at 3:14")

	require.NoError(t, f.kernel.Compile(context.Background()))

	docs := f.sink.all()
	require.Len(t, docs, 1)
	assert.False(t, docs[0].OK())
	assert.Contains(t, docs[0].Error, "syntax error at 3:14")
	assert.Contains(t, docs[0].Error, string(ErrCodeCompileFailed))
	assert.False(t, f.kernel.Compiling())
	assert.Equal(t, lock.NoToken, f.kernel.Lock().Holder())

	f.compiler.mu.Lock()
	f.compiler.compileErr = nil
	f.compiler.mu.Unlock()
	require.NoError(t, f.kernel.Compile(context.Background()))
	assert.True(t, f.sink.all()[1].OK())
}

func TestCompile_SkippedAfterCorrection(t *testing.T) {
	f := newFixture("gone.typ", "a.typ")
	f.compiler.entryPoints = []EntryPoint{{Name: "default", Path: "a.typ"}}

	require.NoError(t, f.kernel.Compile(context.Background()))
	assert.Empty(t, f.compiler.compiles())
	assert.Equal(t, "a.typ", f.settings.entry)

	require.NoError(t, f.kernel.Compile(context.Background()))
	require.Len(t, f.compiler.compiles(), 1)
	assert.Equal(t, "a.typ", f.compiler.compiles()[0].entry)
}

func TestCompile_UseCachedPrepPhase(t *testing.T) {
	f := newFixture("main.typ", "main.typ", "other.typ")
	ctx := context.Background()
	opts := &PluginOptions{Plugins: []PluginConfig{{Use: "mermaid"}}}
	f.settings.setOptions(opts)

	require.NoError(t, f.kernel.Compile(ctx))
	require.NoError(t, f.kernel.Compile(ctx))

	f.settings.setOptions(&PluginOptions{Plugins: []PluginConfig{{Use: "mermaid"}, {Use: "katex"}}})
	require.NoError(t, f.kernel.Compile(ctx))

	f.settings.setEntry("other.typ")
	require.NoError(t, f.kernel.Compile(ctx))
	require.NoError(t, f.kernel.Compile(ctx))

	calls := f.compiler.compiles()
	require.Len(t, calls, 5)
	assert.False(t, calls[0].cached, "first compile")
	assert.True(t, calls[1].cached, "unchanged")
	assert.False(t, calls[2].cached, "plugin options changed")
	assert.False(t, calls[3].cached, "entry path changed")
	assert.True(t, calls[4].cached, "unchanged again")

	// Same pointer twice is one update; a new pointer is another.
	assert.Len(t, f.compiler.pluginCalls, 2)
}

func TestCompile_NotReady(t *testing.T) {
	f := newFixture("main.typ", "main.typ")
	f.kernel = New(Deps{
		Compiler: f.compiler,
		Files:    f.files,
		Settings: f.settings,
		Ready:    func() bool { return false },
	}, WithReadyPolling(time.Millisecond, 20*time.Millisecond))

	err := f.kernel.Compile(context.Background())
	assert.ErrorIs(t, err, ErrNotReady)
	assert.Empty(t, f.compiler.compiles())

	_, err = f.kernel.Export(context.Background(), ExportRequest{})
	assert.ErrorIs(t, err, ErrNotReady)
}

func TestEnsureReady_BecomesReady(t *testing.T) {
	var ready atomic.Bool
	k := New(Deps{Ready: ready.Load}, WithReadyPolling(time.Millisecond, time.Second))

	go func() {
		time.Sleep(10 * time.Millisecond)
		ready.Store(true)
	}()
	assert.True(t, k.EnsureReady(context.Background()))
}

func TestEnsureReady_ContextCancelled(t *testing.T) {
	k := New(Deps{Ready: func() bool { return false }}, WithReadyPolling(time.Millisecond, time.Minute))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.False(t, k.EnsureReady(ctx))
}

func TestExport(t *testing.T) {
	f := newFixture("main.typ", "main.typ")

	out, err := f.kernel.Export(context.Background(), ExportRequest{PluginID: "pdf", ExportID: "pdf"})
	require.NoError(t, err)
	assert.Equal(t, "main.pdf", out.FileName)
	assert.Equal(t, []byte("%PDF"), out.Content)
	assert.Empty(t, out.Error)
	assert.Empty(t, f.compiler.compiles(), "export does not compile")
}

func TestExport_FailureReturnedOnDocument(t *testing.T) {
	f := newFixture("main.typ", "main.typ")
	f.compiler.exportErr = errors.New("exporter not installed")

	out, err := f.kernel.Export(context.Background(), ExportRequest{PluginID: "svg", ExportID: "svg"})
	require.NoError(t, err)
	assert.Contains(t, out.Error, "exporter not installed")
	assert.Equal(t, lock.NoToken, f.kernel.Lock().Holder())
}

func TestExport_UsesCorrectedEntryPath(t *testing.T) {
	f := newFixture("gone.typ", "a.typ")
	f.compiler.entryPoints = []EntryPoint{{Name: "default", Path: "a.typ"}}

	out, err := f.kernel.Export(context.Background(), ExportRequest{PluginID: "pdf"})
	require.NoError(t, err)
	assert.Equal(t, "a.pdf", out.FileName)
}

func TestEntryPoints(t *testing.T) {
	f := newFixture("")
	f.compiler.entryPoints = []EntryPoint{{Name: "default", Path: "main.typ"}}

	eps, err := f.kernel.EntryPoints(context.Background(), lock.NoToken)
	require.NoError(t, err)
	assert.Equal(t, f.compiler.entryPoints, eps)

	f.compiler.entryErr = errors.New("down")
	_, err = f.kernel.EntryPoints(context.Background(), lock.NoToken)
	var ke *KernelError
	require.ErrorAs(t, err, &ke)
	assert.Equal(t, ErrCodeEntryPointsFailed, ke.Code)
}

func TestUpdatePluginOptions_ReentrantUnderToken(t *testing.T) {
	f := newFixture("")
	f.settings.setOptions(&PluginOptions{})

	err := f.kernel.Lock().LockedScope(context.Background(), lock.NoToken, func(ctx context.Context, token lock.Token) error {
		return f.kernel.UpdatePluginOptions(ctx, token)
	})
	require.NoError(t, err)
	assert.Len(t, f.compiler.pluginCalls, 1)
}
