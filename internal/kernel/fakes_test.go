package kernel

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
)

type compileCall struct {
	entry  string
	cached bool
}

type fakeCompiler struct {
	mu sync.Mutex

	entryPoints []EntryPoint
	entryErr    error
	entryCalls  int

	compileCalls []compileCall
	compileErr   error
	gate         chan struct{}
	started      chan struct{}
	active       int
	maxActive    int

	pluginCalls []*PluginOptions

	exportCalls  []ExportRequest
	exportResult *ExportedDocument
	exportErr    error
}

func (f *fakeCompiler) GetEntryPoints(context.Context) ([]EntryPoint, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entryCalls++
	return f.entryPoints, f.entryErr
}

func (f *fakeCompiler) enter() {
	f.mu.Lock()
	f.active++
	if f.active > f.maxActive {
		f.maxActive = f.active
	}
	gate, started := f.gate, f.started
	f.mu.Unlock()

	if started != nil {
		started <- struct{}{}
	}
	if gate != nil {
		<-gate
	}
}

func (f *fakeCompiler) leave() {
	f.mu.Lock()
	f.active--
	f.mu.Unlock()
}

func (f *fakeCompiler) CompileDocument(_ context.Context, entry string, cached bool) (json.RawMessage, error) {
	f.enter()
	defer f.leave()

	f.mu.Lock()
	defer f.mu.Unlock()
	f.compileCalls = append(f.compileCalls, compileCall{entry: entry, cached: cached})
	if f.compileErr != nil {
		return nil, f.compileErr
	}
	return json.RawMessage(`{"pages":1}`), nil
}

func (f *fakeCompiler) ExportDocument(_ context.Context, entry string, _ bool, req ExportRequest) (*ExportedDocument, error) {
	f.enter()
	defer f.leave()

	f.mu.Lock()
	defer f.mu.Unlock()
	f.exportCalls = append(f.exportCalls, req)
	if f.exportErr != nil {
		return nil, f.exportErr
	}
	if f.exportResult != nil {
		return f.exportResult, nil
	}
	return &ExportedDocument{FileName: strings.TrimSuffix(entry, ".typ") + ".pdf", Content: []byte("%PDF")}, nil
}

func (f *fakeCompiler) SetPluginOptions(_ context.Context, opts *PluginOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pluginCalls = append(f.pluginCalls, opts)
	return nil
}

func (f *fakeCompiler) compiles() []compileCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]compileCall(nil), f.compileCalls...)
}

type fakeFiles struct {
	mu    sync.Mutex
	files map[string]bool
}

func newFakeFiles(paths ...string) *fakeFiles {
	f := &fakeFiles{files: make(map[string]bool)}
	for _, p := range paths {
		f.files[p] = true
	}
	return f
}

func (f *fakeFiles) Exists(_ context.Context, path string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.files[path]
}

type fakeSettings struct {
	mu       sync.Mutex
	entry    string
	options  *PluginOptions
	setCalls []string
}

func (s *fakeSettings) EntryPath(context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.entry, nil
}

func (s *fakeSettings) SetEntryPath(_ context.Context, path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entry = path
	s.setCalls = append(s.setCalls, path)
	return nil
}

func (s *fakeSettings) PluginOptions(context.Context) (*PluginOptions, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.options, nil
}

func (s *fakeSettings) setOptions(o *PluginOptions) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.options = o
}

func (s *fakeSettings) setEntry(p string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entry = p
}

type fakeSink struct {
	mu   sync.Mutex
	docs []*Document
}

func (s *fakeSink) PutDocument(_ context.Context, doc *Document) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.docs = append(s.docs, doc)
	return nil
}

func (s *fakeSink) all() []*Document {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*Document(nil), s.docs...)
}
