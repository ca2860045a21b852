package tracker

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memFile struct {
	path    string
	mtime   time.Time
	content []byte
	openErr error
}

func (f *memFile) Path() string       { return f.path }
func (f *memFile) ModTime() time.Time { return f.mtime }
func (f *memFile) Open() (io.ReadCloser, error) {
	if f.openErr != nil {
		return nil, f.openErr
	}
	return io.NopCloser(bytes.NewReader(f.content)), nil
}

var t0 = time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)

// checkSequence runs the seen / unchanged / changed sequence every strategy
// must satisfy.
func checkSequence(t *testing.T, tr Tracker, f *memFile, change func()) {
	t.Helper()
	ctx := context.Background()

	assert.NoError(t, tr.CheckModifiedSinceLastAccess(ctx, f), "first check reports modified")
	assert.ErrorIs(t, tr.CheckModifiedSinceLastAccess(ctx, f), ErrNotModified, "second check reports not modified")

	change()
	assert.NoError(t, tr.CheckModifiedSinceLastAccess(ctx, f), "check after change reports modified")
	assert.ErrorIs(t, tr.CheckModifiedSinceLastAccess(ctx, f), ErrNotModified)
}

func TestModTime_Idempotence(t *testing.T) {
	f := &memFile{path: "main.typ", mtime: t0}
	checkSequence(t, NewModTime(), f, func() { f.mtime = t0.Add(time.Second) })
}

func TestModTime_OlderTimestampIsNotModified(t *testing.T) {
	tr := NewModTime()
	f := &memFile{path: "main.typ", mtime: t0}
	require.NoError(t, tr.CheckModifiedSinceLastAccess(context.Background(), f))

	f.mtime = t0.Add(-time.Hour)
	assert.ErrorIs(t, tr.CheckModifiedSinceLastAccess(context.Background(), f), ErrNotModified)
}

func TestModTime_PathsTrackedIndependently(t *testing.T) {
	tr := NewModTime()
	a := &memFile{path: "a.typ", mtime: t0}
	b := &memFile{path: "b.typ", mtime: t0}

	require.NoError(t, tr.CheckModifiedSinceLastAccess(context.Background(), a))
	assert.NoError(t, tr.CheckModifiedSinceLastAccess(context.Background(), b))
}

func TestHash_Idempotence(t *testing.T) {
	f := &memFile{path: "refs.bib", content: []byte("@book{knuth}")}
	checkSequence(t, NewHash(), f, func() { f.content = []byte("@book{knuth84}") })
}

func TestHash_IgnoresTimestamp(t *testing.T) {
	tr := NewHash()
	f := &memFile{path: "main.typ", mtime: t0, content: []byte("same")}
	require.NoError(t, tr.CheckModifiedSinceLastAccess(context.Background(), f))

	f.mtime = t0.Add(time.Hour)
	assert.ErrorIs(t, tr.CheckModifiedSinceLastAccess(context.Background(), f), ErrNotModified)
}

func TestHash_LargeFileSpanningChunks(t *testing.T) {
	tr := NewHash()
	big := []byte(strings.Repeat("lorem ipsum ", 5000))
	f := &memFile{path: "big.typ", content: big}
	checkSequence(t, tr, f, func() {
		changed := bytes.Clone(big)
		changed[len(changed)-1] = '!'
		f.content = changed
	})
}

func TestHash_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := NewHash().CheckModifiedSinceLastAccess(ctx, &memFile{path: "x", content: []byte("x")})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestHash_OpenError(t *testing.T) {
	boom := errors.New("permission denied")
	err := NewHash().CheckModifiedSinceLastAccess(context.Background(), &memFile{path: "x", openErr: boom})
	assert.ErrorIs(t, err, boom)
	assert.NotErrorIs(t, err, ErrNotModified)
}

func TestStatic_ComparesAgainstBaseline(t *testing.T) {
	tr := NewStatic(t0)
	ctx := context.Background()

	old := &memFile{path: "old.typ", mtime: t0.Add(-time.Minute)}
	fresh := &memFile{path: "fresh.typ", mtime: t0.Add(time.Minute)}

	assert.ErrorIs(t, tr.CheckModifiedSinceLastAccess(ctx, old), ErrNotModified)
	assert.NoError(t, tr.CheckModifiedSinceLastAccess(ctx, fresh))
	// No per-file record: fresh stays modified until the baseline moves.
	assert.NoError(t, tr.CheckModifiedSinceLastAccess(ctx, fresh))

	tr.SetBaseline(t0.Add(time.Hour))
	assert.ErrorIs(t, tr.CheckModifiedSinceLastAccess(ctx, fresh), ErrNotModified)
}

func TestNoop_AlwaysModified(t *testing.T) {
	f := &memFile{path: "x", mtime: t0}
	for i := 0; i < 3; i++ {
		assert.NoError(t, Noop{}.CheckModifiedSinceLastAccess(context.Background(), f))
	}
}

func TestNew(t *testing.T) {
	tests := []struct {
		kind Kind
		want any
	}{
		{"", &ModTime{}},
		{KindModTime, &ModTime{}},
		{KindHash, &Hash{}},
		{KindStatic, &Static{}},
		{KindNone, Noop{}},
	}
	for _, tt := range tests {
		t.Run(string(tt.kind), func(t *testing.T) {
			tr, err := New(tt.kind)
			require.NoError(t, err)
			assert.IsType(t, tt.want, tr)
		})
	}

	_, err := New("sha1")
	assert.Error(t, err)
}
