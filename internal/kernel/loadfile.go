package kernel

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"

	"github.com/roach88/quill/internal/fileaccess"
	"github.com/roach88/quill/internal/worker"
)

// FileSource serves file content for the worker's load_file requests.
type FileSource interface {
	GetFileContent(ctx context.Context, path string, checkChanged bool) ([]byte, error)
}

// FilePoster delivers a file response to the worker that asked for it.
// Implemented by *worker.Host.
type FilePoster interface {
	PostFile(ctx context.Context, resp worker.FileResponse) error
}

// LoadFileHandler returns the handler for the worker's load_file special.
//
// Each request is served on its own goroutine so a slow read never stalls
// the dispatch loop. Requests for the same path are answered in the order
// they arrived. The response is a content frame, a not-modified frame when
// the source reports fileaccess.ErrNotModified, or an error frame. Requests
// from a worker that has since been replaced are not answered.
func LoadFileHandler(files FileSource, poster FilePoster) worker.SpecialHandler {
	l := &fileLoader{files: files, poster: poster, tails: make(map[string]chan struct{})}
	return l.handle
}

type fileLoader struct {
	files  FileSource
	poster FilePoster

	mu sync.Mutex
	// tails holds, per path, a channel closed when the latest request for
	// that path has been answered.
	tails map[string]chan struct{}
}

func (l *fileLoader) handle(ctx context.Context, payload json.RawMessage) {
	req, err := worker.DecodeLoadFile(payload)
	if err != nil {
		slog.Warn("dropping malformed load_file request", "error", err)
		return
	}

	done := make(chan struct{})
	l.mu.Lock()
	prev := l.tails[req.Path]
	l.tails[req.Path] = done
	l.mu.Unlock()

	go func() {
		defer l.finish(req.Path, done)
		if prev != nil {
			select {
			case <-prev:
			case <-ctx.Done():
				return
			}
		}
		l.serve(ctx, req)
	}()
}

func (l *fileLoader) finish(path string, done chan struct{}) {
	l.mu.Lock()
	if l.tails[path] == done {
		delete(l.tails, path)
	}
	l.mu.Unlock()
	close(done)
}

func (l *fileLoader) serve(ctx context.Context, req worker.LoadFileRequest) {
	resp := worker.FileResponse{Path: req.Path}
	data, err := l.files.GetFileContent(ctx, req.Path, req.CheckChanged)
	switch {
	case errors.Is(err, fileaccess.ErrNotModified):
		resp.NotModified = true
	case err != nil:
		slog.Debug("load_file failed", "path", req.Path, "error", err)
		resp.Err = err
	default:
		resp.Content = data
	}
	if ctx.Err() != nil {
		slog.Debug("dropping file response for retired worker", "path", req.Path)
		return
	}
	if err := l.poster.PostFile(ctx, resp); err != nil {
		slog.Warn("file response not delivered", "path", req.Path, "error", err)
	}
}
