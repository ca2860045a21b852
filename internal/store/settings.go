package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/roach88/quill/internal/kernel"
)

// Setting keys.
const (
	KeyEntryPath     = "entry_path"
	KeyPluginOptions = "plugin_options"
)

// EntryPath returns the configured entry path, or "" if unset.
func (s *Store) EntryPath(ctx context.Context) (string, error) {
	v, _, err := s.getSetting(ctx, KeyEntryPath)
	return v, err
}

// SetEntryPath stores the entry path. Subscribers are notified when the
// value changes.
func (s *Store) SetEntryPath(ctx context.Context, path string) error {
	changed, err := s.putSetting(ctx, KeyEntryPath, path)
	if err != nil {
		return err
	}
	if changed {
		s.notify(KeyEntryPath)
	}
	return nil
}

// PluginOptions returns the current plugin options.
//
// The same pointer is returned until SetPluginOptions stores different
// content, so callers can detect changes by pointer comparison. Returns nil
// when no options were ever stored.
func (s *Store) PluginOptions(ctx context.Context) (*kernel.PluginOptions, error) {
	s.mu.Lock()
	loaded := s.optionsLoad
	opts := s.options
	s.mu.Unlock()
	if loaded {
		return opts, nil
	}

	raw, ok, err := s.getSetting(ctx, KeyPluginOptions)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.optionsLoad {
		return s.options, nil
	}
	if ok {
		var decoded kernel.PluginOptions
		if err := json.Unmarshal([]byte(raw), &decoded); err != nil {
			return nil, fmt.Errorf("decode plugin options: %w", err)
		}
		s.options = &decoded
		s.optionsRaw = raw
	}
	s.optionsLoad = true
	return s.options, nil
}

// SetPluginOptions stores opts. Storing content equal to the current options
// keeps the existing pointer and notifies no one.
func (s *Store) SetPluginOptions(ctx context.Context, opts *kernel.PluginOptions) error {
	if opts == nil {
		opts = &kernel.PluginOptions{}
	}
	data, err := json.Marshal(opts)
	if err != nil {
		return fmt.Errorf("encode plugin options: %w", err)
	}
	raw := string(data)

	// Load first so the comparison sees what is persisted.
	if _, err := s.PluginOptions(ctx); err != nil {
		return err
	}
	s.mu.Lock()
	same := s.options != nil && s.optionsRaw == raw
	s.mu.Unlock()
	if same {
		return nil
	}

	if _, err := s.putSetting(ctx, KeyPluginOptions, raw); err != nil {
		return err
	}

	stored := *opts
	s.mu.Lock()
	s.options = &stored
	s.optionsRaw = raw
	s.optionsLoad = true
	s.mu.Unlock()

	s.notify(KeyPluginOptions)
	return nil
}

// Subscribe registers fn to be called with the key of every changed setting.
// fn runs on the writer's goroutine and must not block. The returned func
// removes the subscription.
func (s *Store) Subscribe(fn func(key string)) (unsubscribe func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextSub
	s.nextSub++
	s.subscribers[id] = fn
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.subscribers, id)
	}
}

func (s *Store) notify(key string) {
	s.mu.Lock()
	fns := make([]func(string), 0, len(s.subscribers))
	for _, fn := range s.subscribers {
		fns = append(fns, fn)
	}
	s.mu.Unlock()

	for _, fn := range fns {
		fn(key)
	}
}

func (s *Store) getSetting(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM settings WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("read setting %s: %w", key, err)
	}
	return value, true, nil
}

// putSetting upserts key and reports whether the stored value changed.
func (s *Store) putSetting(ctx context.Context, key, value string) (bool, error) {
	old, existed, err := s.getSetting(ctx, key)
	if err != nil {
		return false, err
	}
	if existed && old == value {
		return false, nil
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO settings (key, value, updated_seq)
		VALUES (?, ?, COALESCE((SELECT MAX(updated_seq) FROM settings), 0) + 1)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_seq = excluded.updated_seq
	`, key, value)
	if err != nil {
		return false, fmt.Errorf("write setting %s: %w", key, err)
	}
	return true, nil
}
