// Package tenant reads per-tenant JSON configuration from a directory.
package tenant

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

var ErrNotFound = errors.New("tenant not found")

const debounceInterval = 100 * time.Millisecond

// Store resolves tenants by agent id, username or slug. Lookups by agent id
// and username scan the directory once and are cached until Invalidate.
type Store struct {
	Dir    string
	Logger *slog.Logger

	mu         sync.RWMutex
	byAgentID  map[string]Config
	byUsername map[string]Config

	// bumped by Invalidate so a scan started before it is not cached
	gen uint64
}

func NewStore(dir string, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{Dir: dir, Logger: logger}
}

func (s *Store) ByAgentID(agentID string) (Config, error) {
	if agentID == "" {
		return Config{}, ErrNotFound
	}
	return s.lookup(func(s *Store) map[string]Config { return s.byAgentID }, agentID, func(c Config) bool { return c.AgentID == agentID })
}

func (s *Store) ByUsername(username string) (Config, error) {
	if username == "" {
		return Config{}, ErrNotFound
	}
	return s.lookup(func(s *Store) map[string]Config { return s.byUsername }, username, func(c Config) bool { return c.AgentUser == username })
}

// BySlug reads <Dir>/<slug>.json directly.
func (s *Store) BySlug(slug string) (Config, error) {
	if slug == "" || strings.ContainsAny(slug, `/\`) || strings.HasPrefix(slug, ".") || strings.HasPrefix(slug, "_") {
		return Config{}, ErrNotFound
	}
	b, err := os.ReadFile(filepath.Join(s.Dir, slug+".json"))
	if errors.Is(err, os.ErrNotExist) {
		return Config{}, ErrNotFound
	}
	if err != nil {
		return Config{}, err
	}
	c, err := parseConfig(slug, b)
	if err != nil {
		return Config{}, fmt.Errorf("tenant %s: %w", slug, err)
	}
	return c, nil
}

// Invalidate drops every cached lookup.
func (s *Store) Invalidate() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byAgentID = nil
	s.byUsername = nil
	s.gen++
}

func (s *Store) lookup(cache func(*Store) map[string]Config, key string, match func(Config) bool) (Config, error) {
	s.mu.RLock()
	c, ok := cache(s)[key]
	gen := s.gen
	s.mu.RUnlock()
	if ok {
		return c, nil
	}

	c, err := s.scan(match)
	if err != nil {
		return Config{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if gen != s.gen {
		return c, nil
	}
	if s.byAgentID == nil {
		s.byAgentID = map[string]Config{}
	}
	if s.byUsername == nil {
		s.byUsername = map[string]Config{}
	}
	if c.AgentID != "" {
		s.byAgentID[c.AgentID] = c
	}
	if c.AgentUser != "" {
		s.byUsername[c.AgentUser] = c
	}
	return c, nil
}

func (s *Store) scan(match func(Config) bool) (Config, error) {
	entries, err := os.ReadDir(s.Dir)
	if err != nil {
		return Config{}, fmt.Errorf("read tenant dir: %w", err)
	}
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".json") || strings.HasPrefix(name, "_") {
			continue
		}
		b, err := os.ReadFile(filepath.Join(s.Dir, name))
		if err != nil {
			s.logger().Warn("tenant file unreadable", "file", name, "err", err)
			continue
		}
		c, err := parseConfig(strings.TrimSuffix(name, ".json"), b)
		if err != nil {
			s.logger().Warn("tenant file invalid", "file", name, "err", err)
			continue
		}
		if match(c) {
			return c, nil
		}
	}
	return Config{}, ErrNotFound
}

// Watch invalidates the caches whenever the directory changes. It blocks
// until ctx is done.
func (s *Store) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()
	if err := watcher.Add(s.Dir); err != nil {
		return fmt.Errorf("watch tenant dir: %w", err)
	}

	var (
		timerMu sync.Mutex
		timer   *time.Timer
	)
	defer func() {
		timerMu.Lock()
		if timer != nil {
			timer.Stop()
		}
		timerMu.Unlock()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Remove) && !ev.Has(fsnotify.Rename) {
				continue
			}
			timerMu.Lock()
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(debounceInterval, func() {
				s.Invalidate()
				s.logger().Info("tenant configs changed, caches invalidated")
			})
			timerMu.Unlock()
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			s.logger().Warn("tenant watcher error", "err", err)
		}
	}
}

func (s *Store) logger() *slog.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return slog.Default()
}
