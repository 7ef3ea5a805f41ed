// Package targetfile serves the monitored targets and owner contacts from a
// YAML file, reloading it when it changes on disk.
package targetfile

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/goccy/go-yaml"
	"go.uber.org/zap"

	"github.com/hamed0406/uptimewatch/internal/apperror"
	"github.com/hamed0406/uptimewatch/internal/domain"
	"github.com/hamed0406/uptimewatch/internal/repo"
)

var (
	_ repo.TargetStore    = (*Source)(nil)
	_ repo.OwnerDirectory = (*Source)(nil)
)

// File is the on-disk layout:
//
//	owners:
//	  u1: ops@example.com
//	targets:
//	  - id: site-a
//	    url: https://example.com
//	    owner_id: u1
//	    interval_seconds: 60
type File struct {
	Owners  map[string]string `yaml:"owners"`
	Targets []domain.Target   `yaml:"targets"`
}

type Source struct {
	path string
	log  *zap.Logger

	mu       sync.RWMutex
	targets  []domain.Target
	contacts map[string]string
	mirror   repo.TargetMirror
}

// Open loads path once and returns a Source serving that snapshot.
func Open(path string, log *zap.Logger) (*Source, error) {
	if log == nil {
		log = zap.NewNop()
	}
	f, err := Load(path)
	if err != nil {
		return nil, err
	}
	s := &Source{path: path, log: log}
	s.swap(f)
	return s, nil
}

// Load parses a target file. Unknown intervals are kept and left for the
// scheduler to reject; duplicate ids fail the whole file.
func Load(path string) (*File, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, apperror.New(apperror.Config, "targetfile.load.read", err)
	}
	var f File
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, apperror.New(apperror.Config, "targetfile.load.parse", err)
	}
	seen := make(map[domain.TargetID]struct{}, len(f.Targets))
	for i := range f.Targets {
		t := &f.Targets[i]
		if t.IntervalSeconds == 0 {
			t.IntervalSeconds = domain.DefaultIntervalSeconds
		}
		if _, dup := seen[t.ID]; dup {
			return nil, apperror.New(apperror.Config, "targetfile.load.validate",
				fmt.Errorf("duplicate target id %q", t.ID))
		}
		seen[t.ID] = struct{}{}
	}
	return &f, nil
}

func (s *Source) swap(f *File) {
	contacts := make(map[string]string, len(f.Owners))
	for k, v := range f.Owners {
		contacts[k] = v
	}
	targets := append([]domain.Target(nil), f.Targets...)

	s.mu.Lock()
	s.targets = targets
	s.contacts = contacts
	s.mu.Unlock()
}

func (s *Source) ListTargets(ctx context.Context) ([]domain.Target, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]domain.Target(nil), s.targets...), nil
}

func (s *Source) ContactFor(ctx context.Context, ownerID string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.contacts[ownerID]
	if !ok || c == "" {
		return "", repo.ErrOwnerNotFound
	}
	return c, nil
}

// MirrorTo pushes the current snapshot to m and every later reload too.
// Reloads that m rejects are not applied.
func (s *Source) MirrorTo(ctx context.Context, m repo.TargetMirror) error {
	s.mu.Lock()
	s.mirror = m
	owners := make(map[string]string, len(s.contacts))
	for k, v := range s.contacts {
		owners[k] = v
	}
	targets := append([]domain.Target(nil), s.targets...)
	s.mu.Unlock()

	if err := m.SyncTargets(ctx, owners, targets); err != nil {
		return fmt.Errorf("mirror targets: %w", err)
	}
	return nil
}

// Reload re-reads the file. On failure the previous snapshot stays active.
func (s *Source) Reload(ctx context.Context) error {
	f, err := Load(s.path)
	if err != nil {
		return err
	}
	s.mu.RLock()
	m := s.mirror
	s.mu.RUnlock()
	if m != nil {
		if err := m.SyncTargets(ctx, f.Owners, f.Targets); err != nil {
			return fmt.Errorf("mirror targets: %w", err)
		}
	}
	s.swap(f)
	return nil
}

// Watch reloads the file on write or create events until ctx is cancelled.
// The parent directory is watched so editors that save via rename are seen.
func (s *Source) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	dir := filepath.Dir(s.path)
	if err := watcher.Add(dir); err != nil {
		return err
	}
	name := filepath.Clean(s.path)
	s.log.Info("targetfile_watching", zap.String("path", s.path))

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != name {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			if err := s.Reload(ctx); err != nil {
				s.log.Error("targetfile_reload_failed", zap.String("path", s.path), zap.Error(err))
				continue
			}
			s.mu.RLock()
			n := len(s.targets)
			s.mu.RUnlock()
			s.log.Info("targetfile_reloaded", zap.String("path", s.path), zap.Int("targets", n))

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			s.log.Error("targetfile_watcher_error", zap.Error(err))
		}
	}
}
