package shell

import (
	"errors"
	"fmt"
	"net/url"
	"sort"
	"time"

	"github.com/klubi/conduit/internal/provider"
	"github.com/klubi/conduit/internal/store"
	v1alpha1 "github.com/klubi/conduit/pkg/apis/v1alpha1"
)

// recentDir is the stored form of a recently used working directory.
type recentDir struct {
	Dir    string    `json:"dir"`
	UsedAt time.Time `json:"usedAt"`
}

// Settings persists the shell's user settings in a store.Store.
type Settings struct {
	store     store.Store
	maxRecent int
}

// NewSettings wraps st. At most maxRecent directories are remembered.
func NewSettings(st store.Store, maxRecent int) *Settings {
	if maxRecent <= 0 {
		maxRecent = 10
	}
	return &Settings{store: st, maxRecent: maxRecent}
}

// ---------- Recent directories ----------

// TouchDir records dir as the most recently used directory.
func (s *Settings) TouchDir(dir string) error {
	if dir == "" {
		return nil
	}
	if err := s.store.Put(store.Key(store.KindRecentDir, url.QueryEscape(dir)), recentDir{Dir: dir, UsedAt: time.Now()}); err != nil {
		return fmt.Errorf("recording recent dir: %w", err)
	}

	dirs, err := s.recent()
	if err != nil {
		return err
	}
	for _, old := range dirs[min(len(dirs), s.maxRecent):] {
		if err := s.store.Delete(store.Key(store.KindRecentDir, url.QueryEscape(old.Dir))); err != nil && !errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("trimming recent dirs: %w", err)
		}
	}
	return nil
}

// RecentDirs returns the remembered directories, most recent first.
func (s *Settings) RecentDirs() ([]string, error) {
	dirs, err := s.recent()
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(dirs))
	for _, d := range dirs[:min(len(dirs), s.maxRecent)] {
		out = append(out, d.Dir)
	}
	return out, nil
}

// MostRecentDir returns the last used directory, or "".
func (s *Settings) MostRecentDir() string {
	dirs, err := s.RecentDirs()
	if err != nil || len(dirs) == 0 {
		return ""
	}
	return dirs[0]
}

func (s *Settings) recent() ([]recentDir, error) {
	items, err := s.store.List(store.Prefix(store.KindRecentDir), func() interface{} { return &recentDir{} })
	if err != nil {
		return nil, fmt.Errorf("listing recent dirs: %w", err)
	}
	dirs := make([]recentDir, 0, len(items))
	for _, item := range items {
		dirs = append(dirs, *item.(*recentDir))
	}
	sort.SliceStable(dirs, func(i, j int) bool { return dirs[i].UsedAt.After(dirs[j].UsedAt) })
	return dirs, nil
}

// ---------- Saved systems ----------

// SaveSystem stores cfg so it is added to every new window. Without
// replace an existing entry is ErrDuplicateProvider.
func (s *Settings) SaveSystem(cfg v1alpha1.SystemConfig, replace bool) error {
	if err := provider.Validate(cfg); err != nil {
		return err
	}
	key := store.Key(store.KindSavedSystem, cfg.Name)
	if replace {
		return s.store.Put(key, cfg)
	}
	if err := s.store.Create(key, cfg); err != nil {
		if errors.Is(err, store.ErrAlreadyExists) {
			return fmt.Errorf("%w: %s", v1alpha1.ErrDuplicateProvider, cfg.Name)
		}
		return err
	}
	return nil
}

// ForgetSystem deletes a saved system.
func (s *Settings) ForgetSystem(name string) error {
	if err := s.store.Delete(store.Key(store.KindSavedSystem, name)); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("%w: %s", v1alpha1.ErrUnknownProvider, name)
		}
		return err
	}
	return nil
}

// SavedSystems returns the saved systems in name order.
func (s *Settings) SavedSystems() ([]v1alpha1.SystemConfig, error) {
	items, err := s.store.List(store.Prefix(store.KindSavedSystem), func() interface{} { return &v1alpha1.SystemConfig{} })
	if err != nil {
		return nil, fmt.Errorf("listing saved systems: %w", err)
	}
	out := make([]v1alpha1.SystemConfig, 0, len(items))
	for _, item := range items {
		out = append(out, *item.(*v1alpha1.SystemConfig))
	}
	return out, nil
}
