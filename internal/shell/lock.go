package shell

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// LockInfo advertises the running shell to later invocations. It is only
// trusted while the settings database lock is held by someone else.
type LockInfo struct {
	PID    int    `json:"pid"`
	Port   int    `json:"port"`
	Secret string `json:"secret"`
}

// BaseURL is the shell API address.
func (l LockInfo) BaseURL() string { return fmt.Sprintf("http://127.0.0.1:%d", l.Port) }

// ErrNoShell means no lock file was found.
var ErrNoShell = errors.New("no running shell found")

// WriteLock writes info to path, readable by the owner only.
func WriteLock(path string, info LockInfo) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("creating lock dir: %w", err)
	}
	data, err := json.Marshal(info)
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("writing lock file: %w", err)
	}
	return os.Rename(tmp, path)
}

// ReadLock reads the lock file at path.
func ReadLock(path string) (LockInfo, error) {
	var info LockInfo
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return info, ErrNoShell
		}
		return info, fmt.Errorf("reading lock file: %w", err)
	}
	if err := json.Unmarshal(data, &info); err != nil {
		return info, fmt.Errorf("parsing lock file %s: %w", path, err)
	}
	if info.Port == 0 || info.Secret == "" {
		return info, fmt.Errorf("lock file %s is incomplete", path)
	}
	return info, nil
}

// RemoveLock deletes the lock file; a missing file is fine.
func RemoveLock(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}
