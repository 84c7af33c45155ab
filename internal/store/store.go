// Package store persists the shell's user settings: recently used working
// directories and saved systems.
//
// Keys follow the convention "/{kind}/{name}".
package store

import (
	"fmt"
	"strings"
)

// Store is the persistence interface for shell settings.
type Store interface {
	// Create stores a new object at the given key.
	// Returns ErrAlreadyExists if the key already exists.
	Create(key string, value interface{}) error

	// Put stores value at key, replacing any existing object.
	Put(key string, value interface{}) error

	// Get retrieves the object stored at key and deserialises it into target.
	// Returns ErrNotFound if the key does not exist.
	Get(key string, target interface{}) error

	// Delete removes the object at the given key.
	// Returns ErrNotFound if the key does not exist.
	Delete(key string) error

	// List returns every object whose key starts with prefix, in key order.
	// factory is called once per result to create a zero-value pointer that
	// the stored JSON is unmarshalled into.
	List(prefix string, factory func() interface{}) ([]interface{}, error)

	// Close releases any resources held by the store (e.g. the BoltDB file lock).
	Close() error
}

// Setting kinds.
const (
	KindRecentDir   = "RecentDir"
	KindSavedSystem = "SavedSystem"
)

// Common sentinel errors.
var (
	ErrAlreadyExists = fmt.Errorf("key already exists")
	ErrNotFound      = fmt.Errorf("key not found")
	// ErrLocked means another process holds the database.
	ErrLocked = fmt.Errorf("settings database is locked by another process")
)

// Key builds a canonical store key.
//
//	Key("SavedSystem", "git")
//	=> "/SavedSystem/git"
func Key(kind, name string) string {
	return fmt.Sprintf("/%s/%s", kind, name)
}

// Prefix returns the list prefix for a kind.
func Prefix(kind string) string {
	return "/" + kind + "/"
}

// kindFromKey extracts the Kind segment from a "/{kind}/{name}" key.
func kindFromKey(key string) string {
	parts := strings.SplitN(strings.TrimPrefix(key, "/"), "/", 2)
	if len(parts) > 0 {
		return parts[0]
	}
	return ""
}
