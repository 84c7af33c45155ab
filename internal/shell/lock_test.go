package shell

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestLockRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "shell.json")
	in := LockInfo{PID: 42, Port: 5123, Secret: "s3cret"}
	if err := WriteLock(path, in); err != nil {
		t.Fatal(err)
	}
	out, err := ReadLock(path)
	if err != nil {
		t.Fatal(err)
	}
	if out != in {
		t.Errorf("expected %+v, got %+v", in, out)
	}
	if out.BaseURL() != "http://127.0.0.1:5123" {
		t.Errorf("unexpected base URL %s", out.BaseURL())
	}

	if err := RemoveLock(path); err != nil {
		t.Fatal(err)
	}
	if err := RemoveLock(path); err != nil {
		t.Errorf("removing a missing lock should succeed, got %v", err)
	}
	if _, err := ReadLock(path); !errors.Is(err, ErrNoShell) {
		t.Errorf("expected ErrNoShell, got %v", err)
	}
}

func TestReadLockRejectsIncomplete(t *testing.T) {
	path := filepath.Join(t.TempDir(), "shell.json")
	if err := os.WriteFile(path, []byte(`{"pid":1,"port":0}`), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := ReadLock(path); err == nil {
		t.Error("expected an error for a lock without port and secret")
	}
	if err := os.WriteFile(path, []byte("garbage"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := ReadLock(path); err == nil {
		t.Error("expected a parse error")
	}
}
