package tui

import (
	"testing"

	"github.com/gdamore/tcell/v2"

	v1alpha1 "github.com/klubi/conduit/pkg/apis/v1alpha1"
)

func TestSystemRowsColorState(t *testing.T) {
	_, rows := systemRows([]v1alpha1.SystemStatus{
		{Config: v1alpha1.SystemConfig{Name: "git", Type: v1alpha1.TransportStdio}, State: v1alpha1.SystemReady, Tools: 3},
		{Config: v1alpha1.SystemConfig{Name: "remote", Type: v1alpha1.TransportSSE}, State: v1alpha1.SystemFailed},
	})
	if len(rows) != 2 {
		t.Fatalf("expected 2 rows, got %d", len(rows))
	}
	if rows[0].color != tcell.ColorGreen || rows[1].color != tcell.ColorRed {
		t.Errorf("unexpected colors %v %v", rows[0].color, rows[1].color)
	}
	if rows[0].cells[rows[0].stateCol] != "ready" {
		t.Errorf("expected the state column to hold the state, got %q", rows[0].cells[rows[0].stateCol])
	}
	if rows[1].cells[4] != "-" {
		t.Errorf("expected no resource count for a system without resources, got %q", rows[1].cells[4])
	}
}

func TestFilterRows(t *testing.T) {
	_, rows := savedRows([]v1alpha1.SystemConfig{
		{Name: "git", Type: v1alpha1.TransportStdio, Cmd: "uvx", Args: []string{"mcp-server-git"}},
		{Name: "files", Type: v1alpha1.TransportBuiltin, Builtin: "workspace"},
	})

	if got := filterRows(rows, ""); len(got) != 2 {
		t.Errorf("empty filter should keep all rows, got %d", len(got))
	}
	got := filterRows(rows, "workspace")
	if len(got) != 1 || got[0].cells[0] != "files" {
		t.Errorf("expected only files, got %+v", got)
	}
	if rows[0].cells[2] != "uvx mcp-server-git" {
		t.Errorf("unexpected stdio target %q", rows[0].cells[2])
	}
}

func TestWindowRowsMarkDeadWindows(t *testing.T) {
	_, rows := windowRows([]v1alpha1.WindowInfo{
		{ID: "a", Focused: true, PID: 10},
		{ID: "b", Fatal: "backend exited"},
	})
	if rows[0].cells[1] != "*" || rows[0].cells[4] != "running" {
		t.Errorf("unexpected focused row %v", rows[0].cells)
	}
	if rows[1].cells[4] != "dead" || rows[1].color != tcell.ColorRed {
		t.Errorf("unexpected dead row %v", rows[1].cells)
	}
}

func TestShortID(t *testing.T) {
	if shortID("current") != "current" {
		t.Error("short ids are kept")
	}
	if shortID("0123456789abcdef") != "01234567" {
		t.Error("long ids are cut to 8")
	}
}
