package main

import (
	"errors"
	"strings"
	"testing"
)

func TestActionableError_Format(t *testing.T) {
	err := &ActionableError{
		What:  "Port binding failed",
		Cause: errors.New("address already in use"),
		Fix:   "Kill the existing process",
	}

	formatted := err.Format()
	if !strings.Contains(formatted, "Error: Port binding failed") {
		t.Error("Format should contain what failed")
	}
	if !strings.Contains(formatted, "Cause: address already in use") {
		t.Error("Format should contain the cause")
	}
	if !strings.Contains(formatted, "Fix:   Kill the existing process") {
		t.Error("Format should contain the fix")
	}
}

func TestActionableError_ErrorAndUnwrap(t *testing.T) {
	cause := errors.New("address already in use")
	err := &ActionableError{What: "Port binding failed", Cause: cause, Fix: "Kill the existing process"}

	if err.Error() != "Port binding failed: address already in use" {
		t.Errorf("Error() = %q, want %q", err.Error(), "Port binding failed: address already in use")
	}
	if !errors.Is(err, cause) {
		t.Error("errors.Is should see the cause")
	}
}

func TestPortInUseFix(t *testing.T) {
	fix := portInUseFix("localhost:9191", 10)

	if !strings.Contains(fix, "9191-9200") {
		t.Errorf("Fix should name the port range, got %q", fix)
	}
	if !strings.Contains(fix, "kill") && !strings.Contains(fix, "taskkill") {
		t.Error("Fix should contain kill instructions")
	}
	if !strings.Contains(fix, "callblocker -listen") {
		t.Error("Fix should suggest an alternative port")
	}
}

func TestPortNum(t *testing.T) {
	tests := []struct {
		port string
		want int
	}{
		{"9191", 9191},
		{"8080", 8080},
		{"abc", 0},
		{"", 0},
	}

	for _, tt := range tests {
		if got := portNum(tt.port); got != tt.want {
			t.Errorf("portNum(%q) = %d, want %d", tt.port, got, tt.want)
		}
	}
}

func TestDbLockedFix(t *testing.T) {
	fix := dbLockedFix("/path/to/db.sqlite")

	if !strings.Contains(fix, "Another callblocker instance") {
		t.Error("Fix should mention checking for other callblocker instances")
	}
	if !strings.Contains(fix, "/path/to/db.sqlite") {
		t.Error("Fix should contain the database path")
	}
}

func TestConfigLoadFix(t *testing.T) {
	if fix := configLoadFix("/etc/cb.yaml"); !strings.Contains(fix, "/etc/cb.yaml") {
		t.Errorf("explicit path missing from %q", fix)
	}
	if fix := configLoadFix(""); !strings.Contains(fix, "config.yaml") {
		t.Errorf("default location missing from %q", fix)
	}
}

func TestIsDBLocked(t *testing.T) {
	tests := []struct {
		err  error
		want bool
	}{
		{errors.New("database is locked"), true},
		{errors.New("SQLITE_BUSY"), true},
		{errors.New("cannot start a transaction within a transaction"), true},
		{errors.New("some other error"), false},
		{nil, false},
	}

	for _, tt := range tests {
		if got := isDBLocked(tt.err); got != tt.want {
			t.Errorf("isDBLocked(%v) = %v, want %v", tt.err, got, tt.want)
		}
	}
}

func TestIsPermissionError(t *testing.T) {
	tests := []struct {
		err  error
		want bool
	}{
		{errors.New("permission denied"), true},
		{errors.New("access is denied"), true},
		{errors.New("Access is denied"), true},
		{errors.New("some other error"), false},
		{nil, false},
	}

	for _, tt := range tests {
		if got := isPermissionError(tt.err); got != tt.want {
			t.Errorf("isPermissionError(%v) = %v, want %v", tt.err, got, tt.want)
		}
	}
}

func TestDbOpenError(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		wantWhat string
	}{
		{"locked", errors.New("database is locked (5) (SQLITE_BUSY)"), "Database is locked"},
		{"permission", errors.New("open /db: permission denied"), "Database is not writable"},
		{"other", errors.New("disk I/O error"), "Failed to open database"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ae := dbOpenError("/db", tt.err)
			if ae.What != tt.wantWhat {
				t.Errorf("What = %q, want %q", ae.What, tt.wantWhat)
			}
			if !strings.Contains(ae.Fix, "/db") {
				t.Errorf("Fix %q should mention the path", ae.Fix)
			}
		})
	}
}
