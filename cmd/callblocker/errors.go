package main

import (
	"fmt"
	"os"
	"runtime"
	"strings"
)

// ActionableError represents an error with user-friendly guidance.
type ActionableError struct {
	What  string // What failed (short summary)
	Cause error  // Technical error details
	Fix   string // Actionable guidance
}

func (e *ActionableError) Error() string {
	return fmt.Sprintf("%s: %v", e.What, e.Cause)
}

func (e *ActionableError) Unwrap() error { return e.Cause }

// Format returns the full actionable error message for display.
func (e *ActionableError) Format() string {
	var sb strings.Builder
	sb.WriteString("Error: ")
	sb.WriteString(e.What)
	sb.WriteString("\nCause: ")
	sb.WriteString(e.Cause.Error())
	sb.WriteString("\nFix:   ")
	sb.WriteString(e.Fix)
	return sb.String()
}

// printError prints an actionable error to stderr and exits.
func printError(what string, cause error, fix string) {
	fmt.Fprintln(os.Stderr)
	fmt.Fprintln(os.Stderr, (&ActionableError{What: what, Cause: cause, Fix: fix}).Format())
	fmt.Fprintln(os.Stderr)
	os.Exit(1)
}

// portInUseFix returns OS-specific instructions for freeing a port.
func portInUseFix(baseAddr string, attempts int) string {
	// Extract port from address (e.g., "localhost:9191" -> "9191")
	port := baseAddr
	if idx := strings.LastIndex(baseAddr, ":"); idx != -1 {
		port = baseAddr[idx+1:]
	}
	last := portNum(port) + attempts - 1

	switch runtime.GOOS {
	case "windows":
		return fmt.Sprintf(`Ports %s-%d are all in use. Find and stop the process:
       netstat -ano | findstr :%s
       taskkill /PID <pid> /F

       Or use a different port:
       callblocker -listen localhost:9300`, port, last, port)

	case "darwin":
		return fmt.Sprintf(`Ports %s-%d are all in use. Find and stop the process:
       lsof -i :%s
       kill <pid>

       Or use a different port:
       callblocker -listen localhost:9300`, port, last, port)

	default: // linux and others
		return fmt.Sprintf(`Ports %s-%d are all in use. Find and stop the process:
       ss -tlnp | grep :%s
       # or: lsof -i :%s
       kill <pid>

       Or use a different port:
       callblocker -listen localhost:9300`, port, last, port, port)
	}
}

// portNum converts port string to int, returns 0 on error.
func portNum(port string) int {
	var n int
	_, _ = fmt.Sscanf(port, "%d", &n)
	return n
}

// dbLockedFix returns instructions for fixing database lock issues.
func dbLockedFix(dbPath string) string {
	switch runtime.GOOS {
	case "windows":
		return fmt.Sprintf(`Database is locked by another process. Check for:
       1. Another callblocker instance running:
          tasklist | findstr callblocker
          taskkill /IM callblocker.exe /F

       2. Database viewer with file open:
          Close any SQLite browser tools

       Database: %s`, dbPath)

	default:
		return fmt.Sprintf(`Database is locked by another process. Check for:
       1. Another callblocker instance running:
          pgrep -f callblocker
          pkill callblocker

       2. Database viewer with file open:
          lsof "%s"

       Database: %s`, dbPath, dbPath)
	}
}

// dbPathFix returns instructions for fixing database path issues.
func dbPathFix(dbPath string) string {
	switch runtime.GOOS {
	case "windows":
		return fmt.Sprintf(`Cannot open database. Check the path exists and is writable:
       if not exist "%s" mkdir "%s"

       Or specify a different path:
       set CALLBLOCKER_DB_PATH=C:\Users\%%USERNAME%%\callblocker.db`, dbPath, dbPath)

	default:
		return fmt.Sprintf(`Cannot open database. Check the path exists and is writable:
       mkdir -p "$(dirname '%s')"
       touch "%s"

       Or specify a different path:
       export CALLBLOCKER_DB_PATH=~/callblocker.db`, dbPath, dbPath)
	}
}

// configLoadFix returns instructions for fixing config loading issues.
func configLoadFix(configPath string) string {
	if configPath == "" {
		switch runtime.GOOS {
		case "windows":
			return `Config file not found or invalid. Check the default location:
       %APPDATA%\callblocker\config.yaml

       Or start from scratch by deleting it; a new one is written on start.`

		default:
			return `Config file not found or invalid. Check the default location:
       ~/.config/callblocker/config.yaml

       Or start from scratch by deleting it; a new one is written on start.`
		}
	}
	return fmt.Sprintf(`Config file not found or invalid:
       %s

       Check the file exists and contains valid YAML.
       See 'callblocker -help' for configuration options.`, configPath)
}

// rulesFileFix returns instructions for a rules file that failed to load.
func rulesFileFix(path string) string {
	return fmt.Sprintf(`The rules file could not be read:
       %s

       Expected YAML of the form:
       calendar_rules:
         - name: night
           days: [mon, tue, wed, thu, fri]
           from: "22:00"
           to: "07:00"`, path)
}

// isDBLocked checks if an error indicates a database lock.
func isDBLocked(err error) bool {
	if err == nil {
		return false
	}
	errStr := err.Error()
	return strings.Contains(errStr, "database is locked") ||
		strings.Contains(errStr, "SQLITE_BUSY") ||
		strings.Contains(errStr, "cannot start a transaction within a transaction")
}

// isPermissionError checks if an error is permission-related.
func isPermissionError(err error) bool {
	if err == nil {
		return false
	}
	errStr := err.Error()
	return strings.Contains(errStr, "permission denied") ||
		strings.Contains(errStr, "access is denied") ||
		strings.Contains(errStr, "Access is denied")
}

// isAddrInUse checks if a listen error means the port is taken.
func isAddrInUse(err error) bool {
	if err == nil {
		return false
	}
	errStr := err.Error()
	return strings.Contains(errStr, "address already in use") ||
		strings.Contains(errStr, "Only one usage of each socket address") ||
		strings.Contains(errStr, "EADDRINUSE")
}

// dbOpenError classifies a store open failure.
func dbOpenError(dbPath string, err error) *ActionableError {
	switch {
	case isDBLocked(err):
		return &ActionableError{What: "Database is locked", Cause: err, Fix: dbLockedFix(dbPath)}
	case isPermissionError(err):
		return &ActionableError{What: "Database is not writable", Cause: err, Fix: dbPathFix(dbPath)}
	default:
		return &ActionableError{What: "Failed to open database", Cause: err, Fix: dbPathFix(dbPath)}
	}
}
