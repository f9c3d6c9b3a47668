package debug

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"
)

// Build flag for debug mode - can be overridden at build time
// go build -ldflags "-X github.com/standardbeagle/symvead/internal/debug.EnableDebug=true"
var EnableDebug = "false"

// runtimeEnabled is flipped by the --debug CLI flag
var runtimeEnabled atomic.Bool

// debugOutput is the writer for debug output (defaults to stderr)
var debugOutput io.Writer = os.Stderr

// debugFile holds the open file handle if debug output goes to a file
var debugFile *os.File

// debugMutex protects access to debug output
var debugMutex sync.Mutex

// SetEnabled turns debug output on or off at runtime.
func SetEnabled(enabled bool) {
	runtimeEnabled.Store(enabled)
}

// SetDebugOutput sets a custom writer for debug output.
// Pass nil to disable debug output entirely.
func SetDebugOutput(w io.Writer) {
	debugMutex.Lock()
	defer debugMutex.Unlock()
	debugOutput = w
}

// InitDebugLogFile initializes debug logging to a file under dir (the system
// temp dir when empty). Call CloseDebugLog when done.
func InitDebugLogFile(dir string) (string, error) {
	debugMutex.Lock()
	defer debugMutex.Unlock()

	if dir == "" {
		dir = filepath.Join(os.TempDir(), "symvead-logs")
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create debug log directory: %w", err)
	}

	timestamp := time.Now().Format("2006-01-02T150405")
	logPath := filepath.Join(dir, fmt.Sprintf("debug-%s.log", timestamp))

	file, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return "", fmt.Errorf("failed to create debug log file: %w", err)
	}

	debugFile = file
	debugOutput = file
	return logPath, nil
}

// CloseDebugLog closes the debug log file if one is open.
func CloseDebugLog() error {
	debugMutex.Lock()
	defer debugMutex.Unlock()

	if debugFile != nil {
		err := debugFile.Close()
		debugFile = nil
		debugOutput = os.Stderr
		return err
	}
	return nil
}

// IsDebugEnabled returns true if debug mode is enabled by build flag, CLI flag or environment
func IsDebugEnabled() bool {
	if EnableDebug == "true" || runtimeEnabled.Load() {
		return true
	}

	// Allow runtime override via environment variable
	if os.Getenv("DEBUG") == "1" || os.Getenv("DEBUG") == "true" {
		return true
	}

	return false
}

// getDebugWriter returns the writer for debug output, or nil if none is configured
func getDebugWriter() io.Writer {
	debugMutex.Lock()
	defer debugMutex.Unlock()
	return debugOutput
}

// Log provides structured debug logging with component names
func Log(component, format string, args ...interface{}) {
	if !IsDebugEnabled() {
		return
	}
	w := getDebugWriter()
	if w == nil {
		return
	}
	ts := time.Now().Format("15:04:05.000")
	fmt.Fprintf(w, "%s [DEBUG:%s] "+format+"\n", append([]interface{}{ts, component}, args...)...)
}

// LogIndexing provides debug logging for indexing operations
func LogIndexing(format string, args ...interface{}) {
	Log("INDEX", format, args...)
}

// LogGraph provides debug logging for symbol graph publication
func LogGraph(format string, args ...interface{}) {
	Log("GRAPH", format, args...)
}

// LogQuery provides debug logging for query operations
func LogQuery(format string, args ...interface{}) {
	Log("QUERY", format, args...)
}

// LogServer provides debug logging for the request dispatcher
func LogServer(format string, args ...interface{}) {
	Log("SERVER", format, args...)
}

// FatalAndExit outputs a fatal error and exits (for CLI use only) so a
// supervisor can restart the daemon.
func FatalAndExit(format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	fmt.Fprintf(os.Stderr, "[FATAL] %s\n", msg)
	if w := getDebugWriter(); w != nil && w != os.Stderr {
		fmt.Fprintf(w, "[FATAL] %s\n", msg)
	}
	os.Exit(1)
}
