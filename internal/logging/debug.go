// Package logging is the engine's injected logger, grounded on the
// teacher's internal/utils.Debug: a lazily-opened, file-backed debug log
// under the configured state directory.
package logging

import (
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/haulio/haul/internal/config"
)

var (
	once   sync.Once
	logger *log.Logger
	mu     sync.Mutex
)

func initLogger(cfg *config.RuntimeConfig) {
	once.Do(func() {
		dir := cfg.GetLogsDir()
		if err := os.MkdirAll(dir, 0o755); err != nil {
			logger = log.New(io.Discard, "", 0)
			return
		}
		name := fmt.Sprintf("debug-%s.log", time.Now().Format("2006-01-02"))
		f, err := os.OpenFile(filepath.Join(dir, name), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			logger = log.New(io.Discard, "", 0)
			return
		}
		logger = log.New(f, "", log.LstdFlags|log.Lmicroseconds)
	})
}

// Logger is the minimal injected-logger interface every component depends
// on, rather than reaching for this package's globals directly - lets
// tests substitute a no-op or a testing.T-backed logger.
type Logger interface {
	Debugf(format string, args ...any)
	Infof(format string, args ...any)
	Warnf(format string, args ...any)
	Errorf(format string, args ...any)
}

// FileLogger is the default Logger, backed by the process-wide debug log
// file. Configure must be called once at startup (normally by the Engine
// facade) before any component logs.
type FileLogger struct{}

func Configure(cfg *config.RuntimeConfig) { initLogger(cfg) }

func (FileLogger) Debugf(format string, args ...any) { write("DEBUG", format, args...) }
func (FileLogger) Infof(format string, args ...any)  { write("INFO", format, args...) }
func (FileLogger) Warnf(format string, args ...any)  { write("WARN", format, args...) }
func (FileLogger) Errorf(format string, args ...any) { write("ERROR", format, args...) }

func write(level, format string, args ...any) {
	mu.Lock()
	defer mu.Unlock()
	if logger == nil {
		return
	}
	logger.Printf("[%s] %s", level, fmt.Sprintf(format, args...))
}

// Noop discards everything; used by tests that don't want log file I/O.
type Noop struct{}

func (Noop) Debugf(string, ...any) {}
func (Noop) Infof(string, ...any)  {}
func (Noop) Warnf(string, ...any)  {}
func (Noop) Errorf(string, ...any) {}
