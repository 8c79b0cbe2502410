// Package logging provides config-driven categorized file-based logging for swebox.
// Logs are written to .swebox/logs/ with separate files per category.
// Logging is controlled by debug_mode in .swebox/config.json - when false, no logs are written.
package logging

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Category represents a log category/system
type Category string

const (
	CategoryBoot       Category = "boot"       // Boot/initialization
	CategoryEnv        Category = "env"        // Environment lifecycle (reset, step, close)
	CategoryDocker     Category = "docker"     // Container management, docker CLI calls
	CategoryRepo       Category = "repo"       // Repository clone/checkout/clean
	CategorySetup      Category = "setup"      // Environment setup (venv, packages, install)
	CategoryTrajectory Category = "trajectory" // Trajectory writing and run store
	CategoryEval       Category = "eval"       // Evaluation harness
	CategoryGitHub     Category = "github"     // GitHub API calls
	CategoryDocs       Category = "docs"       // Documentation index checks
)

// loggingConfig mirrors the relevant parts of config.LoggingConfig
// to avoid circular imports
type loggingConfig struct {
	DebugMode  bool            `json:"debug_mode"`
	Categories map[string]bool `json:"categories"`
	Level      string          `json:"level"`
	JSONFormat bool            `json:"json_format"`
}

// configFile structure for reading .swebox/config.json
type configFile struct {
	Logging loggingConfig `json:"logging"`
}

// StructuredLogEntry represents a JSON log entry
type StructuredLogEntry struct {
	Timestamp int64                  `json:"ts"`  // Unix milliseconds
	Category  string                 `json:"cat"` // Log category
	Level     string                 `json:"lvl"` // debug/info/warn/error
	Message   string                 `json:"msg"` // Log message
	Fields    map[string]interface{} `json:"fields,omitempty"`
}

// Logger wraps a standard logger with category and file output
type Logger struct {
	category Category
	logger   *log.Logger
	file     *os.File
}

var (
	loggers      = make(map[Category]*Logger)
	loggersMu    sync.RWMutex
	logsDir      string
	workspace    string
	config       loggingConfig
	configLoaded bool
	configMu     sync.RWMutex
	logLevel     int // 0=debug, 1=info, 2=warn, 3=error
)

// Log levels
const (
	LevelDebug = 0
	LevelInfo  = 1
	LevelWarn  = 2
	LevelError = 3
)

// Initialize sets up the logging directory and loads config.
// Should be called once at startup with the workspace path.
func Initialize(ws string) error {
	if ws == "" {
		return fmt.Errorf("workspace path required")
	}

	workspace = ws
	logsDir = filepath.Join(workspace, ".swebox", "logs")

	if err := loadConfig(); err != nil {
		fmt.Fprintf(os.Stderr, "[logging] Warning: could not load config: %v\n", err)
		config.DebugMode = false
	}

	// Only create logs directory if debug mode is enabled
	if !config.DebugMode {
		return nil // Silent no-op in production mode
	}

	if err := os.MkdirAll(logsDir, 0755); err != nil {
		return fmt.Errorf("failed to create logs directory: %w", err)
	}

	bootLogger := Get(CategoryBoot)
	bootLogger.Info("=== swebox logging initialized ===")
	bootLogger.Info("Workspace: %s", workspace)
	bootLogger.Info("Logs directory: %s", logsDir)
	bootLogger.Info("Log level: %s", config.Level)

	return nil
}

// loadConfig reads the logging config from .swebox/config.json
func loadConfig() error {
	configMu.Lock()
	defer configMu.Unlock()

	configPath := filepath.Join(workspace, ".swebox", "config.json")
	data, err := os.ReadFile(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			// No config = production mode (no logging)
			config.DebugMode = false
			configLoaded = true
			return nil
		}
		return err
	}

	var cf configFile
	if err := json.Unmarshal(data, &cf); err != nil {
		return fmt.Errorf("failed to parse config: %w", err)
	}

	config = cf.Logging
	configLoaded = true

	switch config.Level {
	case "debug":
		logLevel = LevelDebug
	case "info":
		logLevel = LevelInfo
	case "warn", "warning":
		logLevel = LevelWarn
	case "error":
		logLevel = LevelError
	default:
		logLevel = LevelInfo
	}

	return nil
}

// ReloadConfig reloads the config from disk.
func ReloadConfig() error {
	return loadConfig()
}

// IsDebugMode returns whether debug logging is enabled
func IsDebugMode() bool {
	configMu.RLock()
	defer configMu.RUnlock()
	return config.DebugMode
}

// IsCategoryEnabled returns whether a specific category is enabled
func IsCategoryEnabled(category Category) bool {
	configMu.RLock()
	defer configMu.RUnlock()

	if !config.DebugMode {
		return false
	}

	if config.Categories == nil {
		return true // All enabled by default in debug mode
	}

	enabled, exists := config.Categories[string(category)]
	if !exists {
		return true // Enable by default if not specified
	}
	return enabled
}

// Get returns (or creates) a logger for the given category.
// Returns a no-op logger if debug mode is disabled or category is disabled.
func Get(category Category) *Logger {
	if !IsCategoryEnabled(category) {
		return &Logger{category: category}
	}

	if logsDir == "" {
		return &Logger{category: category}
	}

	loggersMu.RLock()
	if l, ok := loggers[category]; ok {
		loggersMu.RUnlock()
		return l
	}
	loggersMu.RUnlock()

	loggersMu.Lock()
	defer loggersMu.Unlock()

	// Double-check after acquiring write lock
	if l, ok := loggers[category]; ok {
		return l
	}

	// Create log file with date prefix for easy rotation
	date := time.Now().Format("2006-01-02")
	filename := fmt.Sprintf("%s_%s.log", date, category)
	logPath := filepath.Join(logsDir, filename)

	file, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		fmt.Fprintf(os.Stderr, "[logging] Warning: could not open log file %s: %v\n", logPath, err)
		return &Logger{category: category}
	}

	l := &Logger{
		category: category,
		file:     file,
		logger:   log.New(file, "", log.Ldate|log.Ltime|log.Lmicroseconds),
	}
	loggers[category] = l

	return l
}

// logJSON writes a structured JSON log entry
func (l *Logger) logJSON(level, msg string) {
	entry := StructuredLogEntry{
		Timestamp: time.Now().UnixMilli(),
		Category:  string(l.category),
		Level:     level,
		Message:   msg,
	}
	data, err := json.Marshal(entry)
	if err != nil {
		l.logger.Printf("[%s] %s", level, msg) // Fallback to text
		return
	}
	l.logger.Printf("%s", data)
}

// Debug logs a debug message (only if level <= debug)
func (l *Logger) Debug(format string, args ...interface{}) {
	if l.logger == nil || logLevel > LevelDebug {
		return
	}
	msg := fmt.Sprintf(format, args...)
	if config.JSONFormat {
		l.logJSON("debug", msg)
	} else {
		l.logger.Printf("[DEBUG] %s", msg)
	}
}

// Info logs an informational message (only if level <= info)
func (l *Logger) Info(format string, args ...interface{}) {
	if l.logger == nil || logLevel > LevelInfo {
		return
	}
	msg := fmt.Sprintf(format, args...)
	if config.JSONFormat {
		l.logJSON("info", msg)
	} else {
		l.logger.Printf("[INFO] %s", msg)
	}
}

// Warn logs a warning message (only if level <= warn)
func (l *Logger) Warn(format string, args ...interface{}) {
	if l.logger == nil || logLevel > LevelWarn {
		return
	}
	msg := fmt.Sprintf(format, args...)
	if config.JSONFormat {
		l.logJSON("warn", msg)
	} else {
		l.logger.Printf("[WARN] %s", msg)
	}
}

// Error logs an error message (always logged if logger exists)
func (l *Logger) Error(format string, args ...interface{}) {
	if l.logger == nil {
		return
	}
	msg := fmt.Sprintf(format, args...)
	if config.JSONFormat {
		l.logJSON("error", msg)
	} else {
		l.logger.Printf("[ERROR] %s", msg)
	}
}

// CloseAll closes all open log files (call at shutdown)
func CloseAll() {
	loggersMu.Lock()
	defer loggersMu.Unlock()

	for _, l := range loggers {
		if l.file != nil {
			l.file.Close()
		}
	}
	loggers = make(map[Category]*Logger)
}

// =============================================================================
// CONVENIENCE FUNCTIONS - Quick logging without getting a logger first
// These are no-ops if the category is disabled
// =============================================================================

// Boot logs to the boot category
func Boot(format string, args ...interface{}) {
	Get(CategoryBoot).Info(format, args...)
}

// BootDebug logs debug to the boot category
func BootDebug(format string, args ...interface{}) {
	Get(CategoryBoot).Debug(format, args...)
}

// BootError logs error to the boot category
func BootError(format string, args ...interface{}) {
	Get(CategoryBoot).Error(format, args...)
}

// Env logs to the env category
func Env(format string, args ...interface{}) {
	Get(CategoryEnv).Info(format, args...)
}

// EnvDebug logs debug to the env category
func EnvDebug(format string, args ...interface{}) {
	Get(CategoryEnv).Debug(format, args...)
}

// EnvWarn logs warning to the env category
func EnvWarn(format string, args ...interface{}) {
	Get(CategoryEnv).Warn(format, args...)
}

// EnvError logs error to the env category
func EnvError(format string, args ...interface{}) {
	Get(CategoryEnv).Error(format, args...)
}

// Docker logs to the docker category
func Docker(format string, args ...interface{}) {
	Get(CategoryDocker).Info(format, args...)
}

// DockerDebug logs debug to the docker category
func DockerDebug(format string, args ...interface{}) {
	Get(CategoryDocker).Debug(format, args...)
}

// DockerWarn logs warning to the docker category
func DockerWarn(format string, args ...interface{}) {
	Get(CategoryDocker).Warn(format, args...)
}

// DockerError logs error to the docker category
func DockerError(format string, args ...interface{}) {
	Get(CategoryDocker).Error(format, args...)
}

// Repo logs to the repo category
func Repo(format string, args ...interface{}) {
	Get(CategoryRepo).Info(format, args...)
}

// RepoDebug logs debug to the repo category
func RepoDebug(format string, args ...interface{}) {
	Get(CategoryRepo).Debug(format, args...)
}

// RepoWarn logs warning to the repo category
func RepoWarn(format string, args ...interface{}) {
	Get(CategoryRepo).Warn(format, args...)
}

// Setup logs to the setup category
func Setup(format string, args ...interface{}) {
	Get(CategorySetup).Info(format, args...)
}

// SetupDebug logs debug to the setup category
func SetupDebug(format string, args ...interface{}) {
	Get(CategorySetup).Debug(format, args...)
}

// SetupWarn logs warning to the setup category
func SetupWarn(format string, args ...interface{}) {
	Get(CategorySetup).Warn(format, args...)
}

// Trajectory logs to the trajectory category
func Trajectory(format string, args ...interface{}) {
	Get(CategoryTrajectory).Info(format, args...)
}

// TrajectoryDebug logs debug to the trajectory category
func TrajectoryDebug(format string, args ...interface{}) {
	Get(CategoryTrajectory).Debug(format, args...)
}

// TrajectoryWarn logs warning to the trajectory category
func TrajectoryWarn(format string, args ...interface{}) {
	Get(CategoryTrajectory).Warn(format, args...)
}

// Eval logs to the eval category
func Eval(format string, args ...interface{}) {
	Get(CategoryEval).Info(format, args...)
}

// EvalDebug logs debug to the eval category
func EvalDebug(format string, args ...interface{}) {
	Get(CategoryEval).Debug(format, args...)
}

// EvalWarn logs warning to the eval category
func EvalWarn(format string, args ...interface{}) {
	Get(CategoryEval).Warn(format, args...)
}

// GitHub logs to the github category
func GitHub(format string, args ...interface{}) {
	Get(CategoryGitHub).Info(format, args...)
}

// GitHubDebug logs debug to the github category
func GitHubDebug(format string, args ...interface{}) {
	Get(CategoryGitHub).Debug(format, args...)
}

// GitHubWarn logs warning to the github category
func GitHubWarn(format string, args ...interface{}) {
	Get(CategoryGitHub).Warn(format, args...)
}

// Docs logs to the docs category
func Docs(format string, args ...interface{}) {
	Get(CategoryDocs).Info(format, args...)
}

// DocsDebug logs debug to the docs category
func DocsDebug(format string, args ...interface{}) {
	Get(CategoryDocs).Debug(format, args...)
}

// =============================================================================
// TIMING HELPERS - For performance logging
// =============================================================================

// Timer helps measure operation duration
type Timer struct {
	category Category
	op       string
	start    time.Time
}

// StartTimer begins timing an operation
func StartTimer(category Category, operation string) *Timer {
	return &Timer{
		category: category,
		op:       operation,
		start:    time.Now(),
	}
}

// Stop ends the timer and logs the duration
func (t *Timer) Stop() time.Duration {
	elapsed := time.Since(t.start)
	Get(t.category).Debug("%s completed in %v", t.op, elapsed)
	return elapsed
}

// StopWithInfo ends the timer and logs at info level
func (t *Timer) StopWithInfo() time.Duration {
	elapsed := time.Since(t.start)
	Get(t.category).Info("%s completed in %v", t.op, elapsed)
	return elapsed
}

// StopWithThreshold logs warning if duration exceeds threshold
func (t *Timer) StopWithThreshold(threshold time.Duration) time.Duration {
	elapsed := time.Since(t.start)
	if elapsed > threshold {
		Get(t.category).Warn("%s took %v (threshold: %v)", t.op, elapsed, threshold)
	} else {
		Get(t.category).Debug("%s completed in %v", t.op, elapsed)
	}
	return elapsed
}
