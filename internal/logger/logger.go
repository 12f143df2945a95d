package logger

import (
	"encoding/csv"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/shaunagostinho/course-tracker/internal/telemetry"
)

// Logger journals telemetry delivery outcomes to CSV files with automatic
// rotation. Positions are not written.
type Logger struct {
	mu      sync.Mutex
	dir     string
	enabled bool

	file   *os.File
	writer *csv.Writer
	rows   int
	now    func() time.Time
}

// Config holds journal configuration.
type Config struct {
	Enabled bool   `yaml:"enabled" json:"enabled"`
	Path    string `yaml:"path" json:"path"`
}

const (
	maxRowsPerFile = 100_000
)

var csvHeader = []string{
	"timestamp", "session_id", "course_number", "vehicle_name",
	"status_code", "duration_ms", "error",
}

// New creates a new Logger.
func New(cfg Config) *Logger {
	if cfg.Path == "" {
		cfg.Path = "/var/log/coursetracker"
	}
	return &Logger{
		dir:     cfg.Path,
		enabled: cfg.Enabled,
		now:     time.Now,
	}
}

// SetEnabled allows toggling the journal at runtime.
func (l *Logger) SetEnabled(on bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.enabled = on
	if !on && l.file != nil {
		l.closeFile()
	}
}

// IsEnabled returns whether the journal is active.
func (l *Logger) IsEnabled() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.enabled
}

// Record writes one delivery outcome.
func (l *Logger) Record(o telemetry.Outcome) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.enabled {
		return
	}

	if l.writer == nil || l.rows >= maxRowsPerFile {
		if err := l.rotateFile(l.now()); err != nil {
			log.Printf("[journal] rotate failed: %v", err)
			return
		}
	}

	if err := l.writer.Write(buildRow(o)); err != nil {
		log.Printf("[journal] write failed: %v", err)
		return
	}
	l.writer.Flush()
	l.rows++
}

// Close flushes and closes the current journal file.
func (l *Logger) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closeFile()
}

func (l *Logger) rotateFile(now time.Time) error {
	l.closeFile()

	if err := os.MkdirAll(l.dir, 0755); err != nil {
		return fmt.Errorf("mkdir %s: %w", l.dir, err)
	}

	filename := fmt.Sprintf("deliveries_%s.csv", now.Format("2006-01-02_150405.000"))
	path := filepath.Join(l.dir, filename)

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}

	l.file = f
	l.writer = csv.NewWriter(f)
	l.rows = 0

	if err := l.writer.Write(csvHeader); err != nil {
		return err
	}
	l.writer.Flush()

	log.Printf("[journal] opened %s", path)
	return nil
}

func (l *Logger) closeFile() {
	if l.writer != nil {
		l.writer.Flush()
		l.writer = nil
	}
	if l.file != nil {
		l.file.Close()
		l.file = nil
	}
}

func buildRow(o telemetry.Outcome) []string {
	row := make([]string, len(csvHeader))
	row[0] = o.At.UTC().Format(time.RFC3339Nano)
	row[1] = o.Report.SessionID
	row[2] = o.Report.CourseNumber
	row[3] = o.Report.VehicleName
	if o.StatusCode != 0 {
		row[4] = strconv.Itoa(o.StatusCode)
	}
	row[5] = strconv.FormatInt(o.Duration.Milliseconds(), 10)
	if o.Err != nil {
		row[6] = o.Err.Error()
	}
	return row
}
