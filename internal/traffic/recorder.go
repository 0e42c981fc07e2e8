// Package traffic records timestamped wire traffic to CSV files with
// automatic rotation, for debugging device protocol issues.
package traffic

import (
	"encoding/csv"
	"encoding/hex"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Recorder writes one CSV row per serial delivery, in each direction.
type Recorder struct {
	mu      sync.Mutex
	dir     string
	enabled bool

	file   *os.File
	writer *csv.Writer
	rows   int
}

// Config holds recorder configuration.
type Config struct {
	Enabled bool   `yaml:"enabled" json:"enabled"`
	Path    string `yaml:"path" json:"path"`
}

const (
	maxRowsPerFile = 100_000 // Rotate after 100k rows
)

var csvHeader = []string{"timestamp", "dir", "len", "bytes_hex"}

// New creates a new Recorder.
func New(cfg Config) *Recorder {
	if cfg.Path == "" {
		cfg.Path = "/var/log/hwkey-bridge"
	}
	return &Recorder{
		dir:     cfg.Path,
		enabled: cfg.Enabled,
	}
}

// SetEnabled allows toggling recording at runtime.
func (r *Recorder) SetEnabled(on bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.enabled = on
	if !on && r.file != nil {
		r.closeFile()
	}
}

// IsEnabled returns whether recording is active.
func (r *Recorder) IsEnabled() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.enabled
}

// Record writes one delivery. dir is "tx" or "rx". Safe to install directly
// as the engine's trace hook.
func (r *Recorder) Record(dir string, data []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.enabled {
		return
	}

	now := time.Now()
	if r.writer == nil || r.rows >= maxRowsPerFile {
		if err := r.rotateFile(now); err != nil {
			log.Printf("[traffic] rotate failed: %v", err)
			return
		}
	}

	row := []string{
		now.Format(time.RFC3339Nano),
		dir,
		fmt.Sprintf("%d", len(data)),
		hex.EncodeToString(data),
	}
	if err := r.writer.Write(row); err != nil {
		log.Printf("[traffic] write failed: %v", err)
		return
	}
	r.writer.Flush()
	r.rows++
}

// Close flushes and closes the current log file.
func (r *Recorder) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closeFile()
}

func (r *Recorder) rotateFile(now time.Time) error {
	r.closeFile()

	if err := os.MkdirAll(r.dir, 0755); err != nil {
		return fmt.Errorf("mkdir %s: %w", r.dir, err)
	}

	filename := fmt.Sprintf("hwkey_%s.csv", now.Format("2006-01-02_150405"))
	path := filepath.Join(r.dir, filename)

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}

	r.file = f
	r.writer = csv.NewWriter(f)
	r.rows = 0

	if err := r.writer.Write(csvHeader); err != nil {
		return err
	}
	r.writer.Flush()

	log.Printf("[traffic] opened %s", path)
	return nil
}

func (r *Recorder) closeFile() {
	if r.writer != nil {
		r.writer.Flush()
		r.writer = nil
	}
	if r.file != nil {
		r.file.Close()
		r.file = nil
	}
}
