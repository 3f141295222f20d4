// Package output streams accepted records of a run into a JSON array file and
// reads them back.
package output

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/maltedev/storefront-scraper/internal/models"
)

var (
	ErrOutputMissing   = errors.New("output missing")
	ErrMalformedOutput = errors.New("malformed output")
)

// FileName returns the run output name, e.g. "scraped_1700000000_1a2b3c4d.json".
func FileName(runID string, at time.Time) string {
	id := strings.ReplaceAll(runID, "-", "")
	if len(id) > 8 {
		id = id[:8]
	}
	return fmt.Sprintf("scraped_%d_%s.json", at.Unix(), id)
}

// Writer appends records to a JSON array, one record per line. The array is
// only closed by Close, so a crashed run leaves a truncated but line-readable
// file behind.
type Writer struct {
	mu    sync.Mutex
	file  *os.File
	buf   *bufio.Writer
	path  string
	count int
}

func Create(dir, runID string) (*Writer, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create output directory: %w", err)
	}
	path := filepath.Join(dir, FileName(runID, time.Now()))
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("failed to create output file: %w", err)
	}
	w := &Writer{file: f, buf: bufio.NewWriter(f), path: path}
	if _, err := w.buf.WriteString("[\n"); err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to write output header: %w", err)
	}
	return w, nil
}

func (w *Writer) Path() string {
	return w.path
}

func (w *Writer) Count() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.count
}

// Write appends one record and flushes it to disk.
func (w *Writer) Write(rec models.ProductRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal record: %w", err)
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.file == nil {
		return fmt.Errorf("output writer closed")
	}
	if w.count > 0 {
		if _, err := w.buf.WriteString(",\n"); err != nil {
			return fmt.Errorf("failed to write separator: %w", err)
		}
	}
	if _, err := w.buf.Write(data); err != nil {
		return fmt.Errorf("failed to write record: %w", err)
	}
	if err := w.buf.Flush(); err != nil {
		return fmt.Errorf("failed to flush output: %w", err)
	}
	w.count++
	return nil
}

// Close terminates the array. It is safe to call more than once.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.file == nil {
		return nil
	}
	defer func() { w.file = nil }()

	if _, err := w.buf.WriteString("\n]\n"); err != nil {
		w.file.Close()
		return fmt.Errorf("failed to write output footer: %w", err)
	}
	if err := w.buf.Flush(); err != nil {
		w.file.Close()
		return fmt.Errorf("failed to flush output: %w", err)
	}
	return w.file.Close()
}

// ReadRecords loads a run output. A file that is not a valid JSON array is
// parsed line by line; only when no line holds a record is it malformed.
func ReadRecords(path string) ([]models.ProductRecord, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrOutputMissing, filepath.Base(path))
		}
		return nil, fmt.Errorf("failed to read output: %w", err)
	}

	var records []models.ProductRecord
	if err := json.Unmarshal(data, &records); err == nil {
		return records, nil
	}
	return readLines(data)
}

func readLines(data []byte) ([]models.ProductRecord, error) {
	var (
		records []models.ProductRecord
		bad     int
	)
	sc := bufio.NewScanner(bytes.NewReader(data))
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		line = strings.TrimPrefix(line, "[")
		line = strings.TrimSuffix(line, "]")
		line = strings.TrimSuffix(strings.TrimSpace(line), ",")
		if line == "" {
			continue
		}
		var rec models.ProductRecord
		if err := json.Unmarshal([]byte(line), &rec); err != nil {
			bad++
			continue
		}
		records = append(records, rec)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedOutput, err)
	}
	if len(records) == 0 && bad > 0 {
		return nil, fmt.Errorf("%w: no readable records", ErrMalformedOutput)
	}
	return records, nil
}
