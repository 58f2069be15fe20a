// Package connlog records completed connections of a VPN session as
// newline-delimited JSON, one file per session.
package connlog

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/apivpn/apivpn-core/internal/model"
)

const (
	filePrefix = "connections-"
	fileSuffix = ".log"

	// DefaultKeep is how many session logs survive pruning.
	DefaultKeep = 5
)

// ErrNoLog is returned by LatestPath when no session has produced a log.
var ErrNoLog = errors.New("no connection log")

// Recorder receives completed connections.
type Recorder interface {
	Record(rec model.ConnectionRecord)
}

// Writer appends records to a session log file. It is safe for concurrent use.
type Writer struct {
	path string

	mu     sync.Mutex
	file   *os.File
	buf    *bufio.Writer
	enc    *json.Encoder
	closed bool
	count  int
}

// Create opens a new session log in dir named after started.
func Create(dir string, started time.Time) (*Writer, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("create log directory: %w", err)
	}

	path := filepath.Join(dir, FileName(started))
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600) // #nosec G304 -- name is generated
	if err != nil {
		return nil, fmt.Errorf("open connection log: %w", err)
	}

	buf := bufio.NewWriter(f)
	return &Writer{
		path: path,
		file: f,
		buf:  buf,
		enc:  json.NewEncoder(buf),
	}, nil
}

// FileName returns the log file name of a session started at t.
func FileName(t time.Time) string {
	return filePrefix + strconv.FormatInt(t.Unix(), 10) + fileSuffix
}

// Path returns the file path of this log.
func (w *Writer) Path() string {
	return w.path
}

// Record appends rec and flushes it so readers see complete lines.
// Records arriving after Close are dropped.
func (w *Writer) Record(rec model.ConnectionRecord) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return
	}
	if err := w.enc.Encode(rec); err != nil {
		return
	}
	_ = w.buf.Flush()
	w.count++
}

// Count returns the number of records written.
func (w *Writer) Count() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.count
}

// Close flushes and closes the file. Further records are dropped.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return nil
	}
	w.closed = true
	flushErr := w.buf.Flush()
	closeErr := w.file.Close()
	return errors.Join(flushErr, closeErr)
}

// LatestPath returns the newest session log in dir, or ErrNoLog.
func LatestPath(dir string) (string, error) {
	logs, err := list(dir)
	if err != nil {
		return "", err
	}
	if len(logs) == 0 {
		return "", ErrNoLog
	}
	return logs[len(logs)-1].path, nil
}

// Prune removes all but the newest keep session logs in dir.
func Prune(dir string, keep int) error {
	if keep < 1 {
		keep = 1
	}
	logs, err := list(dir)
	if err != nil {
		if errors.Is(err, ErrNoLog) {
			return nil
		}
		return err
	}
	if len(logs) <= keep {
		return nil
	}

	var errs []error
	for _, l := range logs[:len(logs)-keep] {
		if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// ReadAll decodes every record of the log at path.
func ReadAll(path string) ([]model.ConnectionRecord, error) {
	f, err := os.Open(path) // #nosec G304 -- caller-provided log path
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()

	var records []model.ConnectionRecord
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var rec model.ConnectionRecord
		if err := json.Unmarshal([]byte(line), &rec); err != nil {
			return records, fmt.Errorf("decode record %d: %w", len(records)+1, err)
		}
		records = append(records, rec)
	}
	return records, scanner.Err()
}

type logFile struct {
	path    string
	started int64
}

// list returns the session logs in dir, oldest first.
func list(dir string) ([]logFile, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNoLog
		}
		return nil, err
	}

	var logs []logFile
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasPrefix(name, filePrefix) || !strings.HasSuffix(name, fileSuffix) {
			continue
		}
		ts, err := strconv.ParseInt(strings.TrimSuffix(strings.TrimPrefix(name, filePrefix), fileSuffix), 10, 64)
		if err != nil {
			continue
		}
		logs = append(logs, logFile{path: filepath.Join(dir, name), started: ts})
	}

	sort.Slice(logs, func(i, j int) bool { return logs[i].started < logs[j].started })
	return logs, nil
}
