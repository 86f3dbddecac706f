// Package file stores result rows as newline delimited JSON files, one file
// per write, below a date based directory tree.
package file

import (
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/m-lab/tatp-orchestrator/logging"
	"github.com/m-lab/tatp-orchestrator/metrics"
	"github.com/m-lab/tatp-orchestrator/sink"
)

// Sink writes rows below a data directory.
type Sink struct {
	datadir  string
	compress bool
	mu       sync.Mutex
}

// New returns a sink writing below datadir.
func New(datadir string, compress bool) *Sink {
	return &Sink{datadir: datadir, compress: compress}
}

// Ping checks that the data directory can be created.
func (s *Sink) Ping(ctx context.Context) error {
	return os.MkdirAll(s.datadir, 0755)
}

// Close implements sink.Sink.
func (s *Sink) Close() error { return nil }

// resultsFile is one results file.
type resultsFile struct {
	writer io.Writer
	fp     *os.File
	gzip   *gzip.Writer
}

// newFile opens a fresh results file for the test run.
func (s *Sink) newFile(testRunID int64) (*resultsFile, string, error) {
	timestamp := time.Now().UTC()
	dir := path.Join(s.datadir, "tatp", timestamp.Format("2006/01/02"))
	err := os.MkdirAll(dir, 0755)
	if err != nil {
		return nil, "", err
	}
	name := fmt.Sprintf("%s/tatp-run%d-%s.%s.jsonl", dir, testRunID, timestamp.Format("20060102T150405.000000000Z"), uuid.NewString())
	if s.compress {
		name += ".gz"
	}
	fp, err := os.OpenFile(name, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		return nil, "", err
	}
	if !s.compress {
		return &resultsFile{writer: fp, fp: fp}, name, nil
	}
	writer, err := gzip.NewWriterLevel(fp, gzip.BestSpeed)
	if err != nil {
		fp.Close()
		return nil, "", err
	}
	return &resultsFile{writer: writer, fp: fp, gzip: writer}, name, nil
}

func (f *resultsFile) close() error {
	if f.gzip != nil {
		err := f.gzip.Close()
		if err != nil {
			f.fp.Close()
			return err
		}
	}
	return f.fp.Close()
}

// Write stores rows in a new file.
func (s *Sink) Write(ctx context.Context, rows []sink.Row) error {
	if len(rows) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	f, name, err := s.newFile(rows[0].TestRunID)
	if err != nil {
		logging.Logger.WithError(err).Warn("newFile failed")
		return err
	}
	enc := json.NewEncoder(f.writer)
	for _, r := range rows {
		if err := enc.Encode(r); err != nil {
			f.close()
			return err
		}
		metrics.SinkRows.WithLabelValues("file", string(r.Kind)).Inc()
	}
	if err := f.close(); err != nil {
		return err
	}
	logging.Logger.Infof("wrote %d rows to %s", len(rows), name)
	return nil
}

type counters struct {
	Session int64 `json:"session"`
	TestRun int64 `json:"test_run"`
}

func (s *Sink) next(update func(c *counters) int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.MkdirAll(s.datadir, 0755); err != nil {
		return 0, err
	}
	name := path.Join(s.datadir, "ids.json")
	var c counters
	b, err := os.ReadFile(name)
	switch {
	case err == nil:
		if err := json.Unmarshal(b, &c); err != nil {
			return 0, errors.Wrapf(err, "corrupt id file %s", name)
		}
	case !os.IsNotExist(err):
		return 0, err
	}
	id := update(&c)
	b, err = json.Marshal(c)
	if err != nil {
		return 0, err
	}
	tmp := name + ".tmp"
	if err := os.WriteFile(tmp, b, 0644); err != nil {
		return 0, err
	}
	return id, os.Rename(tmp, name)
}

// NextSessionID implements sink.IDAllocator.
func (s *Sink) NextSessionID(ctx context.Context) (int64, error) {
	return s.next(func(c *counters) int64 { c.Session++; return c.Session })
}

// NextTestRunID implements sink.IDAllocator.
func (s *Sink) NextTestRunID(ctx context.Context) (int64, error) {
	return s.next(func(c *counters) int64 { c.TestRun++; return c.TestRun })
}
