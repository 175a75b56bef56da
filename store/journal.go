package store

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"playcheck/logger"
	"playcheck/scan"
)

// Journal is an append-only NDJSON file of scan records. The index is
// rebuilt by replaying the file on open.
type Journal struct {
	mu      sync.Mutex
	path    string
	file    *os.File
	buf     *bufio.Writer
	records map[int64]scan.Record
	nextID  int64
	now     func() time.Time
}

// OpenJournal opens or creates the journal at path and replays it.
func OpenJournal(path string) (*Journal, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0600)
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}
	j := &Journal{
		path:    path,
		file:    f,
		records: make(map[int64]scan.Record),
		nextID:  1,
		now:     time.Now,
	}
	end, err := j.replay()
	if err != nil {
		f.Close()
		return nil, err
	}
	// Drop a torn tail so new lines start clean.
	if err := f.Truncate(end); err != nil {
		f.Close()
		return nil, fmt.Errorf("truncate journal: %w", err)
	}
	if _, err := f.Seek(end, io.SeekStart); err != nil {
		f.Close()
		return nil, fmt.Errorf("seek journal: %w", err)
	}
	j.buf = bufio.NewWriter(f)
	return j, nil
}

// replay loads every decodable line and returns the offset just past the
// last complete line. A tail without a newline is a torn append and is
// dropped.
func (j *Journal) replay() (int64, error) {
	r := bufio.NewReaderSize(j.file, 64*1024)
	var end int64
	line := 0
	for {
		raw, err := r.ReadBytes('\n')
		if err == io.EOF {
			if len(bytes.TrimSpace(raw)) > 0 {
				logger.WithFields(logger.Fields{"journal": j.path, "line": line + 1}).
					Warn("Dropping incomplete journal tail")
			}
			return end, nil
		}
		if err != nil {
			return 0, fmt.Errorf("replay journal: %w", err)
		}
		line++
		end += int64(len(raw))

		trimmed := bytes.TrimSpace(raw)
		if len(trimmed) == 0 {
			continue
		}
		var rec scan.Record
		if err := json.Unmarshal(trimmed, &rec); err != nil || rec.ID <= 0 {
			logger.WithFields(logger.Fields{"journal": j.path, "line": line}).
				Warn("Skipping corrupt journal line")
			continue
		}
		j.records[rec.ID] = rec.Clone()
		if rec.ID >= j.nextID {
			j.nextID = rec.ID + 1
		}
	}
}

func (j *Journal) Create(ctx context.Context, r scan.Record) (scan.Record, error) {
	if err := ctx.Err(); err != nil {
		return scan.Record{}, err
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.file == nil {
		return scan.Record{}, os.ErrClosed
	}

	r = r.Clone()
	r.ID = j.nextID
	r.ScannedAt = j.now().UTC()
	data, err := json.Marshal(r)
	if err != nil {
		return scan.Record{}, fmt.Errorf("encode record: %w", err)
	}
	data = append(data, '\n')

	start, err := j.file.Seek(0, io.SeekCurrent)
	if err != nil {
		return scan.Record{}, fmt.Errorf("append record: %w", err)
	}
	start += int64(j.buf.Buffered())
	if _, err := j.buf.Write(data); err == nil {
		err = j.buf.Flush()
	}
	if err != nil {
		j.rollback(start)
		return scan.Record{}, fmt.Errorf("append record: %w", err)
	}

	j.nextID++
	j.records[r.ID] = r
	return r.Clone(), nil
}

// rollback discards a partially written line so the file never carries a
// record the index does not know about.
func (j *Journal) rollback(offset int64) {
	j.buf.Reset(j.file)
	if err := j.file.Truncate(offset); err != nil {
		logger.Warnf("Failed to roll back journal %s: %v", j.path, err)
		return
	}
	_, _ = j.file.Seek(offset, io.SeekStart)
}

func (j *Journal) Get(ctx context.Context, id int64) (scan.Record, bool, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	r, ok := j.records[id]
	if !ok {
		return scan.Record{}, false, nil
	}
	return r.Clone(), true, nil
}

func (j *Journal) List(ctx context.Context) ([]scan.Record, error) {
	j.mu.Lock()
	out := make([]scan.Record, 0, len(j.records))
	for _, r := range j.records {
		out = append(out, r.Clone())
	}
	j.mu.Unlock()
	sortNewestFirst(out)
	return out, nil
}

func (j *Journal) Path() string {
	return j.path
}

func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.file == nil {
		return nil
	}
	ferr := j.buf.Flush()
	serr := j.file.Sync()
	cerr := j.file.Close()
	j.file = nil
	for _, err := range []error{ferr, serr, cerr} {
		if err != nil {
			return fmt.Errorf("close journal: %w", err)
		}
	}
	return nil
}
