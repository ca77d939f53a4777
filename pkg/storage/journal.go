package storage

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Journal records order submissions as an append-only audit trail.
type Journal interface {
	Record(event string, data any)
}

type NopJournal struct{}

func NewNopJournal() *NopJournal             { return &NopJournal{} }
func (NopJournal) Record(_ string, _ any) {}

// FileJournal writes one JSON line per event.
type FileJournal struct {
	mu sync.Mutex
	f  *os.File
}

func NewFileJournal(path string) (*FileJournal, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, err
	}
	return &FileJournal{f: f}, nil
}

type journalEntry struct {
	Timestamp string `json:"timestamp"`
	Event     string `json:"event"`
	Data      any    `json:"data"`
}

func (j *FileJournal) Record(event string, data any) {
	line, err := json.Marshal(journalEntry{
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		Event:     event,
		Data:      data,
	})
	if err != nil {
		return
	}

	j.mu.Lock()
	defer j.mu.Unlock()
	fmt.Fprintln(j.f, string(line))
}

func (j *FileJournal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.f.Close()
}

var _ Journal = (*NopJournal)(nil)
var _ Journal = (*FileJournal)(nil)
