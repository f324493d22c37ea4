package sample

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/sirupsen/logrus"
)

// fileSink writes samples as JSON lines to a file, one object per sample.
type fileSink struct {
	log  logrus.FieldLogger
	path string

	mu   sync.Mutex
	file *os.File
}

// Ensure interface compliance.
var _ Sink = (*fileSink)(nil)

// NewFileSink creates a sink appending JSON-encoded samples to the given
// path. Parent directories are created as needed.
func NewFileSink(log logrus.FieldLogger, path string) (Sink, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("creating sample file directory: %w", err)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("opening sample file: %w", err)
	}

	return &fileSink{
		log:  log.WithField("component", "file-sink"),
		path: path,
		file: f,
	}, nil
}

func (s *fileSink) Name() string {
	return "file"
}

func (s *fileSink) PublishSamples(_ context.Context, samples []Sample) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	enc := json.NewEncoder(s.file)

	for _, smp := range samples {
		if err := enc.Encode(smp); err != nil {
			return fmt.Errorf("encoding sample %q: %w", smp.Name, err)
		}
	}

	if err := s.file.Sync(); err != nil {
		return fmt.Errorf("syncing sample file: %w", err)
	}

	return nil
}

func (s *fileSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.file.Close()
}
