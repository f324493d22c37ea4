// Package checkpoint persists serialized benchmark spec snapshots keyed by
// run identifier, so resource identifiers obtained from a provider survive
// a crash between provisioning and teardown.
package checkpoint

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"
)

// SnapshotFileName is the file each run's snapshot is stored under.
const SnapshotFileName = "spec.ckpt"

// ErrNotFound is returned when no snapshot exists for a run identifier.
var ErrNotFound = errors.New("checkpoint not found")

// Store persists and retrieves spec snapshots. One snapshot per run
// identifier; saving overwrites, never appends.
type Store interface {
	// Save writes the snapshot for runID, replacing any prior one.
	Save(runID, uid string, snapshot []byte) error

	// Load reads the snapshot for runID. Returns ErrNotFound when none
	// exists.
	Load(runID, uid string) ([]byte, error)

	// List returns the spec UIDs checkpointed under runID.
	List(runID string) ([]string, error)

	// LatestRunID returns the most recently modified checkpointed run.
	// Returns ErrNotFound when no run is checkpointed.
	LatestRunID() (string, error)

	// RunDir returns the on-disk directory for runID.
	RunDir(runID string) string
}

type fileStore struct {
	log  logrus.FieldLogger
	root string
}

// Ensure interface compliance.
var _ Store = (*fileStore)(nil)

// NewFileStore creates a Store rooted at the given directory. Each run gets
// a scoped subdirectory holding one snapshot file per spec.
func NewFileStore(log logrus.FieldLogger, root string) (Store, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("creating checkpoint root: %w", err)
	}

	return &fileStore{
		log:  log.WithField("component", "checkpoint"),
		root: root,
	}, nil
}

func (s *fileStore) RunDir(runID string) string {
	return filepath.Join(s.root, runID)
}

func (s *fileStore) snapshotPath(runID, uid string) string {
	return filepath.Join(s.RunDir(runID), uid+"."+SnapshotFileName)
}

// Save writes atomically: the snapshot lands in a temp file first and is
// renamed into place, so a crash mid-write never corrupts the prior one.
func (s *fileStore) Save(runID, uid string, snapshot []byte) error {
	dir := s.RunDir(runID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating run directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, uid+".ckpt-*")
	if err != nil {
		return fmt.Errorf("creating temp snapshot: %w", err)
	}

	if _, err := tmp.Write(snapshot); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())

		return fmt.Errorf("writing snapshot: %w", err)
	}

	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())

		return fmt.Errorf("closing temp snapshot: %w", err)
	}

	if err := os.Rename(tmp.Name(), s.snapshotPath(runID, uid)); err != nil {
		os.Remove(tmp.Name())

		return fmt.Errorf("replacing snapshot: %w", err)
	}

	s.log.WithFields(logrus.Fields{
		"run_id": runID,
		"uid":    uid,
	}).Debug("Saved checkpoint")

	return nil
}

func (s *fileStore) Load(runID, uid string) ([]byte, error) {
	data, err := os.ReadFile(s.snapshotPath(runID, uid))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("run %s spec %s: %w", runID, uid, ErrNotFound)
		}

		return nil, fmt.Errorf("reading snapshot: %w", err)
	}

	return data, nil
}

func (s *fileStore) List(runID string) ([]string, error) {
	entries, err := os.ReadDir(s.RunDir(runID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("run %s: %w", runID, ErrNotFound)
		}

		return nil, fmt.Errorf("reading run directory: %w", err)
	}

	suffix := "." + SnapshotFileName

	var uids []string

	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, suffix) {
			continue
		}

		uids = append(uids, name[:len(name)-len(suffix)])
	}

	return uids, nil
}

// LatestRunID scans the checkpoint root for the most recently modified run
// directory. Used to resume when later stages are requested without an
// explicit run identifier.
func (s *fileStore) LatestRunID() (string, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return "", fmt.Errorf("reading checkpoint root: %w", err)
	}

	var (
		latest    string
		latestMod int64
	)

	for _, e := range entries {
		if !e.IsDir() {
			continue
		}

		info, err := e.Info()
		if err != nil {
			continue
		}

		if mod := info.ModTime().UnixNano(); latest == "" || mod > latestMod {
			latest = e.Name()
			latestMod = mod
		}
	}

	if latest == "" {
		return "", ErrNotFound
	}

	return latest, nil
}
