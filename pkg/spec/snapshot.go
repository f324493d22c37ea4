package spec

import (
	"encoding/json"
	"fmt"

	"github.com/ethpandaops/benchflow/pkg/resource"
	"github.com/sirupsen/logrus"
)

// snapshot is the serialized form of a Spec. It carries everything needed
// to resume or tear down a run after a crash, in particular the
// provider-assigned resource identifiers.
type snapshot struct {
	Name              string         `json:"name"`
	UID               string         `json:"uid"`
	Workload          string         `json:"workload"`
	SequenceNumber    int            `json:"sequence_number"`
	TotalCount        int            `json:"total_count"`
	AlwaysCallCleanup bool           `json:"always_call_cleanup"`
	RunID             string         `json:"run_id"`
	FlagOverrides     map[string]any `json:"flag_overrides,omitempty"`
	VMCount           int            `json:"vm_count"`
	Services          []string       `json:"services,omitempty"`
	Resources         *resource.Set  `json:"resources"`
	Status            Status         `json:"status"`
}

// Snapshot serializes the spec's configuration and resource handles.
func (s *Spec) Snapshot() ([]byte, error) {
	s.mu.Lock()
	snap := snapshot{
		Name:              s.name,
		UID:               s.uid,
		Workload:          s.workloadName,
		SequenceNumber:    s.sequenceNumber,
		TotalCount:        s.totalCount,
		AlwaysCallCleanup: s.alwaysCallCleanup,
		RunID:             s.runID,
		FlagOverrides:     s.flagOverrides,
		VMCount:           s.vmCount,
		Services:          s.services,
		Resources:         s.resources,
		Status:            s.status,
	}
	s.mu.Unlock()

	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("serializing spec %s: %w", s.uid, err)
	}

	return data, nil
}

// Restore replaces the spec's configuration and resource handles with the
// snapshotted state. The workload binding and driver are untouched; the
// status is reset so a resumed run starts fresh.
func (s *Spec) Restore(data []byte) error {
	var snap snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return fmt.Errorf("parsing snapshot: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.name = snap.Name
	s.uid = snap.UID
	s.workloadName = snap.Workload
	s.sequenceNumber = snap.SequenceNumber
	s.totalCount = snap.TotalCount
	s.alwaysCallCleanup = snap.AlwaysCallCleanup
	s.runID = snap.RunID
	s.resourceRunID = snap.RunID
	s.flagOverrides = snap.FlagOverrides
	s.vmCount = snap.VMCount
	s.services = snap.Services
	s.status = StatusNotStarted

	if snap.Resources != nil {
		s.resources = snap.Resources
	} else {
		s.resources = &resource.Set{}
	}

	return nil
}

// WorkloadResolver maps a workload name back to an implementation when
// restoring a spec from a snapshot.
type WorkloadResolver func(name string) (Workload, error)

// FromSnapshot reconstructs a spec from serialized state, rebinding its
// workload through the resolver.
func FromSnapshot(log logrus.FieldLogger, data []byte, resolve WorkloadResolver, driver resource.Driver) (*Spec, error) {
	s := New(log, Config{}, "", nil, driver)
	if err := s.Restore(data); err != nil {
		return nil, err
	}

	w, err := resolve(s.workloadName)
	if err != nil {
		return nil, fmt.Errorf("resolving workload %q: %w", s.workloadName, err)
	}

	s.workload = w
	s.log = log.WithField("benchmark", s.uid)

	return s, nil
}
