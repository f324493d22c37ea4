// Package resource models the cloud resources a benchmark run acquires.
// Concrete provisioning is delegated to an external Driver; the engine only
// tracks handles and sequences create/delete calls.
package resource

import (
	"context"
)

// Kind classifies a resource handle.
type Kind string

const (
	// KindVM is a virtual machine.
	KindVM Kind = "vm"

	// KindDisk is a block storage volume.
	KindDisk Kind = "disk"

	// KindNetwork is a virtual network.
	KindNetwork Kind = "network"

	// KindService is a managed service (e.g. a hosted big-data cluster).
	// Provisioning a service may itself allocate VMs, so services are
	// constructed before plain VMs.
	KindService Kind = "service"
)

// Handle describes one acquired (or to-be-acquired) resource. Handles round
// trip through checkpoint snapshots so provider-assigned identifiers survive
// a crash between provisioning and teardown.
type Handle struct {
	Kind Kind   `json:"kind" yaml:"kind"`
	Name string `json:"name" yaml:"name"`

	// ID is assigned by the provider once the resource exists.
	ID string `json:"id,omitempty" yaml:"id,omitempty"`

	// Static marks a pre-existing, user-registered resource. Static
	// resources are never created or deleted by the engine, and their
	// presence forces the cleanup stage so shared infrastructure is not
	// left dirty.
	Static bool `json:"static,omitempty" yaml:"static,omitempty"`

	// Created records whether this run created the resource.
	Created bool `json:"created,omitempty" yaml:"created,omitempty"`

	// Attrs carries provider-specific attributes (zone, machine type,
	// address). Opaque to the engine.
	Attrs map[string]string `json:"attrs,omitempty" yaml:"attrs,omitempty"`
}

// Set is the full handle set of one benchmark run.
type Set struct {
	Handles []*Handle `json:"handles"`
}

// VMs returns the VM handles.
func (s *Set) VMs() []*Handle {
	var vms []*Handle

	for _, h := range s.Handles {
		if h.Kind == KindVM {
			vms = append(vms, h)
		}
	}

	return vms
}

// Services returns the managed service handles.
func (s *Set) Services() []*Handle {
	var svcs []*Handle

	for _, h := range s.Handles {
		if h.Kind == KindService {
			svcs = append(svcs, h)
		}
	}

	return svcs
}

// AnyStaticVM reports whether any VM in the set is a pre-existing machine.
func (s *Set) AnyStaticVM() bool {
	for _, h := range s.VMs() {
		if h.Static {
			return true
		}
	}

	return false
}

// Driver creates and deletes resources with a provider. Implementations
// live outside the engine; calls may block for long, unbounded real time.
type Driver interface {
	// CreateResource acquires the resource and fills in h.ID.
	CreateResource(ctx context.Context, h *Handle) error

	// DeleteResource releases the resource.
	DeleteResource(ctx context.Context, h *Handle) error
}
