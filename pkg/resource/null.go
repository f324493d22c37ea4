package resource

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"
)

// nullDriver satisfies Driver without talking to any provider. It is used
// for dry runs and for batches that only involve static machines and the
// built-in synthetic workloads.
type nullDriver struct {
	log logrus.FieldLogger
}

// Ensure interface compliance.
var _ Driver = (*nullDriver)(nil)

// NewNullDriver returns a driver that marks resources created without
// provisioning anything.
func NewNullDriver(log logrus.FieldLogger) Driver {
	return &nullDriver{
		log: log.WithField("component", "null-driver"),
	}
}

func (d *nullDriver) CreateResource(_ context.Context, h *Handle) error {
	h.ID = fmt.Sprintf("null-%s-%s", h.Kind, h.Name)

	d.log.WithFields(logrus.Fields{
		"kind": h.Kind,
		"name": h.Name,
	}).Debug("Created resource (null driver)")

	return nil
}

func (d *nullDriver) DeleteResource(_ context.Context, h *Handle) error {
	d.log.WithFields(logrus.Fields{
		"kind": h.Kind,
		"name": h.Name,
	}).Debug("Deleted resource (null driver)")

	return nil
}
