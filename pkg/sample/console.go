package sample

import (
	"context"

	"github.com/sirupsen/logrus"
)

// consoleSink logs each sample through the application logger.
type consoleSink struct {
	log logrus.FieldLogger
}

// Ensure interface compliance.
var _ Sink = (*consoleSink)(nil)

// NewConsoleSink creates a sink that writes samples to the log.
func NewConsoleSink(log logrus.FieldLogger) Sink {
	return &consoleSink{
		log: log.WithField("component", "console-sink"),
	}
}

func (s *consoleSink) Name() string {
	return "console"
}

func (s *consoleSink) PublishSamples(_ context.Context, samples []Sample) error {
	for _, smp := range samples {
		fields := logrus.Fields{
			"value": smp.Value,
			"unit":  smp.Unit,
		}

		if b, ok := smp.Metadata["benchmark"]; ok {
			fields["benchmark"] = b
		}

		s.log.WithFields(fields).Info(smp.Name)
	}

	return nil
}

func (s *consoleSink) Close() error {
	return nil
}
