package spec

import (
	"fmt"
	"strings"
)

// CreateSummary formats the terminal status of every spec in a batch for
// the final log output.
func CreateSummary(specs []*Spec) string {
	nameWidth := len("Name")
	uidWidth := len("UID")

	for _, s := range specs {
		if len(s.Name()) > nameWidth {
			nameWidth = len(s.Name())
		}

		if len(s.UID()) > uidWidth {
			uidWidth = len(s.UID())
		}
	}

	var b strings.Builder

	fmt.Fprintf(&b, "Benchmark run statuses:\n")
	fmt.Fprintf(&b, "%-*s  %-*s  %s\n", nameWidth, "Name", uidWidth, "UID", "Status")

	succeeded := 0

	for _, s := range specs {
		fmt.Fprintf(&b, "%-*s  %-*s  %s\n", nameWidth, s.Name(), uidWidth, s.UID(), s.Status())

		if s.Status() == StatusSucceeded {
			succeeded++
		}
	}

	fmt.Fprintf(&b, "Success rate: %.2f%% (%d/%d)", percent(succeeded, len(specs)), succeeded, len(specs))

	return b.String()
}

func percent(n, total int) float64 {
	if total == 0 {
		return 0
	}

	return float64(n) / float64(total) * 100
}
