// Package sysinfo gathers host metadata attached to published samples.
package sysinfo

import (
	"strconv"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/host"
	"github.com/shirou/gopsutil/v4/mem"
	"github.com/sirupsen/logrus"
)

// Collect returns host metadata for sample enrichment. Collection is best
// effort: fields that cannot be read are omitted rather than failing the
// run.
func Collect(log logrus.FieldLogger) map[string]string {
	md := make(map[string]string, 6)

	if info, err := host.Info(); err == nil {
		md["hostname"] = info.Hostname
		md["platform"] = info.Platform
		md["kernel_version"] = info.KernelVersion
	} else {
		log.WithError(err).Debug("Failed to read host info")
	}

	if count, err := cpu.Counts(true); err == nil {
		md["cpu_count"] = strconv.Itoa(count)
	} else {
		log.WithError(err).Debug("Failed to read CPU count")
	}

	if infos, err := cpu.Info(); err == nil && len(infos) > 0 {
		md["cpu_model"] = infos[0].ModelName
	}

	if vm, err := mem.VirtualMemory(); err == nil {
		md["total_memory_bytes"] = strconv.FormatUint(vm.Total, 10)
	} else {
		log.WithError(err).Debug("Failed to read memory info")
	}

	return md
}
