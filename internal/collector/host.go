package collector

import (
	"github.com/shirou/gopsutil/v3/disk"
)

// HostDiskPercent reports used space on the filesystem holding path, or 0
// when it cannot be read.
func HostDiskPercent(path string) float64 {
	if path == "" {
		path = "/"
	}
	usage, err := disk.Usage(path)
	if err != nil {
		return 0
	}
	return usage.UsedPercent
}
