package stats

import (
	"fmt"

	"github.com/ValentinKolb/nKV/lib/kv"
	"github.com/shirou/gopsutil/v4/disk"
)

// PathStat reports capacity, usage and utilization of the filesystem behind
// mountPoint.
func PathStat(mountPoint string) (kv.PathStat, error) {
	if mountPoint == "" {
		return kv.PathStat{}, kv.NewError(kv.ResultInvalidArgument, "mount point is empty")
	}
	usage, err := disk.Usage(mountPoint)
	if err != nil {
		return kv.PathStat{}, fmt.Errorf("path stats for %s: %w", mountPoint, err)
	}
	return kv.PathStat{
		MountPoint:         mountPoint,
		CapacityBytes:      usage.Total,
		UsageBytes:         usage.Used,
		UtilizationPercent: usage.UsedPercent,
	}, nil
}
