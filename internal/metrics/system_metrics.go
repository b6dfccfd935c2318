package metrics

import (
	"sync/atomic"

	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/sirupsen/logrus"
)

// RequestCounts is the request total reported by the health endpoint
type RequestCounts struct {
	Served uint64 // every request that matched a route
	Failed uint64 // answered with a 5xx status
}

// requestTally keeps RequestCounts without going through the registry
type requestTally struct {
	served atomic.Uint64
	failed atomic.Uint64
}

func (t *requestTally) add(failed bool) {
	t.served.Add(1)
	if failed {
		t.failed.Add(1)
	}
}

func (t *requestTally) snapshot() RequestCounts {
	return RequestCounts{Served: t.served.Load(), Failed: t.failed.Load()}
}

// refreshHostGauges samples the data directory's filesystem and host memory.
// A host read that fails leaves its gauges at the previous reading.
func (m *Manager) refreshHostGauges() {
	if usage, err := disk.Usage(m.dataDir); err == nil {
		m.diskUsedBytes.Set(float64(usage.Used))
		m.diskFreeBytes.Set(float64(usage.Free))
	} else {
		logrus.WithError(err).WithField("data_dir", m.dataDir).Debug("Failed to sample disk usage")
	}

	if vm, err := mem.VirtualMemory(); err == nil {
		m.memoryUsedPercent.Set(vm.UsedPercent)
	} else {
		logrus.WithError(err).Debug("Failed to sample memory usage")
	}
}
