package worker

import (
	"os"

	"github.com/shirou/gopsutil/v3/process"
)

// Telemetry receives the resource sample taken around one CREATE_POST
// execution. internal/metrics implements this to feed the corresponding
// Prometheus gauges; nil is a valid no-op recorder.
type Telemetry interface {
	RecordCreatePostSample(cpuPercent float64, memoryRSSBytes uint64)
}

// sampler wraps gopsutil's per-process sampling around a CREATE_POST call,
// grounding the "browser profile is the only shared mutable resource in §5"
// observation: process-level CPU/RSS is the cheapest signal available for
// that resource's saturation without reaching into the driver itself.
type sampler struct {
	proc *process.Process
}

func newSampler() *sampler {
	p, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return &sampler{}
	}
	return &sampler{proc: p}
}

// sample reports the current process CPU percent and resident set size. It
// is best-effort: any gopsutil error yields a zero-valued sample rather than
// failing the job that triggered it.
func (s *sampler) sample() (cpuPercent float64, rss uint64) {
	if s.proc == nil {
		return 0, 0
	}
	cpuPercent, _ = s.proc.CPUPercent()
	if mem, err := s.proc.MemoryInfo(); err == nil && mem != nil {
		rss = mem.RSS
	}
	return cpuPercent, rss
}
