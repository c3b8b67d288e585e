package devserver

import (
	"context"

	"github.com/go-go-golems/tether/pkg/envelope"
	"github.com/pkg/errors"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
)

// sampleHost reads CPU and memory usage of the machine running the server.
func sampleHost(ctx context.Context) (envelope.SystemStatus, error) {
	cpus, err := cpu.PercentWithContext(ctx, 0, false)
	if err != nil {
		return envelope.SystemStatus{}, errors.Wrap(err, "cpu percent")
	}
	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return envelope.SystemStatus{}, errors.Wrap(err, "virtual memory")
	}
	st := envelope.SystemStatus{
		MemoryUsage: vm.UsedPercent,
		ModelStatus: []envelope.ModelStatus{{Name: "echo", Status: "ready"}},
	}
	if len(cpus) > 0 {
		st.CPUUsage = cpus[0]
	}
	return st, nil
}
