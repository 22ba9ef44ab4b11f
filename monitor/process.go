package monitor

import (
	"sync"

	"github.com/shirou/gopsutil/v4/process"
)

type processInfo struct {
	once sync.Once
	name string
	exe  string
}

var lookupProcess = func(pid int32) (name, exe string) {
	p, err := process.NewProcess(pid)
	if err != nil {
		return "", ""
	}
	name, _ = p.Name()
	exe, _ = p.Exe()
	return name, exe
}

// Process returns the name and executable of the accessing process. The
// lookup happens once and may come back empty when the process is gone.
func (e *Event) Process() (name, exe string) {
	e.process.once.Do(func() {
		if e.PID > 0 {
			e.process.name, e.process.exe = lookupProcess(e.PID)
		}
	})
	return e.process.name, e.process.exe
}
