package procgroup

import (
	"fmt"

	"github.com/docker/go-units"
	"github.com/shirou/gopsutil/v3/process"
)

// Info is a point-in-time snapshot of a supervised process, captured right
// before it is killed so the log shows what was running.
type Info struct {
	Pid      int
	Name     string
	Cmdline  string
	RSS      uint64
	Children int
}

// Describe snapshots pid using gopsutil. Fields that cannot be read are left
// empty; an error is returned only when the process cannot be found.
func Describe(pid int) (Info, error) {
	info := Info{Pid: pid}
	proc, err := process.NewProcess(int32(pid))
	if err != nil {
		return info, fmt.Errorf("describe pid %d: %w", pid, err)
	}
	if name, err := proc.Name(); err == nil {
		info.Name = name
	}
	if cmdline, err := proc.Cmdline(); err == nil {
		info.Cmdline = cmdline
	}
	if mem, err := proc.MemoryInfo(); err == nil && mem != nil {
		info.RSS = mem.RSS
	}
	if children, err := proc.Children(); err == nil {
		info.Children = len(children)
	}
	return info, nil
}

func (i Info) String() string {
	name := i.Name
	if name == "" {
		name = "?"
	}
	return fmt.Sprintf("pid=%d name=%s rss=%s children=%d", i.Pid, name, units.BytesSize(float64(i.RSS)), i.Children)
}
