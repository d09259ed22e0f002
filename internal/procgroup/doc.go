// Package procgroup starts child processes in their own process group and
// tears the whole group down on demand.
//
// Full group termination is only guaranteed on unix systems, where the kernel
// delivers a signal sent to a negative pid to every member of the group. On
// Windows the package walks the process tree with gopsutil and kills each
// descendant it can still see, which is best effort: a grandchild that was
// re-parented before the walk survives.
package procgroup
