// Package process runs child processes under watchdog supervision.
//
// A supervised run reads the child's combined stdout and stderr line by line.
// Every line read feeds a watchdog; if the child goes quiet for longer than
// the idle timeout, or runs past its total budget, the watchdog kills the
// child's process group, the pipe closes and the read loop ends. A timeout is
// reported through Result, never as an error.
package process
