// Package watchdog implements a timer that watches a unit of work running on
// another goroutine and invokes a termination action when the work stalls or
// runs for too long.
//
// Two independent policies are supported. The idle timeout bounds the silence
// between successive Feed calls; the absolute deadline bounds the total run
// time measured from Start (or from the latest SetNewTimeout call). Either
// policy may be disabled by passing a non-positive duration. When both are
// enabled the monitor wakes at whichever deadline comes first.
//
// The typical use is guarding a blocking read from a child process pipe: the
// termination action kills the child, the kernel closes the pipe and the
// blocked read returns.
//
//	dog := watchdog.New(30*time.Second, time.Hour, func() { _ = cmd.Process.Kill() })
//	dog.Start()
//	defer dog.Wait()
//	defer dog.WorkDone()
//	for scanner.Scan() {
//		dog.Feed()
//		...
//	}
package watchdog
