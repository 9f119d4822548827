// Package process provides the per-child lifecycle primitive for the
// tunnel supervisor.
//
// A Handle owns exactly one OS child process: it spawns the binary with
// stdout and stderr joined into a single pipe, drains that pipe through
// an output pump goroutine, and mediates stop requests (SIGTERM to the
// process group, bounded grace period, SIGKILL).
//
// The pump never blocks the supervisor: each read carries a short
// deadline, and a timed-out read re-checks the stop signal and the
// child's exit state before retrying. Completed lines are handed to the
// OnLine callback; once the child exits the pump flushes any trailing
// partial line and reports the exit code through OnExit.
//
// When restart-on-failure is enabled, an unexpected exit respawns the
// binary after a delay, up to an attempt cap. A requested stop never
// restarts.
//
// Example usage:
//
//	h, err := process.Start(process.Config{
//	    Alias:  "wg-ingress",
//	    Binary: "/usr/bin/udp2raw",
//	    Args:   []string{"-s", "-l", "0.0.0.0:29900", "-r", "127.0.0.1:51820"},
//	    OnLine: func(line string) { sink.Append("wg-ingress", line) },
//	    OnExit: func(code int) { sink.Systemf("wg-ingress exited (%d)", code) },
//	})
//	...
//	h.Stop()
package process
