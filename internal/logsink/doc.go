// Package logsink provides the shared, append-only record of recent
// tunnel output.
//
// Records flow in from every output pump and from the supervisor itself,
// and land in two places:
//
//   - a fixed-capacity in-memory ring (oldest entries evicted first),
//     which survives log file problems and serves fast reads
//   - a rotating on-disk file (size- and count-bounded) for history that
//     outlives the daemon
//
// A single mutex serializes appends so interleaved lines from different
// tunnel instances never corrupt each other. Reads never mutate state.
//
// The sink deliberately outlives any one child process: a tunnel's final
// words and its exit record stay readable after the process is gone.
package logsink
