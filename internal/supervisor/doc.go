// Package supervisor owns the live tunnel process table.
//
// It is the orchestration point of the daemon: a configuration snapshot
// goes in, and for every enabled instance the supervisor builds the
// udp2raw argument vector, spawns the child, and attaches its output
// pump to the shared log sink. Stop tears everything down and runs the
// firewall reconciler once, so iptables artifacts never accumulate
// across restarts.
//
// The one invariant everything else hangs off: StartAll always performs
// a complete StopAll (graceful termination, firewall reconciliation,
// pump drain) before spawning anything. That ordering is what prevents
// double-bound ports and duplicate udp2raw chains.
//
// Processes are keyed "{role}_{index}" by their position in the
// snapshot's role list at start time. The key is not a stable identity
// across config edits; Status carries the alias alongside the key so
// consumers can show stable names.
package supervisor
