// Package firewall removes iptables artifacts left behind by udp2raw.
//
// When started with -a, udp2raw inserts an INPUT rule and dedicated
// chains (named with a well-known udp2raw prefix) and normally removes
// them on exit. A killed or crashed binary leaves them behind, and the
// leftovers break the next tunnel start. Because the binary creates
// these as a side effect, no ledger of what was created exists; the
// reconciler rediscovers artifacts by live inspection and tag matching
// on every run.
//
// Reconciliation is strictly best-effort: missing privileges, a missing
// iptables binary, or a chain concurrently removed by someone else all
// degrade to warning logs. A stop/start cycle must never be blocked by
// firewall introspection problems.
package firewall
