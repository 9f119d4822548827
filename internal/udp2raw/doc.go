// Package udp2raw defines the tunnel configuration model and the command
// builder for the udp2raw binary.
//
// udp2raw wraps UDP traffic (typically WireGuard) in fake-TCP, UDP or ICMP
// raw packets to traverse networks that throttle or block plain UDP. This
// package does not implement any of that: it only knows how to turn a
// declarative tunnel definition into the argument vector the external
// binary expects.
//
// A configuration snapshot has the shape:
//
//	{
//	  "global":  { "enabled": true, "log_level": "info", "wait_lock": true },
//	  "servers": [ { "enabled": true, "alias": "wg-ingress", ... } ],
//	  "clients": [ { "enabled": true, "alias": "home-link", ... } ]
//	}
//
// The snapshot is owned by an external collaborator (the configuration
// store); this package only decodes and reads it, never mutates or
// persists it.
//
// udp2raw's argument grammar requires each flag and its value as separate
// whitespace-delimited tokens ("-l 0.0.0.0:29900", never "-l=..."), which
// BuildArgs is careful to preserve.
package udp2raw
