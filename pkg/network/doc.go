/*
Package network implements the consumed Network interface (see pkg/change)
against iptables: outbound proxies and inbound open ports, each tracked in
a dedicated chain so the full managed set can be listed back out.

# Architecture

	┌──────────────────── IPTablesNetwork ──────────────────────┐
	│                                                             │
	│  FLOTILLA-PROXY (nat, jumped from PREROUTING)               │
	│    DNAT rules, one per (remote_ip, external_port)            │
	│    comment: flotilla-proxy:<remote_ip>:<port>                │
	│                                                             │
	│  FLOTILLA-OPEN (filter, jumped from INPUT)                   │
	│    ACCEPT rules, one per external port                       │
	│    comment: flotilla-open:<port>                             │
	│                                                             │
	│  every call dispatched through WorkerPool, never inline      │
	│  on the caller's goroutine                                   │
	└─────────────────────────────────────────────────────────────┘

# Idempotent replace, not incremental diff

SetProxies and OpenPorts (see pkg/change) always enumerate the existing
managed set, delete every rule, then recreate the desired set. This
package exists to make that replace cheap and correct: rule comments carry
enough information for EnumerateProxies/EnumerateOpenPorts to reconstruct
the Go-level value from the iptables-level string, so there is no separate
state file to keep in sync with the kernel's rule tables.

# Worker pool

Every iptables invocation blocks on a subprocess. Rather than spawn it
from whichever goroutine a Parallel phase happened to schedule the call
on, every call goes through WorkerPool, a small fixed set of background
goroutines, so at most that many iptables processes run at once; the
calling goroutine waits for its job's result (iptables itself takes an
internal lock across concurrent invocations, so unbounded concurrent
exec.Command calls would only contend, not parallelize).

# See also

pkg/change for the Network interface this package implements and the
SetProxies/OpenPorts primitives that call it.
*/
package network
