/*
Package registry tracks the containers a client can reach and the network
paths (container transports) leading to them.

A path is identified by a hash of address, port and mount point, so
registering the same path twice is idempotent. Every path carries its own
atomic status and queue counters (requests and bytes in flight); request
goroutines update only these counters and never take a registry wide lock.

Status changes are restricted to Up and Down. Listeners registered with
OnStatusChange are informed about every transition, which the dispatcher uses
to fail requests that are outstanding on a path that went down.

A removed path is retired: it is neither listed nor selectable, but its hash
stays reserved until the last request in flight on it has settled.
*/
package registry
