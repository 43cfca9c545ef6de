// Package cmd implements the command-line interface of nKV. It provides a
// target server and client commands that go through the nKV client runtime.
//
// The package is organized into several subpackages:
//
//   - serve: Starts a target serving containers and a lock manager
//   - kv: Key-value operations on a container (put, get, del, perf)
//   - lock: Lock operations (acquire, release)
//   - paths: Path status, container info and mount point usage
//   - util: Shared utilities for command-line processing and configuration (internal use)
//
// Every flag can also be set as NKV_<FLAG> environment variable (e.g.
// NKV_TRANSPORT=unix), in a .env file or in the file given with --config.
// See nkv -help for a list of all commands.
package cmd
