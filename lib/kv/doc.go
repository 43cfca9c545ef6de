// Package kv defines the client-facing data model of nKV: keys and values,
// per-operation store/retrieve/lock options, the asynchronous operation record
// handed back through completion batches, containers and their network
// transports, and the result codes every component reports with.
//
// The package has no behaviour of its own. It is shared by the registry,
// selector, dispatcher (lib/aio), lock manager and the RPC layer so that all of
// them speak the same types.
//
// Ownership:
//
//	A Value buffer belongs to the caller. Once an Operation is submitted the
//	library writes into Value.Buf (for GET) and the caller must not touch the
//	buffer until the Operation is returned in a completion batch.
//
// Option records:
//
//	StoreOption, RetrieveOption and LockOption are plain records with one named
//	field per flag. Each flag keeps its own meaning; there is no bit packing at
//	this level (the binary serializer packs them on the wire).
package kv
