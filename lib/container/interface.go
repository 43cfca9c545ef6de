package container

import "github.com/ValentinKolb/nKV/lib/kv"

// --------------------------------------------------------------------------
// Interface Definition
// --------------------------------------------------------------------------

// ITarget is the storage side of a container. It evaluates the store and
// retrieve preconditions; the client only passes them through.
// Every method returns a kv.Result; only ResultSuccess means the operation
// took effect.
type ITarget interface {
	// Put stores value under key. crc is the checksum of value, it is kept
	// as metadata when opt.CRCInMeta is set.
	Put(key kv.Key, value []byte, opt kv.StoreOption, crc uint32) kv.Result
	// Get returns the stored value and its metadata checksum (0 if none).
	Get(key kv.Key, opt kv.RetrieveOption) (value []byte, crc uint32, result kv.Result)
	// Delete removes key.
	Delete(key kv.Key) kv.Result
	// Info returns the container description with the current free space.
	Info() kv.Container
}
