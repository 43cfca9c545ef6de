package nkv

import (
	"fmt"

	"github.com/ValentinKolb/nKV/lib/kv"
)

// keySpaceTable is a static key-space resolver
type keySpaceTable map[int32]uint64

func (t keySpaceTable) ResolveKeySpace(keySpaceID int32) (uint64, error) {
	hash, ok := t[keySpaceID]
	if !ok {
		return 0, kv.NewError(kv.ResultInvalidArgument, fmt.Sprintf("unknown key space %d", keySpaceID))
	}
	return hash, nil
}
