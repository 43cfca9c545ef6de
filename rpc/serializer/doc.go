// Package serializer encodes the common.Message exchanged between the nKV
// path issuer and a target server.
//
// Three formats are available and selected by name with New:
//
//   - binary: compact format with a presence bitmap, only set fields are
//     written. Used by default.
//   - json: readable on the wire, used with the http transport for debugging.
//   - gob: Go's own encoding, kept for comparison in the benchmarks.
//
// All serializers are stateless and safe for concurrent use.
//
//	s, err := serializer.New("binary")
//	data, err := s.Serialize(*common.NewGetRequest("user/1", kv.RetrieveOption{}))
//	var msg common.Message
//	err = s.Deserialize(data, &msg)
package serializer
