// Package http implements an HTTP transport for the nKV RPC layer. Every
// request is a POST to /{shardId} with the serialized message as body.
//
// HTTP is mainly useful where only HTTP traffic is allowed between clients
// and target servers. SendAsync runs one goroutine per request, so it costs
// more than the tcp and unix transports at high queue depths. Container paths
// are addressed as http://address:port.
package http
