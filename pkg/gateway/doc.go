// Package gateway serves the engine to UIs over a websocket and HTTP.
//
// /ws pushes every bus event to authenticated clients and accepts JSON-RPC
// 2.0 requests; /rpc accepts the same requests as a single POST. When a
// shared secret is configured, websocket clients answer an HMAC-SHA256
// challenge and /rpc callers send the secret in the X-ValeDesk-Secret header.
package gateway
