// Package rpc implements ledger.Client over JSON-RPC 2.0 on HTTP.
//
// Accounts travel as JSON with base58 keys and base64 data. Signed batches
// are CBOR encoded and sent base64 wrapped. Every call carries the
// configured commitment level.
package rpc
