// Package cluster holds the wire contract between the nameserver, its
// administrative clients and the tablet nodes, plus the small JSON-over-HTTP
// helpers both sides use.
//
// # Topology
//
//	             ┌──────────────┐
//	  nsclient ─▶│  Nameserver  │
//	             │  admin API   │
//	             └──────┬───────┘
//	                    │ tablet RPC (TabletClient)
//	      ┌─────────────┼─────────────┐
//	      ▼             ▼             ▼
//	┌──────────┐  ┌──────────┐  ┌──────────┐
//	│ tablet 1 │  │ tablet 2 │  │ tablet 3 │
//	│ tid/pid  │  │ tid/pid  │  │ tid/pid  │
//	└──────────┘  └──────────┘  └──────────┘
//
// Tablets register with the nameserver (POST /register) and send heartbeats
// (POST /heartbeat). The nameserver drives every placement change by calling
// the tablet RPC paths listed in client.go.
//
// # Errors
//
// A non-2xx reply becomes a *StatusError. IsPermanent separates replies that
// retrying cannot fix (4xx: bad term, unknown partition, not leader) from
// transport failures and 5xx, which the op manager retries.
//
// # Endpoints
//
// An endpoint is a tablet's network identity, normally "host:port". BaseURL
// also accepts a full URL so httptest servers can be used directly.
package cluster
