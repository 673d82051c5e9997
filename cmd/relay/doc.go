// Package main runs the in-memory delivery service used by ciphergroup
// during development and tests.
//
// HTTP API
//
// Every route is a JSON POST whose body is signed by the acting user (see
// package relay). Responses use a {code, msg, data} envelope.
//
//	POST /api/user/key_package/
//	    Register a credential on first use and add its key packages.
//
//	POST /api/user/get_key_package/
//	    Return one unexpired key package of a user, optionally reserving it.
//
//	POST /api/group/create/
//	    Register a group id for its creator.
//
//	POST /api/group/mls_state/
//	    Append a commit, proposal or welcome. The first commit for an epoch
//	    wins; others get 409.
//
//	POST /api/group/get_mls_state/
//	    Return group events after per-group cursors and queued welcomes.
//
//	GET /healthz, GET /metrics
//
// Behaviour
//
//   - All state is held in memory and lost on process exit.
//   - RELAY_ADDR sets the listen address (default :8080); RELAY_RATE_LIMIT
//     caps requests per minute per client IP.
//   - The relay only ever sees ciphertext and public keys.
package main
