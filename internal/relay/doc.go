// Package relay talks to the delivery service that orders group events.
//
// HTTP implements domain.RelayClient. Each request is a JSON POST signed
// with the acting user's Ed25519 credential: the signature covers
// sha256(user id || body || timestamp) and travels in the web3mq-* headers
// together with the millisecond timestamp. Responses use a
// {code, msg, data} envelope.
//
// Status codes map onto domain errors: 404 is ErrNotFound, 409 is
// ErrStaleEpoch, 401 and 403 are ErrUnauthorized. Server errors and
// network failures are retried with exponential backoff before surfacing
// as ErrTransport.
//
// Server is an in-memory implementation of the same API. It accepts the
// first commit for each epoch and answers 409 to any other, which is what
// lets concurrent committers discover they lost. Only the creator and
// users a member has welcomed may publish to a group.
package relay
