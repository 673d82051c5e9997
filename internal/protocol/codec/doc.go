// Package codec converts group events to and from their wire form.
//
// Every event starts with a format version byte and a tag naming the
// variant, followed by TLS-style length-prefixed fields. Encoding is
// deterministic, so signatures and confirmation tags are computed over the
// *Content helpers and re-derived identically by receivers.
package codec
