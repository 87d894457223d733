// Package proxy is the protocol-agnostic relay core of paproxy.
//
// A [Server] binds one listener per [Entrypoint] and hands every accepted
// connection to a [Dispatcher], which enforces the session limit and drives a
// [Session] through resolve, connect and relay. Resolvers decide where a
// connection goes; the relay itself only moves bytes, propagating half-close
// and enforcing an idle timeout.
//
// Shutdown stops accepting, waits for the [Table] to drain, and force-closes
// whatever is left when its deadline passes.
package proxy
