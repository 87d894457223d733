// Package ssh tunnels outbound TCP connections through an SSH server.
//
// A [Client] keeps one SSH transport and opens a "direct-tcpip" channel per
// dial, the client half of ssh -D. The transport is established lazily,
// shared by all dials, and re-established once when a dial finds it dead.
//
// Authentication offers public keys (a key file or the SSH agent) and a
// password. Host keys are checked against a known_hosts file with trust on
// first use.
package ssh
