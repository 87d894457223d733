// Package dialer builds the outbound dialer from an upstream URL.
//
// Connections go out directly or through an upstream proxy: HTTP or HTTPS
// CONNECT, SOCKS5, or an SSH server's direct-tcpip channels. Every dialer
// returns connections that are fully negotiated and ready to carry payload.
package dialer
