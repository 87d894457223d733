// Package socks5 wraps the protocol types in github.com/txthinking/socks5 with
// the handshake steps paproxy needs on both sides of a relay: the server side
// used by the SOCKS5 resolver and the client side used by the SOCKS5 upstream
// dialer.
//
// Only CONNECT is supported. Replies carry the bound address when there is
// one and a zero address of the request's family otherwise.
package socks5
