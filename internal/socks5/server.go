package socks5

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"net"
	"slices"

	txsocks5 "github.com/txthinking/socks5"
)

// Command and reply codes from RFC 1928.
const (
	CmdConnect = txsocks5.CmdConnect

	RepSuccess             = txsocks5.RepSuccess
	RepServerFailure       = txsocks5.RepServerFailure
	RepNotAllowed          = txsocks5.RepNotAllowed
	RepNetworkUnreachable  = txsocks5.RepNetworkUnreachable
	RepHostUnreachable     = txsocks5.RepHostUnreachable
	RepConnectionRefused   = txsocks5.RepConnectionRefused
	RepCommandNotSupported = txsocks5.RepCommandNotSupported
	RepAddressNotSupported = txsocks5.RepAddressNotSupported
)

// ErrAuthFailed is returned when username/password authentication fails on
// either side.
var ErrAuthFailed = errors.New("socks5: authentication failed")

// Auth configures optional username/password authentication. The zero value
// means no authentication.
type Auth struct {
	Username string
	Password string
}

func (a Auth) enabled() bool { return a.Username != "" }

// Request is a parsed client request.
type Request struct {
	Cmd  byte
	Atyp byte
	// Addr is the requested destination as host:port.
	Addr string
}

// ServerNegotiate reads the client greeting and, when auth is enabled,
// verifies the client's credentials.
func ServerNegotiate(conn net.Conn, auth Auth) error {
	neg, err := txsocks5.NewNegotiationRequestFrom(conn)
	if err != nil {
		return fmt.Errorf("socks5: read greeting: %w", err)
	}

	method := byte(txsocks5.MethodNone)
	if auth.enabled() {
		method = txsocks5.MethodUsernamePassword
	}
	if !slices.Contains(neg.Methods, method) {
		// 0xff: no acceptable methods.
		_, _ = txsocks5.NewNegotiationReply(0xff).WriteTo(conn)
		return fmt.Errorf("socks5: client offers no acceptable method (want %#x)", method)
	}
	if _, err := txsocks5.NewNegotiationReply(method).WriteTo(conn); err != nil {
		return fmt.Errorf("socks5: write greeting reply: %w", err)
	}
	if !auth.enabled() {
		return nil
	}

	up, err := txsocks5.NewUserPassNegotiationRequestFrom(conn)
	if err != nil {
		return fmt.Errorf("socks5: read credentials: %w", err)
	}
	userOK := subtle.ConstantTimeCompare(up.Uname, []byte(auth.Username)) == 1
	passOK := subtle.ConstantTimeCompare(up.Passwd, []byte(auth.Password)) == 1
	if !userOK || !passOK {
		_, _ = txsocks5.NewUserPassNegotiationReply(txsocks5.UserPassStatusFailure).WriteTo(conn)
		return ErrAuthFailed
	}
	if _, err := txsocks5.NewUserPassNegotiationReply(txsocks5.UserPassStatusSuccess).WriteTo(conn); err != nil {
		return fmt.Errorf("socks5: write auth reply: %w", err)
	}
	return nil
}

// ServerReadRequest reads the request that follows negotiation.
func ServerReadRequest(conn net.Conn) (*Request, error) {
	req, err := txsocks5.NewRequestFrom(conn)
	if err != nil {
		return nil, fmt.Errorf("socks5: read request: %w", err)
	}
	return &Request{Cmd: req.Cmd, Atyp: req.Atyp, Addr: req.Address()}, nil
}

// WriteReply writes a reply with code rep. bound is reported for successful
// replies; failures, and a bound address that cannot be encoded, carry a
// zero address of family atyp.
func WriteReply(conn net.Conn, rep byte, bound net.Addr, atyp byte) error {
	reply := zeroAddrReply(rep, atyp)
	if rep == RepSuccess && bound != nil {
		if a, addr, port, err := txsocks5.ParseAddress(bound.String()); err == nil {
			if a == txsocks5.ATYPDomain {
				addr = addr[1:]
			}
			reply = txsocks5.NewReply(rep, a, addr, port)
		}
	}
	if _, err := reply.WriteTo(conn); err != nil {
		return fmt.Errorf("socks5: write reply: %w", err)
	}
	return nil
}

func zeroAddrReply(rep, atyp byte) *txsocks5.Reply {
	if atyp == txsocks5.ATYPIPv6 {
		return txsocks5.NewReply(rep, txsocks5.ATYPIPv6, []byte(net.IPv6zero), []byte{0x00, 0x00})
	}
	return txsocks5.NewReply(rep, txsocks5.ATYPIPv4, []byte{0x00, 0x00, 0x00, 0x00}, []byte{0x00, 0x00})
}
