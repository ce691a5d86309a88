// Package egress builds the outbound dialers used by the agent pool.
package egress

import (
	"context"
	"crypto/tls"
	"net"
	"time"

	"github.com/fumiama/terasu"
	trsdns "github.com/fumiama/terasu/dns"
)

var defaultDialer = net.Dialer{Timeout: 10 * time.Second}

// Dialer returns the plain TCP dial function.
func Dialer() func(ctx context.Context, network, addr string) (net.Conn, error) {
	return defaultDialer.DialContext
}

// TLSDialer returns a DialTLSContext function for the given dns mode.
// "system" resolves via the system resolver; "terasu" and "auto" resolve via
// the terasu DoH resolver. In every mode the handshake is first attempted
// with terasu's fragmented first flight and retried as a plain handshake.
func TLSDialer(dnsMode string) func(ctx context.Context, network, addr string) (net.Conn, error) {
	lookup := trsdns.LookupHost
	if dnsMode == "system" {
		lookup = func(ctx context.Context, host string) ([]string, error) {
			return net.DefaultResolver.LookupHost(ctx, host)
		}
	}
	return func(ctx context.Context, network, addr string) (net.Conn, error) {
		host, port, err := net.SplitHostPort(addr)
		if err != nil {
			return nil, err
		}
		addrs, err := lookup(ctx, host)
		if err != nil {
			return nil, err
		}
		if len(addrs) == 0 {
			return nil, &net.DNSError{Err: "no addresses", Name: host, IsNotFound: true}
		}
		var tlsConn *tls.Conn
		for _, a := range addrs {
			tlsConn, err = dialOne(ctx, network, net.JoinHostPort(a, port), host, true)
			if err == nil {
				return tlsConn, nil
			}
			tlsConn, err = dialOne(ctx, network, net.JoinHostPort(a, port), host, false)
			if err == nil {
				return tlsConn, nil
			}
		}
		return nil, err
	}
}

func dialOne(ctx context.Context, network, addr, serverName string, fragmented bool) (*tls.Conn, error) {
	dctx := ctx
	if defaultDialer.Timeout != 0 {
		var cancel context.CancelFunc
		dctx, cancel = context.WithTimeout(ctx, defaultDialer.Timeout)
		defer cancel()
	}
	conn, err := defaultDialer.DialContext(dctx, network, addr)
	if err != nil {
		return nil, err
	}
	tlsConn := tls.Client(conn, &tls.Config{
		ServerName: serverName,
		MinVersion: tls.VersionTLS12,
	})
	if fragmented && terasu.DefaultFirstFragmentLen > 0 {
		err = terasu.Use(tlsConn).HandshakeContext(dctx, terasu.DefaultFirstFragmentLen)
	} else {
		err = tlsConn.HandshakeContext(dctx)
	}
	if err != nil {
		_ = tlsConn.Close()
		return nil, err
	}
	return tlsConn, nil
}
