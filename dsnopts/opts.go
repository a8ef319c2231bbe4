// Package dsnopts parses a mysql:// connection URL into an Opts value used
// to dial new connections. See spec section 4.1 for the exact derivation and
// precedence rules this package implements.
package dsnopts

import (
	"net"
	"net/url"
	"strconv"
)

const (
	// DefaultPort is the default MySQL TCP port, used when a URL omits one.
	DefaultPort = 3306
	// DefaultHost is used when a URL has no domain component.
	DefaultHost = "127.0.0.1"
)

// SSLOpts carries certificate paths for an optional TLS connection.
// ClientCert/ClientKey are only meaningful together.
type SSLOpts struct {
	CACertPath   string
	ClientCert   string
	ClientKey    string
	HasClientCert bool
}

// Opts holds everything needed to open a new connection. It is cloned
// (by value) into every connection dial, so it must stay immutable once
// constructed. Every field is always present; Capabilities controls which
// ones ParseURL will let a URL's query string set (spec section 9,
// "Feature gating", option (a)).
type Opts struct {
	IPOrHostname string
	TCPPort      uint16
	UnixAddr     string
	PipeName     string
	User         string
	Pass         string
	DBName       string
	PreferSocket bool
	Init         []string
	VerifyPeer   bool
	SSLOpts      *SSLOpts
}

// Default returns the zero-value defaults applied before a URL or caller
// overrides anything: host 127.0.0.1, port 3306, prefer_socket true.
func Default() Opts {
	return Opts{
		IPOrHostname: DefaultHost,
		TCPPort:      DefaultPort,
		PreferSocket: true,
	}
}

// Capabilities describes which optional query keys this build accepts.
// A key gated by a disabled capability yields FeatureRequiredError instead
// of being applied.
type Capabilities struct {
	// SocketOrPipe gates the prefer_socket query key.
	SocketOrPipe bool
	// TLS gates the verify_peer query key.
	TLS bool
}

// DefaultCapabilities matches this build: TLS is available (crypto/tls is
// always linked in a Go binary), Unix-socket/named-pipe transport is not
// implemented by this module (see SPEC_FULL.md Non-goals), so prefer_socket
// is rejected with FeatureRequiredError unless the caller opts in via a
// custom Capabilities value.
func DefaultCapabilities() Capabilities {
	return Capabilities{SocketOrPipe: false, TLS: true}
}

// AddrIsLoopback reports whether IPOrHostname parses as an IPv4/IPv6
// loopback address or is the literal string "localhost".
func (o Opts) AddrIsLoopback() bool {
	if o.IPOrHostname == "" {
		return false
	}
	if o.IPOrHostname == "localhost" {
		return true
	}
	if ip := net.ParseIP(o.IPOrHostname); ip != nil {
		return ip.IsLoopback()
	}
	return false
}

// Clone returns a deep-enough copy safe to hand to a new connection: Init
// and SSLOpts are copied so mutating the clone never affects the template.
func (o Opts) Clone() Opts {
	c := o
	if o.Init != nil {
		c.Init = append([]string(nil), o.Init...)
	}
	if o.SSLOpts != nil {
		ssl := *o.SSLOpts
		c.SSLOpts = &ssl
	}
	return c
}

// ParseURL parses a mysql:// URL into an Opts, honoring caps for
// feature-gated query keys. See spec section 4.1 for the exact rules.
func ParseURL(rawURL string, caps Capabilities) (Opts, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return Opts{}, &ParseError{Detail: err}
	}
	if u.Scheme != "mysql" {
		return Opts{}, &UnsupportedSchemeError{Scheme: u.Scheme}
	}

	opts := Default()

	if u.User != nil {
		opts.User = lossyPercentDecode(u.User.Username())
		if pass, ok := u.User.Password(); ok {
			opts.Pass = lossyPercentDecode(pass)
		}
	}

	if host := u.Hostname(); host != "" {
		opts.IPOrHostname = host
	}

	if portStr := u.Port(); portStr != "" {
		n, err := strconv.ParseUint(portStr, 10, 16)
		if err != nil {
			return Opts{}, &ParseError{Detail: err}
		}
		opts.TCPPort = uint16(n)
	} else {
		opts.TCPPort = DefaultPort
	}

	if path := trimLeadingSlash(u.Path); path != "" {
		opts.DBName = firstPathSegment(path)
	}

	query := u.Query()
	// Deterministic order keeps error precedence stable across calls.
	keys := make([]string, 0, len(query))
	for k := range query {
		keys = append(keys, k)
	}
	sortStrings(keys)

	for _, key := range keys {
		values := query[key]
		value := ""
		if len(values) > 0 {
			value = values[len(values)-1]
		}

		switch key {
		case "prefer_socket":
			if !caps.SocketOrPipe {
				return Opts{}, &FeatureRequiredError{Feature: "socket or pipe", Key: key}
			}
			b, ok := parseBool(value)
			if !ok {
				return Opts{}, &InvalidValueError{Key: key, Value: value}
			}
			opts.PreferSocket = b
		case "verify_peer":
			if !caps.TLS {
				return Opts{}, &FeatureRequiredError{Feature: "ssl", Key: key}
			}
			b, ok := parseBool(value)
			if !ok {
				return Opts{}, &InvalidValueError{Key: key, Value: value}
			}
			opts.VerifyPeer = b
		default:
			return Opts{}, &UnknownParameterError{Key: key}
		}
	}

	return opts, nil
}

// ParseURLDefault parses with DefaultCapabilities.
func ParseURLDefault(rawURL string) (Opts, error) {
	return ParseURL(rawURL, DefaultCapabilities())
}

// MustParseURL is a convenience entry point for embedded literals (e.g. in
// tests): it panics on any parse error rather than returning one.
func MustParseURL(rawURL string, caps Capabilities) Opts {
	opts, err := ParseURL(rawURL, caps)
	if err != nil {
		panic(err)
	}
	return opts
}

func parseBool(s string) (value, ok bool) {
	switch s {
	case "true":
		return true, true
	case "false":
		return false, true
	default:
		return false, false
	}
}

func trimLeadingSlash(p string) string {
	if len(p) > 0 && p[0] == '/' {
		return p[1:]
	}
	return p
}

func firstPathSegment(p string) string {
	for i := 0; i < len(p); i++ {
		if p[i] == '/' {
			return p[:i]
		}
	}
	return p
}

func lossyPercentDecode(s string) string {
	decoded, err := url.QueryUnescape(s)
	if err != nil {
		// Lossy: fall back to the raw (still percent-encoded) value rather
		// than rejecting it, per spec section 4.1.
		return s
	}
	return decoded
}

func sortStrings(s []string) {
	for i := 1; i < len(s); i++ {
		for j := i; j > 0 && s[j-1] > s[j]; j-- {
			s[j-1], s[j] = s[j], s[j-1]
		}
	}
}
