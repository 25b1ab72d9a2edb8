package messaging

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
)

const (
	// DefaultTransport is used when the URL has no scheme
	DefaultTransport = "tcp"
	// DefaultPort is used when the URL has no port
	DefaultPort = 5672
)

// ErrInvalidURL is returned for broker URLs that cannot be parsed
var ErrInvalidURL = errors.New("gofer: invalid broker url")

// URL is a broker URL: [transport://][user[:password]@]host[:port][/vhost]
type URL struct {
	Transport string
	User      string
	Password  string
	Host      string
	Port      int
	VHost     string
}

// ParseURL parses a broker URL applying the default transport and port
func ParseURL(raw string) (*URL, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, fmt.Errorf("%w: empty", ErrInvalidURL)
	}
	if !strings.Contains(raw, "://") {
		raw = DefaultTransport + "://" + raw
	}

	parsed, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidURL, err)
	}
	if parsed.Hostname() == "" {
		return nil, fmt.Errorf("%w: %q has no host", ErrInvalidURL, raw)
	}

	u := &URL{
		Transport: parsed.Scheme,
		Host:      parsed.Hostname(),
		Port:      DefaultPort,
		VHost:     strings.TrimPrefix(parsed.Path, "/"),
	}
	if p := parsed.Port(); p != "" {
		port, err := strconv.Atoi(p)
		if err != nil || port <= 0 || port > 65535 {
			return nil, fmt.Errorf("%w: bad port %q", ErrInvalidURL, p)
		}
		u.Port = port
	}
	if parsed.User != nil {
		u.User = parsed.User.Username()
		u.Password, _ = parsed.User.Password()
	}
	return u, nil
}

// MustParseURL is like ParseURL but panics on error
func MustParseURL(raw string) *URL {
	u, err := ParseURL(raw)
	if err != nil {
		panic(err)
	}
	return u
}

// Simple returns host:port
func (u *URL) Simple() string {
	return net.JoinHostPort(u.Host, strconv.Itoa(u.Port))
}

// Key returns the identity including the transport, e.g. "ssl://host:5672"
func (u *URL) Key() string {
	return u.Transport + "://" + u.Simple()
}

// Equal compares host and port only
func (u *URL) Equal(other *URL) bool {
	if u == nil || other == nil {
		return u == other
	}
	return u.Simple() == other.Simple()
}

// String returns the URL with the password removed
func (u *URL) String() string {
	var b strings.Builder
	b.WriteString(u.Transport)
	b.WriteString("://")
	if u.User != "" {
		b.WriteString(u.User)
		b.WriteString("@")
	}
	b.WriteString(u.Simple())
	if u.VHost != "" {
		b.WriteString("/")
		b.WriteString(u.VHost)
	}
	return b.String()
}

// Secure reports whether the transport is TLS
func (u *URL) Secure() bool {
	switch u.Transport {
	case "ssl", "tls", "amqps":
		return true
	}
	return false
}

// AMQP renders the URL for an AMQP 0-9-1 client, defaulting to guest credentials
func (u *URL) AMQP() string {
	scheme := "amqp"
	if u.Secure() {
		scheme = "amqps"
	}
	user, password := u.User, u.Password
	if user == "" {
		user, password = "guest", "guest"
	}
	out := url.URL{
		Scheme: scheme,
		User:   url.UserPassword(user, password),
		Host:   u.Simple(),
		Path:   "/" + u.VHost,
	}
	return out.String()
}
