// Package discovery implements backend server discovery over UDP.
//
// Backend servers announce themselves with small JSON datagrams and
// send a best-effort shutdown datagram when they exit. This package
// owns the datagram codec with its validation rules, base URL
// normalization, and the receive loop that feeds validated packets to a
// handler. Liveness is not decided here: the coordinator ages servers
// out when announcements stop.
package discovery

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
	"time"
)

// DefaultPort is the UDP port backend servers announce on.
const DefaultPort = 41234

// Datagram type discriminators on the wire.
const (
	TypeAnnounce = "announce"
	TypeShutdown = "shutdown"
)

// -------------------------------------------------------------------------
// Codec Errors
// -------------------------------------------------------------------------

// Sentinel errors for datagram validation failures. Datagrams failing
// validation are dropped; the listener keeps running.
var (
	// ErrMalformedDatagram indicates the payload is not valid JSON.
	ErrMalformedDatagram = errors.New("malformed datagram")

	// ErrUnknownDatagramType indicates a type other than announce or
	// shutdown. Such datagrams are ignored so the protocol can grow.
	ErrUnknownDatagramType = errors.New("unknown datagram type")

	// ErrMissingServerID indicates an empty serverId field.
	ErrMissingServerID = errors.New("missing serverId")

	// ErrMissingServerURL indicates an empty serverUrl field.
	ErrMissingServerURL = errors.New("missing serverUrl")

	// ErrMissingServerName indicates an empty serverName field.
	ErrMissingServerName = errors.New("missing serverName")

	// ErrMissingTimestamp indicates a missing or non-positive announce
	// timestamp.
	ErrMissingTimestamp = errors.New("missing timestamp")

	// ErrInvalidServerURL indicates a serverUrl that is not an absolute
	// http or https URL.
	ErrInvalidServerURL = errors.New("invalid serverUrl")
)

// -------------------------------------------------------------------------
// Datagrams
// -------------------------------------------------------------------------

// Datagram is a decoded discovery datagram: AnnouncePacket or
// ShutdownPacket.
type Datagram interface {
	// Kind returns the wire type discriminator.
	Kind() string
}

// AnnouncePacket is a server's periodic presence beacon. Servers send
// it on startup and every few seconds thereafter; the same packet also
// carries metadata updates, and a changed serverUrl rebinds the
// server's identity to the new address.
type AnnouncePacket struct {
	ServerID   string `json:"serverId"`
	ServerURL  string `json:"serverUrl"`
	ServerName string `json:"serverName"`
	Project    string `json:"project,omitempty"`
	Branch     string `json:"branch,omitempty"`
	Version    string `json:"version,omitempty"`
	// Timestamp is a millisecond epoch set by the sender.
	Timestamp int64 `json:"timestamp"`
}

// Kind implements Datagram.
func (AnnouncePacket) Kind() string { return TypeAnnounce }

// Time returns the sender timestamp as a time.Time.
func (p AnnouncePacket) Time() time.Time { return time.UnixMilli(p.Timestamp) }

// Validate checks required fields and normalizes ServerURL in place.
func (p *AnnouncePacket) Validate() error {
	if p.ServerID == "" {
		return ErrMissingServerID
	}
	if p.ServerURL == "" {
		return ErrMissingServerURL
	}
	if p.ServerName == "" {
		return ErrMissingServerName
	}
	if p.Timestamp <= 0 {
		return ErrMissingTimestamp
	}
	norm, err := NormalizeURL(p.ServerURL)
	if err != nil {
		return err
	}
	p.ServerURL = norm
	return nil
}

// Encode renders the packet as a wire datagram.
func (p AnnouncePacket) Encode() ([]byte, error) {
	return json.Marshal(struct {
		Type string `json:"type"`
		AnnouncePacket
	}{Type: TypeAnnounce, AnnouncePacket: p})
}

// ShutdownPacket is a server's best-effort exit notice. Timestamp is
// informational; delivery is not guaranteed and staleness sweeping
// covers servers that die without one.
type ShutdownPacket struct {
	ServerID  string `json:"serverId"`
	Timestamp int64  `json:"timestamp"`
}

// Kind implements Datagram.
func (ShutdownPacket) Kind() string { return TypeShutdown }

// Time returns the sender timestamp as a time.Time.
func (p ShutdownPacket) Time() time.Time { return time.UnixMilli(p.Timestamp) }

// Validate checks required fields.
func (p *ShutdownPacket) Validate() error {
	if p.ServerID == "" {
		return ErrMissingServerID
	}
	return nil
}

// Encode renders the packet as a wire datagram.
func (p ShutdownPacket) Encode() ([]byte, error) {
	return json.Marshal(struct {
		Type string `json:"type"`
		ShutdownPacket
	}{Type: TypeShutdown, ShutdownPacket: p})
}

// -------------------------------------------------------------------------
// Parsing
// -------------------------------------------------------------------------

// rawDatagram is the superset of fields across datagram types. Unknown
// JSON fields are ignored by construction.
type rawDatagram struct {
	Type       string `json:"type"`
	ServerID   string `json:"serverId"`
	ServerURL  string `json:"serverUrl"`
	ServerName string `json:"serverName"`
	Project    string `json:"project"`
	Branch     string `json:"branch"`
	Version    string `json:"version"`
	Timestamp  int64  `json:"timestamp"`
}

// ParseDatagram decodes and validates one UDP payload. Unknown types
// return ErrUnknownDatagramType so callers can ignore them cheaply.
func ParseDatagram(data []byte) (Datagram, error) {
	var raw rawDatagram
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedDatagram, err)
	}

	switch raw.Type {
	case TypeAnnounce:
		p := AnnouncePacket{
			ServerID:   raw.ServerID,
			ServerURL:  raw.ServerURL,
			ServerName: raw.ServerName,
			Project:    raw.Project,
			Branch:     raw.Branch,
			Version:    raw.Version,
			Timestamp:  raw.Timestamp,
		}
		if err := p.Validate(); err != nil {
			return nil, fmt.Errorf("announce: %w", err)
		}
		return p, nil

	case TypeShutdown:
		p := ShutdownPacket{
			ServerID:  raw.ServerID,
			Timestamp: raw.Timestamp,
		}
		if err := p.Validate(); err != nil {
			return nil, fmt.Errorf("shutdown: %w", err)
		}
		return p, nil

	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownDatagramType, raw.Type)
	}
}

// -------------------------------------------------------------------------
// URL normalization
// -------------------------------------------------------------------------

// NormalizeURL canonicalizes a server base URL: the scheme must be http
// or https, a missing port is defaulted from the scheme, duplicate
// slashes inside the path collapse, and trailing slashes are stripped.
// Query and fragment have no meaning in a base URL and are dropped.
func NormalizeURL(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidServerURL, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", fmt.Errorf("%w: scheme %q", ErrInvalidServerURL, u.Scheme)
	}
	if u.Hostname() == "" {
		return "", fmt.Errorf("%w: missing host", ErrInvalidServerURL)
	}
	if u.Port() == "" {
		// JoinHostPort keeps IPv6 literals bracketed.
		switch u.Scheme {
		case "http":
			u.Host = net.JoinHostPort(u.Hostname(), "80")
		case "https":
			u.Host = net.JoinHostPort(u.Hostname(), "443")
		}
	}

	p := u.Path
	for strings.Contains(p, "//") {
		p = strings.ReplaceAll(p, "//", "/")
	}
	p = strings.TrimRight(p, "/")
	u.Path = p
	u.RawPath = ""
	u.RawQuery = ""
	u.Fragment = ""

	return u.String(), nil
}
