package discovery_test

import (
	"errors"
	"testing"
	"time"

	"github.com/dantte-lp/agentmon/internal/discovery"
)

// -------------------------------------------------------------------------
// ParseDatagram
// -------------------------------------------------------------------------

func TestParseDatagramAnnounce(t *testing.T) {
	t.Parallel()

	payload := []byte(`{
		"type": "announce",
		"serverId": "srv-1",
		"serverUrl": "http://127.0.0.1:3000//api/",
		"serverName": "backend-alpha",
		"project": "webapp",
		"branch": "main",
		"version": "1.2.3",
		"timestamp": 1722500000000,
		"futureField": "ignored"
	}`)

	dg, err := discovery.ParseDatagram(payload)
	if err != nil {
		t.Fatalf("ParseDatagram: %v", err)
	}
	p, ok := dg.(discovery.AnnouncePacket)
	if !ok {
		t.Fatalf("datagram type = %T, want AnnouncePacket", dg)
	}
	if p.Kind() != discovery.TypeAnnounce {
		t.Errorf("Kind = %q, want %q", p.Kind(), discovery.TypeAnnounce)
	}
	if p.ServerID != "srv-1" || p.ServerName != "backend-alpha" {
		t.Errorf("identity = %q/%q", p.ServerID, p.ServerName)
	}
	if p.ServerURL != "http://127.0.0.1:3000/api" {
		t.Errorf("ServerURL = %q, want normalized http://127.0.0.1:3000/api", p.ServerURL)
	}
	if p.Project != "webapp" || p.Branch != "main" || p.Version != "1.2.3" {
		t.Errorf("metadata = %q/%q/%q", p.Project, p.Branch, p.Version)
	}
	if want := time.UnixMilli(1722500000000); !p.Time().Equal(want) {
		t.Errorf("Time = %s, want %s", p.Time(), want)
	}
}

func TestParseDatagramShutdown(t *testing.T) {
	t.Parallel()

	payload := []byte(`{"type":"shutdown","serverId":"srv-9","timestamp":1722500009000}`)

	dg, err := discovery.ParseDatagram(payload)
	if err != nil {
		t.Fatalf("ParseDatagram: %v", err)
	}
	p, ok := dg.(discovery.ShutdownPacket)
	if !ok {
		t.Fatalf("datagram type = %T, want ShutdownPacket", dg)
	}
	if p.Kind() != discovery.TypeShutdown {
		t.Errorf("Kind = %q, want %q", p.Kind(), discovery.TypeShutdown)
	}
	if p.ServerID != "srv-9" {
		t.Errorf("ServerID = %q, want srv-9", p.ServerID)
	}
}

func TestParseDatagramRejects(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		payload string
		wantErr error
	}{
		{
			name:    "empty_payload",
			payload: "",
			wantErr: discovery.ErrMalformedDatagram,
		},
		{
			name:    "truncated_json",
			payload: `{"type":"announce","serverId`,
			wantErr: discovery.ErrMalformedDatagram,
		},
		{
			name:    "wrong_json_shape",
			payload: `"just a string"`,
			wantErr: discovery.ErrMalformedDatagram,
		},
		{
			name:    "unknown_type",
			payload: `{"type":"heartbeat","serverId":"srv-1"}`,
			wantErr: discovery.ErrUnknownDatagramType,
		},
		{
			name:    "missing_type",
			payload: `{"serverId":"srv-1"}`,
			wantErr: discovery.ErrUnknownDatagramType,
		},
		{
			name:    "announce_without_server_id",
			payload: `{"type":"announce","serverUrl":"http://h:1","serverName":"n","timestamp":1}`,
			wantErr: discovery.ErrMissingServerID,
		},
		{
			name:    "announce_without_url",
			payload: `{"type":"announce","serverId":"s","serverName":"n","timestamp":1}`,
			wantErr: discovery.ErrMissingServerURL,
		},
		{
			name:    "announce_without_name",
			payload: `{"type":"announce","serverId":"s","serverUrl":"http://h:1","timestamp":1}`,
			wantErr: discovery.ErrMissingServerName,
		},
		{
			name:    "announce_without_timestamp",
			payload: `{"type":"announce","serverId":"s","serverUrl":"http://h:1","serverName":"n"}`,
			wantErr: discovery.ErrMissingTimestamp,
		},
		{
			name:    "announce_with_negative_timestamp",
			payload: `{"type":"announce","serverId":"s","serverUrl":"http://h:1","serverName":"n","timestamp":-5}`,
			wantErr: discovery.ErrMissingTimestamp,
		},
		{
			name:    "announce_with_bad_url_scheme",
			payload: `{"type":"announce","serverId":"s","serverUrl":"ftp://h:1","serverName":"n","timestamp":1}`,
			wantErr: discovery.ErrInvalidServerURL,
		},
		{
			name:    "shutdown_without_server_id",
			payload: `{"type":"shutdown","timestamp":1}`,
			wantErr: discovery.ErrMissingServerID,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			_, err := discovery.ParseDatagram([]byte(tt.payload))
			if err == nil {
				t.Fatal("ParseDatagram succeeded, want error")
			}
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestEncodeCarriesTypeDiscriminator(t *testing.T) {
	t.Parallel()

	a := discovery.AnnouncePacket{
		ServerID:   "srv-1",
		ServerURL:  "http://127.0.0.1:3000",
		ServerName: "backend",
		Timestamp:  1722500000000,
	}
	data, err := a.Encode()
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	dg, err := discovery.ParseDatagram(data)
	if err != nil {
		t.Fatalf("ParseDatagram: %v", err)
	}
	if _, ok := dg.(discovery.AnnouncePacket); !ok {
		t.Errorf("decoded type = %T, want AnnouncePacket", dg)
	}

	s := discovery.ShutdownPacket{ServerID: "srv-1", Timestamp: 1722500000000}
	data, err = s.Encode()
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	dg, err = discovery.ParseDatagram(data)
	if err != nil {
		t.Fatalf("ParseDatagram: %v", err)
	}
	if _, ok := dg.(discovery.ShutdownPacket); !ok {
		t.Errorf("decoded type = %T, want ShutdownPacket", dg)
	}
}

// -------------------------------------------------------------------------
// NormalizeURL
// -------------------------------------------------------------------------

func TestNormalizeURL(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		in   string
		want string
	}{
		{"already_canonical", "http://localhost:3000", "http://localhost:3000"},
		{"default_http_port", "http://localhost", "http://localhost:80"},
		{"default_https_port", "https://example.com", "https://example.com:443"},
		{"trailing_slash", "http://127.0.0.1:3000/", "http://127.0.0.1:3000"},
		{"duplicate_slashes", "http://127.0.0.1:3000//api//v1/", "http://127.0.0.1:3000/api/v1"},
		{"ipv6_with_port", "http://[::1]:3000", "http://[::1]:3000"},
		{"ipv6_default_port", "http://[::1]", "http://[::1]:80"},
		{"strips_query_and_fragment", "https://host:8443/base?probe=1#top", "https://host:8443/base"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			got, err := discovery.NormalizeURL(tt.in)
			if err != nil {
				t.Fatalf("NormalizeURL(%q): %v", tt.in, err)
			}
			if got != tt.want {
				t.Errorf("NormalizeURL(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestNormalizeURLRejects(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		in   string
	}{
		{"no_scheme", "localhost:3000/api"},
		{"unsupported_scheme", "ws://127.0.0.1:3000"},
		{"missing_host", "http://"},
		{"unparseable", "http://bad host:3000"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			_, err := discovery.NormalizeURL(tt.in)
			if !errors.Is(err, discovery.ErrInvalidServerURL) {
				t.Errorf("NormalizeURL(%q) error = %v, want ErrInvalidServerURL", tt.in, err)
			}
		})
	}
}
