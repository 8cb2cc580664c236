package edgeserve

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"
)

const defaultIPEndpoint = "https://api.ipify.org"

// ExternalIPSource discovers the host's public IP from an external echo
// service. The lookup runs at most once per process: the first caller
// performs it and every caller, concurrent or later, gets the same outcome.
// A failed lookup is memoized too, so requests fail consistently instead of
// retrying the network on every hit.
type ExternalIPSource struct {
	Endpoint string
	Client   *http.Client

	once sync.Once
	ip   string
	err  error
}

// IP returns the memoized external IP, fetching it on first call. The
// lookup is detached from the caller's cancellation so a client that
// disconnects mid-fetch cannot poison the process-wide cache; the HTTP
// client timeout still bounds it.
func (s *ExternalIPSource) IP(ctx context.Context) (string, error) {
	s.once.Do(func() {
		s.ip, s.err = s.fetch(context.WithoutCancel(ctx))
	})
	return s.ip, s.err
}

func (s *ExternalIPSource) fetch(ctx context.Context) (string, error) {
	endpoint := s.Endpoint
	if endpoint == "" {
		endpoint = defaultIPEndpoint
	}
	client := s.Client
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return "", fmt.Errorf("external ip: %w", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return "", fmt.Errorf("external ip: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("external ip: unexpected status %d from %s", resp.StatusCode, endpoint)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 256))
	if err != nil {
		return "", fmt.Errorf("external ip: %w", err)
	}
	ip := strings.TrimSpace(string(body))
	if net.ParseIP(ip) == nil {
		return "", fmt.Errorf("external ip: %q is not an IP address", ip)
	}
	return ip, nil
}

// MetadataSynthesizer builds the request metadata scripts read. Network
// identity comes from the memoized external IP; the geo fields are fixed
// plausible values, since no real edge performed the lookup.
type MetadataSynthesizer struct {
	IPSource *ExternalIPSource

	// Hostname overrides the Host header when non-empty, so scripts that
	// route on hostname see their production name locally.
	Hostname string
}

// Fixed geo identity reported for every request.
const (
	synthColo    = "DEV"
	synthCountry = "US"
	synthCity    = "Austin"
	synthRegion  = "Texas"
	synthLat     = "30.27130"
	synthLon     = "-97.74260"
	synthASN     = 395747
	synthASOrg   = "localhost"
)

func (m *MetadataSynthesizer) Metadata(ctx context.Context, r *http.Request) (*RequestMetadata, error) {
	ip, err := m.IPSource.IP(ctx)
	if err != nil {
		return nil, err
	}
	hostname := m.Hostname
	if hostname == "" {
		hostname = r.Host
	}
	meta := &RequestMetadata{
		ClientIP:     ip,
		Hostname:     hostname,
		Colo:         synthColo,
		Country:      synthCountry,
		City:         synthCity,
		Region:       synthRegion,
		Latitude:     synthLat,
		Longitude:    synthLon,
		ASN:          synthASN,
		ASOrg:        synthASOrg,
		HTTPProtocol: r.Proto,
	}
	if r.TLS != nil {
		meta.TLSVersion = tls.VersionName(r.TLS.Version)
		meta.TLSCipher = tls.CipherSuiteName(r.TLS.CipherSuite)
	}
	return meta, nil
}
