// Package relay fetches the ICE server list (STUN/TURN with credentials) used
// for one call, falling back to public STUN servers when the fetch fails.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/sirupsen/logrus"
)

const maxBodySize = 64 << 10

var ErrNoServers = errors.New("relay response contains no usable ICE servers")

// DefaultSTUN is used whenever no relay credentials are available.
var DefaultSTUN = []string{"stun:stun1.l.google.com:19302", "stun:stun2.l.google.com:19302"}

// Fetcher loads ICE servers from a credentials endpoint.
type Fetcher struct {
	URL      string
	Timeout  time.Duration
	Fallback []webrtc.ICEServer
	Client   *http.Client
}

// NewFetcher returns a Fetcher for url whose fallback is one STUN entry
// listing stunURLs (DefaultSTUN when empty).
func NewFetcher(url string, timeout time.Duration, stunURLs []string) *Fetcher {
	if len(stunURLs) == 0 {
		stunURLs = DefaultSTUN
	}
	return &Fetcher{
		URL:      url,
		Timeout:  timeout,
		Fallback: []webrtc.ICEServer{{URLs: stunURLs}},
		Client:   http.DefaultClient,
	}
}

// Fetch never fails: network errors, timeouts, bad status codes and
// malformed bodies all yield the fallback list.
func (f *Fetcher) Fetch(ctx context.Context) []webrtc.ICEServer {
	log := logrus.WithFields(logrus.Fields{"component": "relay", "url": f.URL})
	if f.URL == "" {
		log.Debug("No relay credentials URL configured, using default STUN")
		return f.fallback()
	}

	servers, err := f.fetch(ctx)
	if err != nil {
		log.WithError(err).Warn("Failed to fetch relay credentials, using default STUN")
		return f.fallback()
	}
	log.WithField("servers", len(servers)).Info("Relay servers loaded")
	return servers
}

func (f *Fetcher) fetch(ctx context.Context) ([]webrtc.ICEServer, error) {
	if f.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, f.Timeout)
		defer cancel()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.URL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")

	client := f.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return nil, err
	}
	return Parse(body)
}

func (f *Fetcher) fallback() []webrtc.ICEServer {
	out := make([]webrtc.ICEServer, len(f.Fallback))
	copy(out, f.Fallback)
	return out
}

// descriptor is one entry of the credentials response. urls may be a single
// string or an array.
type descriptor struct {
	URLs       urlList `json:"urls"`
	Username   string  `json:"username,omitempty"`
	Credential string  `json:"credential,omitempty"`
}

type urlList []string

func (u *urlList) UnmarshalJSON(b []byte) error {
	var one string
	if err := json.Unmarshal(b, &one); err == nil {
		*u = urlList{one}
		return nil
	}
	var many []string
	if err := json.Unmarshal(b, &many); err != nil {
		return fmt.Errorf("urls must be a string or an array of strings: %w", err)
	}
	*u = many
	return nil
}

// Parse decodes a JSON array of ICE server descriptors, dropping entries
// without URLs.
func Parse(body []byte) ([]webrtc.ICEServer, error) {
	var descs []descriptor
	if err := json.Unmarshal(body, &descs); err != nil {
		return nil, fmt.Errorf("decode relay response: %w", err)
	}
	var out []webrtc.ICEServer
	for _, d := range descs {
		if len(d.URLs) == 0 {
			continue
		}
		s := webrtc.ICEServer{URLs: d.URLs, Username: d.Username}
		if d.Credential != "" {
			s.Credential = d.Credential
		}
		out = append(out, s)
	}
	if len(out) == 0 {
		return nil, ErrNoServers
	}
	return out, nil
}
