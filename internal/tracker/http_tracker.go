package tracker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/netip"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/jackpal/bencode-go"
)

var ErrTrackerFailure = errors.New("tracker: announce failure")

// maxResponseSize bounds how much of an announce response is read.
const maxResponseSize = 2 << 20

type httpTracker struct {
	baseURL *url.URL
	client  *http.Client
	ipv6    bool
	log     *slog.Logger

	mu        sync.Mutex
	trackerID string
}

func newHTTPTracker(u *url.URL, ipv6 bool, log *slog.Logger) *httpTracker {
	t := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		MaxIdleConns:          100,
		IdleConnTimeout:       30 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: 15 * time.Second,
	}

	return &httpTracker{
		baseURL: u,
		client:  &http.Client{Transport: t, Timeout: 30 * time.Second},
		ipv6:    ipv6,
		log:     log.With("type", "http"),
	}
}

func (ht *httpTracker) announce(ctx context.Context, params *AnnounceParams) (*AnnounceResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ht.buildAnnounceURL(params), nil)
	if err != nil {
		return nil, err
	}

	resp, err := ht.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, fmt.Errorf("tracker: announce returned status %d: %s", resp.StatusCode, body)
	}

	r, trackerID, err := parseAnnounceResponse(io.LimitReader(resp.Body, maxResponseSize), ht.ipv6)
	if err != nil {
		return nil, err
	}

	if trackerID != "" {
		ht.mu.Lock()
		ht.trackerID = trackerID
		ht.mu.Unlock()
	}

	ht.log.Debug("announce response", "peers", len(r.Peers), "interval", r.Interval)
	return r, nil
}

func (ht *httpTracker) close() error {
	ht.client.CloseIdleConnections()
	return nil
}

func (ht *httpTracker) buildAnnounceURL(params *AnnounceParams) string {
	u := *ht.baseURL
	q := u.Query()

	q.Set("info_hash", string(params.InfoHash[:]))
	q.Set("peer_id", string(params.PeerID[:]))
	q.Set("port", strconv.Itoa(int(params.Port)))
	q.Set("uploaded", strconv.FormatUint(params.Uploaded, 10))
	q.Set("downloaded", strconv.FormatUint(params.Downloaded, 10))
	q.Set("left", strconv.FormatUint(params.Left, 10))
	q.Set("compact", "1")

	if params.NumWant > 0 {
		q.Set("numwant", strconv.Itoa(int(params.NumWant)))
	}
	if params.Event != EventNone {
		q.Set("event", params.Event.String())
	}

	ht.mu.Lock()
	if ht.trackerID != "" {
		q.Set("trackerid", ht.trackerID)
	}
	ht.mu.Unlock()

	u.RawQuery = q.Encode()
	return u.String()
}

func parseAnnounceResponse(r io.Reader, ipv6 bool) (*AnnounceResponse, string, error) {
	raw, err := bencode.Decode(r)
	if err != nil {
		return nil, "", fmt.Errorf("tracker: decode response: %w", err)
	}

	dict, ok := raw.(map[string]any)
	if !ok {
		return nil, "", fmt.Errorf("tracker: announce expected dict but got %T", raw)
	}

	if failure, ok := dict["failure reason"].(string); ok {
		return nil, "", fmt.Errorf("%w: %s", ErrTrackerFailure, failure)
	}

	interval, ok := dict["interval"].(int64)
	if !ok {
		return nil, "", errors.New("tracker: interval missing")
	}

	var peers []netip.AddrPort
	if v, ok := dict["peers"]; ok {
		ps, err := decodePeers(v, false)
		if err != nil {
			return nil, "", fmt.Errorf("tracker: invalid peers: %w", err)
		}
		peers = ps
	}

	if v6, ok := dict["peers6"]; ok && ipv6 {
		ps, err := decodePeers(v6, true)
		if err != nil {
			return nil, "", fmt.Errorf("tracker: invalid peers6: %w", err)
		}
		peers = append(peers, ps...)
	}

	seeders, _ := dict["complete"].(int64)
	leechers, _ := dict["incomplete"].(int64)
	trackerID, _ := dict["tracker id"].(string)

	return &AnnounceResponse{
		Interval: time.Duration(interval) * time.Second,
		Seeders:  seeders,
		Leechers: leechers,
		Peers:    peers,
	}, trackerID, nil
}
