// Package trackerhttp implements the HTTP tracker announce/scrape protocol:
// a GET request with raw-binary info_hash/peer_id and a bencoded response
// carrying interval and peers in compact or dict form.
package trackerhttp

import (
	"fmt"
	"net"
	"net/url"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/ccBitTorrent/ccbt-sub001/internal/bencode"
	"github.com/ccBitTorrent/ccbt-sub001/internal/ccerr"
)

// Event mirrors the BEP 3 announce event names as used in the URL query.
type Event string

const (
	EventNone Event = ""
	EventStarted Event = "started"
	EventStopped Event = "stopped"
	EventCompleted Event = "completed"
)

// AnnounceRequest is the input to an HTTP tracker GET announce.
type AnnounceRequest struct {
	URL string
	InfoHash [20]byte
	PeerID [20]byte
	Port uint16
	Uploaded int64
	Downloaded int64
	Left int64
	Event Event
	NumWant int
	Compact bool
}

// Peer is one parsed peer address, from either the compact or dict response form.
type Peer struct {
	IP net.IP
	Port uint16
}

// AnnounceResponse is the decoded bencoded reply.
type AnnounceResponse struct {
	Interval int64
	TrackerID string
	Complete int64
	Incomplete int64
	Peers []Peer
	FailureReason string
}

// Client wraps a resty client for HTTP tracker requests.
type Client struct {
	rc *resty.Client
}

// NewClient builds an HTTP tracker client with sane connect/read timeouts.
func NewClient() *Client {
	rc := resty.New().SetTimeout(30 * time.Second)
	return &Client{rc: rc}
}

// Announce performs the GET announce and parses the bencoded body.
func (c *Client) Announce(req AnnounceRequest) (*AnnounceResponse, error) {
	q := url.Values{}
	q.Set("info_hash", string(req.InfoHash[:]))
	q.Set("peer_id", string(req.PeerID[:]))
	q.Set("port", fmt.Sprintf("%d", req.Port))
	q.Set("uploaded", fmt.Sprintf("%d", req.Uploaded))
	q.Set("downloaded", fmt.Sprintf("%d", req.Downloaded))
	q.Set("left", fmt.Sprintf("%d", req.Left))
	if req.Event != EventNone {
		q.Set("event", string(req.Event))
	}
	if req.NumWant > 0 {
		q.Set("numwant", fmt.Sprintf("%d", req.NumWant))
	}
	if req.Compact {
		q.Set("compact", "1")
	}

	full := req.URL
	if len(q) > 0 {
		sep := "?"
		if containsQuery(req.URL) {
			sep = "&"
		}
		full = req.URL + sep + q.Encode()
	}

	resp, err := c.rc.R().Get(full)
	if err != nil {
		return nil, ccerr.Network("trackerhttp.Announce", err)
	}
	if resp.IsError() {
		return nil, ccerr.Network("trackerhttp.Announce", fmt.Errorf("tracker returned HTTP %d", resp.StatusCode()))
	}

	return parseAnnounceResponse(resp.Body())
}

func containsQuery(raw string) bool {
	for _, c := range raw {
		if c == '?' {
			return true
		}
	}
	return false
}

// denormalize reverses bencode.Unmarshal's generic-destination normalization
// (byte-strings become Go string, nested dicts become map[string]interface{})
// so callers can treat every byte-string as []byte and every nested dict as
// bencode.Dict, matching the shape the wire format actually carries.
func denormalize(v interface{}) interface{} {
	switch t := v.(type) {
	case string:
		return []byte(t)
	case bencode.Dict:
		out := make(bencode.Dict, len(t))
		for k, vv := range t {
			out[k] = denormalize(vv)
		}
		return out
	case map[string]interface{}:
		out := make(bencode.Dict, len(t))
		for k, vv := range t {
			out[k] = denormalize(vv)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, vv := range t {
			out[i] = denormalize(vv)
		}
		return out
	default:
		return v
	}
}

func parseAnnounceResponse(body []byte) (*AnnounceResponse, error) {
	var decoded bencode.Dict
	if err := bencode.Unmarshal(body, &decoded); err != nil {
		return nil, ccerr.Protocol("trackerhttp.parseAnnounceResponse", fmt.Errorf("bencode: %w", err))
	}
	raw, ok := denormalize(decoded).(bencode.Dict)
	if !ok {
		return nil, ccerr.Protocol("trackerhttp.parseAnnounceResponse", fmt.Errorf("top-level value is not a dict"))
	}

	out := &AnnounceResponse{}
	if reason, ok := toStr(raw["failure reason"]); ok {
		out.FailureReason = reason
		return out, ccerr.Network("trackerhttp.parseAnnounceResponse", fmt.Errorf("tracker failure: %s", reason))
	}
	if iv, ok := toInt64(raw["interval"]); ok {
		out.Interval = iv
	}
	if tid, ok := toStr(raw["tracker id"]); ok {
		out.TrackerID = tid
	}
	if c, ok := toInt64(raw["complete"]); ok {
		out.Complete = c
	}
	if ic, ok := toInt64(raw["incomplete"]); ok {
		out.Incomplete = ic
	}

	switch peers := raw["peers"].(type) {
	case []byte: // compact form: 6-byte (IPv4, port) tuples
		blob := peers
		usable := len(blob) - (len(blob) % 6)
		for i := 0; i+6 <= usable; i += 6 {
			ip := net.IPv4(blob[i], blob[i+1], blob[i+2], blob[i+3])
			port := uint16(blob[i+4])<<8 | uint16(blob[i+5])
			if ip.Equal(net.IPv4zero) || port == 0 {
				continue
			}
			out.Peers = append(out.Peers, Peer{IP: ip, Port: port})
		}
	case []interface{}: // dict form: list of {peer id, ip, port}
		for _, item := range peers {
			d, ok := item.(bencode.Dict)
			if !ok {
				continue
			}
			ipStr, _ := toStr(d["ip"])
			ip := net.ParseIP(ipStr)
			if ip == nil {
				continue
			}
			port, _ := toInt64(d["port"])
			out.Peers = append(out.Peers, Peer{IP: ip, Port: uint16(port)})
		}
	}
	return out, nil
}

func toInt64(v interface{}) (int64, bool) {
	switch n := v.(type) {
	case int64:
		return n, true
	case int:
		return int64(n), true
	default:
		return 0, false
	}
}

func toStr(v interface{}) (string, bool) {
	switch s := v.(type) {
	case []byte:
		return string(s), true
	case string:
		return s, true
	default:
		return "", false
	}
}
