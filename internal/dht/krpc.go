package dht

import (
	"crypto/rand"
	"fmt"
	"net"

	"github.com/ccBitTorrent/ccbt-sub001/internal/bencode"
	"github.com/ccBitTorrent/ccbt-sub001/internal/ccerr"
)

// messageType is the KRPC "y" field.
type messageType string

const (
	typeQuery messageType = "q"
	typeResponse messageType = "r"
	typeError messageType = "e"
)

// query is the KRPC "q" field naming the remote procedure.
type query string

const (
	queryPing query = "ping"
	queryFindNode query = "find_node"
	queryGetPeers query = "get_peers"
	queryAnnouncePeer query = "announce_peer"
)

func newTransactionID() []byte {
	b := make([]byte, 2)
	_, _ = rand.Read(b)
	return b
}

// encodeQuery bencodes a KRPC query message.
func encodeQuery(txn []byte, q query, args bencode.Dict) ([]byte, error) {
	msg := bencode.Dict{
		"t": txn,
		"y": string(typeQuery),
		"q": string(q),
		"a": args,
	}
	return bencode.Marshal(msg)
}

func encodeResponse(txn []byte, ret bencode.Dict) ([]byte, error) {
	msg := bencode.Dict{
		"t": txn,
		"y": string(typeResponse),
		"r": ret,
	}
	return bencode.Marshal(msg)
}

func encodeError(txn []byte, code int, message string) ([]byte, error) {
	msg := bencode.Dict{
		"t": txn,
		"y": string(typeError),
		"e": []interface{}{int64(code), message},
	}
	return bencode.Marshal(msg)
}

// krpcMessage is the generically-decoded envelope of any KRPC message.
type krpcMessage struct {
	Txn []byte
	Type messageType
	Query query
	Args bencode.Dict
	Return bencode.Dict
	ErrCode int
	ErrMsg string
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

func decodeKRPC(data []byte) (*krpcMessage, error) {
	var raw bencode.Dict
	if err := bencode.Unmarshal(data, &raw); err != nil {
		return nil, ccerr.Protocol("dht.decodeKRPC", fmt.Errorf("bencode: %w", err))
	}
	d, ok := denormalize(raw).(bencode.Dict)
	if !ok {
		return nil, ccerr.Protocol("dht.decodeKRPC", fmt.Errorf("top-level value is not a dict"))
	}
	m := &krpcMessage{}
	if t, ok := d["t"].([]byte); ok {
		m.Txn = t
	}
	y, _ := d["y"].([]byte)
	m.Type = messageType(y)
	switch m.Type {
	case typeQuery:
		if q, ok := d["q"].([]byte); ok {
			m.Query = query(q)
		}
		if a, ok := d["a"].(bencode.Dict); ok {
			m.Args = a
		}
	case typeResponse:
		if r, ok := d["r"].(bencode.Dict); ok {
			m.Return = r
		}
	case typeError:
		if e, ok := d["e"].([]interface{}); ok && len(e) == 2 {
			if code, ok := e[0].(int64); ok {
				m.ErrCode = int(code)
			}
			if msg, ok := e[1].([]byte); ok {
				m.ErrMsg = string(msg)
			}
		}
	default:
		return nil, ccerr.Protocol("dht.decodeKRPC", fmt.Errorf("unknown message type %q", y))
	}
	return m, nil
}

// compactNodes packs a list of NodeInfo into BEP 5's 26-byte-per-node form
// (20-byte node id + 4-byte IPv4 + 2-byte port).
func compactNodes(nodes []NodeInfo) []byte {
	out := make([]byte, 0, 26*len(nodes))
	for _, n := range nodes {
		if n.Addr == nil || n.Addr.IP.To4() == nil {
			continue
		}
		out = append(out, n.ID[:]...)
		out = append(out, n.Addr.IP.To4()...)
		out = append(out, byte(n.Addr.Port>>8), byte(n.Addr.Port))
	}
	return out
}

func parseCompactNodes(blob []byte) []NodeInfo {
	var out []NodeInfo
	usable := len(blob) - (len(blob) % 26)
	for i := 0; i+26 <= usable; i += 26 {
		var id NodeID
		copy(id[:], blob[i:i+20])
		ip := net.IPv4(blob[i+20], blob[i+21], blob[i+22], blob[i+23])
		port := int(blob[i+24])<<8 | int(blob[i+25])
		out = append(out, NodeInfo{ID: id, Addr: &net.UDPAddr{IP: ip, Port: port}})
	}
	return out
}

// compactPeerList packs peer addresses into BEP 23's 6-byte tuples.
func compactPeerList(addrs []*net.UDPAddr) []interface{} {
	out := make([]interface{}, 0, len(addrs))
	for _, a := range addrs {
		ip4 := a.IP.To4()
		if ip4 == nil {
			continue
		}
		b := make([]byte, 6)
		copy(b, ip4)
		b[4] = byte(a.Port >> 8)
		b[5] = byte(a.Port)
		out = append(out, b)
	}
	return out
}

func parseCompactPeer(blob []byte) (*net.UDPAddr, bool) {
	if len(blob) != 6 {
		return nil, false
	}
	ip := net.IPv4(blob[0], blob[1], blob[2], blob[3])
	port := int(blob[4])<<8 | int(blob[5])
	return &net.UDPAddr{IP: ip, Port: port}, true
}
