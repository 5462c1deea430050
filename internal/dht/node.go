package dht

import (
	"context"
	"encoding/hex"
	"fmt"
	"log"
	"net"
	"sync"
	"time"

	"github.com/ccBitTorrent/ccbt-sub001/internal/bencode"
	"github.com/ccBitTorrent/ccbt-sub001/internal/ccerr"
)

const (
	requestTimeout = 5 * time.Second
	alpha = 3 // concurrent outstanding queries per lookup
)

// Node is a local DHT participant: owns one UDP socket, the routing table,
// and in-flight transaction bookkeeping.
type Node struct {
	ID NodeID
	conn *net.UDPConn
	Routing *RoutingTable

	mu sync.Mutex
	pending map[string]chan *krpcMessage // hex(txn) -> reply channel

	tokenMu sync.Mutex
	tokensIssued map[string][]byte // peer addr -> token we issued them (for announce_peer validation)
	tokensSeen map[string][]byte // peer addr -> token they gave us (for our announce_peer calls)

	announceMu sync.Mutex
	announced map[[20]byte][]*net.UDPAddr // info_hash -> peers that announced to us

	// PeerStore receives parsed get_peers results, handed to the announce
	// controller.
	PeerStore func(infoHash [20]byte, addrs []*net.UDPAddr)
}

// NewNode binds a UDP socket on listenAddr and starts the receive loop.
func NewNode(listenAddr string, id NodeID) (*Node, error) {
	addr, err := net.ResolveUDPAddr("udp", listenAddr)
	if err != nil {
		return nil, ccerr.Network("dht.NewNode", err)
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return nil, ccerr.Network("dht.NewNode", err)
	}
	n := &Node{
		ID: id,
		conn: conn,
		Routing: NewRoutingTable(id),
		pending: make(map[string]chan *krpcMessage),
		tokensIssued: make(map[string][]byte),
		tokensSeen: make(map[string][]byte),
		announced: make(map[[20]byte][]*net.UDPAddr),
	}
	go n.recvLoop()
	return n, nil
}

func (n *Node) Close() error { return n.conn.Close() }

func (n *Node) recvLoop() {
	buf := make([]byte, 2048)
	for {
		nRead, addr, err := n.conn.ReadFromUDP(buf)
		if err != nil {
			return // socket closed
		}
		data := append([]byte(nil), buf[:nRead]...)
		go n.handleIncoming(data, addr)
	}
}

func (n *Node) handleIncoming(data []byte, addr *net.UDPAddr) {
	msg, err := decodeKRPC(data)
	if err != nil {
		log.Printf("[dht] malformed KRPC from %s: %v", addr, err)
		return
	}
	switch msg.Type {
	case typeQuery:
		n.handleQuery(msg, addr)
	case typeResponse, typeError:
		n.mu.Lock()
		ch, ok := n.pending[hex.EncodeToString(msg.Txn)]
		n.mu.Unlock()
		if ok {
			select {
			case ch <- msg:
			default:
			}
		}
	}
}

func (n *Node) handleQuery(msg *krpcMessage, addr *net.UDPAddr) {
	switch msg.Query {
	case queryPing:
		n.reply(msg.Txn, addr, bencode.Dict{"id": n.ID[:]})
	case queryFindNode:
		target, _ := msg.Args["target"].([]byte)
		var t NodeID
		copy(t[:], target)
		closest := n.Routing.Closest(t, bucketSize)
		n.reply(msg.Txn, addr, bencode.Dict{"id": n.ID[:], "nodes": compactNodes(closest)})
	case queryGetPeers:
		ih, _ := msg.Args["info_hash"].([]byte)
		token := n.issueToken(addr)
		ret := bencode.Dict{"id": n.ID[:], "token": token}
		var idArr [20]byte
		copy(idArr[:], ih)
		if peers := n.announcedPeers(idArr); len(peers) > 0 {
			ret["values"] = compactPeerList(peers)
		} else {
			closest := n.Routing.Closest(idArr, bucketSize)
			ret["nodes"] = compactNodes(closest)
		}
		n.reply(msg.Txn, addr, ret)
	case queryAnnouncePeer:
		token, _ := msg.Args["token"].([]byte)
		if !n.validToken(addr, token) {
			errData, _ := encodeError(msg.Txn, 203, "bad token")
			n.conn.WriteToUDP(errData, addr)
			return
		}
		ih, _ := msg.Args["info_hash"].([]byte)
		var idArr [20]byte
		copy(idArr[:], ih)
		port := addr.Port
		if impliedPort, ok := msg.Args["implied_port"].(int64); !ok || impliedPort == 0 {
			if p, ok := msg.Args["port"].(int64); ok {
				port = int(p)
			}
		}
		n.recordAnnounce(idArr, &net.UDPAddr{IP: addr.IP, Port: port})
		n.reply(msg.Txn, addr, bencode.Dict{"id": n.ID[:]})
	default:
		errData, _ := encodeError(msg.Txn, 204, "method unknown")
		n.conn.WriteToUDP(errData, addr)
	}

	var id NodeID
	if idRaw, ok := msg.Args["id"].([]byte); ok {
		copy(id[:], idRaw)
		n.Routing.Insert(NodeInfo{ID: id, Addr: addr, LastSeen: time.Now(), Status: StatusGood})
	}
}

// recordAnnounce remembers that addr announced itself as a peer for
// infoHash, so a later get_peers query for the same info_hash can answer
// with "values" instead of just closer nodes.
func (n *Node) recordAnnounce(infoHash [20]byte, addr *net.UDPAddr) {
	n.announceMu.Lock()
	defer n.announceMu.Unlock()
	peers := n.announced[infoHash]
	for _, p := range peers {
		if p.IP.Equal(addr.IP) && p.Port == addr.Port {
			return
		}
	}
	n.announced[infoHash] = append(peers, addr)
}

func (n *Node) announcedPeers(infoHash [20]byte) []*net.UDPAddr {
	n.announceMu.Lock()
	defer n.announceMu.Unlock()
	out := make([]*net.UDPAddr, len(n.announced[infoHash]))
	copy(out, n.announced[infoHash])
	return out
}

func (n *Node) reply(txn []byte, addr *net.UDPAddr, ret bencode.Dict) {
	data, err := encodeResponse(txn, ret)
	if err != nil {
		return
	}
	n.conn.WriteToUDP(data, addr)
}

func (n *Node) issueToken(addr *net.UDPAddr) []byte {
	n.tokenMu.Lock()
	defer n.tokenMu.Unlock()
	tok := newTransactionID() // 2 random bytes is sufficient entropy for a short-lived token
	n.tokensIssued[addr.String()] = tok
	return tok
}

func (n *Node) validToken(addr *net.UDPAddr, token []byte) bool {
	n.tokenMu.Lock()
	defer n.tokenMu.Unlock()
	want, ok := n.tokensIssued[addr.String()]
	if !ok {
		return false
	}
	if len(want) != len(token) {
		return false
	}
	for i := range want {
		if want[i] != token[i] {
			return false
		}
	}
	return true
}

// query sends a KRPC query and waits for a matching response or ctx deadline.
func (n *Node) query(ctx context.Context, addr *net.UDPAddr, q query, args bencode.Dict) (*krpcMessage, error) {
	txn := newTransactionID()
	args["id"] = n.ID[:]
	data, err := encodeQuery(txn, q, args)
	if err != nil {
		return nil, err
	}

	ch := make(chan *krpcMessage, 1)
	key := hex.EncodeToString(txn)
	n.mu.Lock()
	n.pending[key] = ch
	n.mu.Unlock()
	defer func() {
		n.mu.Lock()
		delete(n.pending, key)
		n.mu.Unlock()
	}()

	if _, err := n.conn.WriteToUDP(data, addr); err != nil {
		return nil, ccerr.Network("dht.query", err)
	}

	timeoutCtx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()
	select {
	case msg := <-ch:
		if msg.Type == typeError {
			return nil, ccerr.Network("dht.query", fmt.Errorf("dht error %d: %s", msg.ErrCode, msg.ErrMsg))
		}
		return msg, nil
	case <-timeoutCtx.Done():
		return nil, ccerr.Network("dht.query", fmt.Errorf("timeout waiting for %s reply from %s", q, addr))
	}
}

func (n *Node) Ping(ctx context.Context, addr *net.UDPAddr) error {
	_, err := n.query(ctx, addr, queryPing, bencode.Dict{})
	return err
}

func (n *Node) findNode(ctx context.Context, addr *net.UDPAddr, target NodeID) ([]NodeInfo, error) {
	resp, err := n.query(ctx, addr, queryFindNode, bencode.Dict{"target": target[:]})
	if err != nil {
		return nil, err
	}
	nodesBlob, _ := resp.Return["nodes"].([]byte)
	return parseCompactNodes(nodesBlob), nil
}

// getPeersResult carries either peer addresses or closer nodes, plus the
// token needed for a subsequent announce_peer.
type getPeersResult struct {
	Peers []*net.UDPAddr
	Nodes []NodeInfo
	Token []byte
}

func (n *Node) getPeers(ctx context.Context, addr *net.UDPAddr, infoHash [20]byte) (*getPeersResult, error) {
	resp, err := n.query(ctx, addr, queryGetPeers, bencode.Dict{"info_hash": infoHash[:]})
	if err != nil {
		return nil, err
	}
	res := &getPeersResult{}
	if tok, ok := resp.Return["token"].([]byte); ok {
		res.Token = tok
		n.tokenMu.Lock()
		n.tokensSeen[addr.String()] = tok
		n.tokenMu.Unlock()
	}
	if values, ok := resp.Return["values"].([]interface{}); ok {
		for _, v := range values {
			if b, ok := v.([]byte); ok {
				if a, ok := parseCompactPeer(b); ok {
					res.Peers = append(res.Peers, a)
				}
			}
		}
	}
	if nodesBlob, ok := resp.Return["nodes"].([]byte); ok {
		res.Nodes = parseCompactNodes(nodesBlob)
	}
	return res, nil
}

// AnnouncePeer sends announce_peer to addr using the token obtained from
// that peer's earlier get_peers reply.
func (n *Node) AnnouncePeer(ctx context.Context, addr *net.UDPAddr, infoHash [20]byte, port int) error {
	n.tokenMu.Lock()
	token, ok := n.tokensSeen[addr.String()]
	n.tokenMu.Unlock()
	if !ok {
		return ccerr.Protocol("dht.AnnouncePeer", fmt.Errorf("no get_peers token cached for %s", addr))
	}
	_, err := n.query(ctx, addr, queryAnnouncePeer, bencode.Dict{
			"info_hash": infoHash[:],
			"port": int64(port),
			"token": token,
			"implied_port": int64(0),
	})
	return err
}

// Bootstrap seeds the routing table from a known-good node address.
func (n *Node) Bootstrap(ctx context.Context, addr *net.UDPAddr) error {
	nodes, err := n.findNode(ctx, addr, n.ID)
	if err != nil {
		return err
	}
	for _, node := range nodes {
		n.Routing.Insert(NodeInfo{ID: node.ID, Addr: node.Addr, LastSeen: time.Now(), Status: StatusQuestionable})
	}
	return nil
}
