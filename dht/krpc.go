package dht

import (
	"crypto/rand"
	"encoding/binary"
	"errors"
	"net"
	"strconv"

	"github.com/anacrolix/dht/v2/krpc"
	"github.com/anacrolix/torrent/bencode"
)

const (
	compactNodeLen  = 26
	compactPeer4Len = 6
	compactPeer6Len = 18
)

// Msg is one KRPC datagram.
type Msg struct {
	T string      `bencode:"t"`
	Y string      `bencode:"y"`
	Q string      `bencode:"q,omitempty"`
	A *MsgArgs    `bencode:"a,omitempty"`
	R *Return     `bencode:"r,omitempty"`
	E *krpc.Error `bencode:"e,omitempty"`
	V string      `bencode:"v,omitempty"`
}

type MsgArgs struct {
	ID          string `bencode:"id"`
	Target      string `bencode:"target,omitempty"`
	InfoHash    string `bencode:"info_hash,omitempty"`
	Token       string `bencode:"token,omitempty"`
	Port        int    `bencode:"port,omitempty"`
	ImpliedPort int    `bencode:"implied_port,omitempty"`
}

type Return struct {
	ID     string   `bencode:"id"`
	Nodes  string   `bencode:"nodes,omitempty"`
	Token  string   `bencode:"token,omitempty"`
	Values []string `bencode:"values,omitempty"`
}

var errShortID = errors.New("node id must be 20 bytes")

func encodeMsg(m *Msg) ([]byte, error) {
	return bencode.Marshal(m)
}

func decodeMsg(b []byte) (*Msg, error) {
	var m Msg
	if err := bencode.Unmarshal(b, &m); err != nil {
		return nil, err
	}
	return &m, nil
}

// Node is a DHT participant. ID is zero for bootstrap routers we have not
// heard from yet.
type Node struct {
	ID   krpc.ID
	Addr *net.UDPAddr
}

func (n Node) Key() string {
	return n.Addr.String()
}

func idFromString(s string) (id krpc.ID, err error) {
	if len(s) != len(id) {
		return id, errShortID
	}
	copy(id[:], s)
	return id, nil
}

func randomID() (id krpc.ID) {
	if _, err := rand.Read(id[:]); err != nil {
		panic(err)
	}
	return
}

// neighbourID returns an id sharing its first 15 bytes with target, so the
// remote node files us close to whatever it asked about.
func neighbourID(target string, own krpc.ID) string {
	if len(target) < 15 {
		return string(own[:])
	}
	return target[:15] + string(own[15:])
}

// decodeNodes parses compact IPv4 node info.
func decodeNodes(s string) []Node {
	var out []Node
	for i := 0; i+compactNodeLen <= len(s); i += compactNodeLen {
		b := s[i : i+compactNodeLen]
		port := binary.BigEndian.Uint16([]byte(b[24:26]))
		if port == 0 {
			continue
		}
		var n Node
		copy(n.ID[:], b[:20])
		n.Addr = &net.UDPAddr{IP: net.IP([]byte(b[20:24])), Port: int(port)}
		out = append(out, n)
	}
	return out
}

func encodeNodes(nodes []Node) string {
	b := make([]byte, 0, len(nodes)*compactNodeLen)
	for _, n := range nodes {
		ip4 := n.Addr.IP.To4()
		if ip4 == nil {
			continue
		}
		b = append(b, n.ID[:]...)
		b = append(b, ip4...)
		b = binary.BigEndian.AppendUint16(b, uint16(n.Addr.Port))
	}
	return string(b)
}

// decodePeer parses one compact peer entry into host:port form.
func decodePeer(s string) (string, bool) {
	var ip net.IP
	switch len(s) {
	case compactPeer4Len:
		ip = net.IP([]byte(s[:4]))
	case compactPeer6Len:
		ip = net.IP([]byte(s[:16]))
	default:
		return "", false
	}
	port := binary.BigEndian.Uint16([]byte(s[len(s)-2:]))
	if port == 0 {
		return "", false
	}
	addr := krpc.NodeAddr{IP: ip, Port: int(port)}
	return net.JoinHostPort(addr.IP.String(), strconv.Itoa(addr.Port)), true
}

func encodePeer(addr *net.UDPAddr) string {
	ip := addr.IP.To4()
	if ip == nil {
		ip = addr.IP.To16()
	}
	b := append([]byte(nil), ip...)
	b = binary.BigEndian.AppendUint16(b, uint16(addr.Port))
	return string(b)
}
