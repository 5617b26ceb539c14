package tracker

import (
	"encoding/binary"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/yoep/popcorn-fx-torrent-engine/core"
)

// fakeUDPTracker answers every connect and announce request with canned
// responses, enough to exercise UDPClient's framing without a real
// tracker.
func fakeUDPTracker(t *testing.T, connectionID uint64, seeders, leechers uint32, peers []Peer) *net.UDPConn {
	t.Helper()
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.ParseIP("127.0.0.1")})
	require.NoError(t, err)

	go func() {
		buf := make([]byte, 4096)
		for {
			n, addr, err := conn.ReadFromUDP(buf)
			if err != nil {
				return
			}
			action := binary.BigEndian.Uint32(buf[8:12])
			txID := binary.BigEndian.Uint32(buf[12:16])
			switch action {
			case udpActionConnect:
				resp := make([]byte, 16)
				binary.BigEndian.PutUint32(resp[0:4], udpActionConnect)
				binary.BigEndian.PutUint32(resp[4:8], txID)
				binary.BigEndian.PutUint64(resp[8:16], connectionID)
				conn.WriteToUDP(resp, addr)
			case udpActionAnnounce:
				body := encodeCompactPeers4(peers)
				resp := make([]byte, 20+len(body))
				binary.BigEndian.PutUint32(resp[0:4], udpActionAnnounce)
				binary.BigEndian.PutUint32(resp[4:8], txID)
				binary.BigEndian.PutUint32(resp[8:12], 1800)
				binary.BigEndian.PutUint32(resp[12:16], leechers)
				binary.BigEndian.PutUint32(resp[16:20], seeders)
				copy(resp[20:], body)
				conn.WriteToUDP(resp, addr)
			default:
				_ = n
			}
		}
	}()
	return conn
}

func TestUDPClientAnnounce(t *testing.T) {
	peers := []Peer{{IP: []byte{192, 168, 1, 1}, Port: 6881}}
	srv := fakeUDPTracker(t, 0xdeadbeefcafebabe, 5, 2, peers)
	defer srv.Close()

	url := "udp://" + srv.LocalAddr().String() + "/announce"
	c, err := NewUDPClient(url, UDPClientConfig{InitialTimeout: 2 * time.Second})
	require.NoError(t, err)
	defer c.Close()

	peerID, err := core.RandomPeerID()
	require.NoError(t, err)

	resp, err := c.Announce(AnnounceRequest{
		InfoHash: core.NewInfoHashV1FromBytes([]byte("x")),
		PeerID:   peerID,
		Port:     6881,
		Left:     10,
	})
	require.NoError(t, err)
	require.Equal(t, 5, resp.Seeders)
	require.Equal(t, 2, resp.Leechers)
	require.Len(t, resp.Peers, 1)
	require.True(t, resp.Peers[0].IP.Equal(net.IP(peers[0].IP)))
}

func TestUDPClientTimeoutsDoubling(t *testing.T) {
	c := &UDPClient{config: UDPClientConfig{InitialTimeout: 15 * time.Second, MaxRetries: 3}}
	timeouts := c.timeouts()
	require.Equal(t, []time.Duration{
		15 * time.Second, 30 * time.Second, 60 * time.Second, 120 * time.Second,
	}, timeouts)
}
