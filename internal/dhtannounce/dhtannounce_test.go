package dhtannounce

import "testing"

func TestParsePeersDecodesCompactEntries(t *testing.T) {
	compact := []string{
		string([]byte{192, 168, 1, 1, 0x1A, 0xE1}),
		string([]byte{10, 0, 0, 1}), // malformed, too short, must be skipped
	}
	peers := parsePeers(compact)
	if len(peers) != 1 {
		t.Fatalf("expected 1 peer, got %d", len(peers))
	}
	if peers[0].IP.String() != "192.168.1.1" {
		t.Fatalf("unexpected ip: %v", peers[0].IP)
	}
	if peers[0].Port != 0x1AE1 {
		t.Fatalf("unexpected port: %d", peers[0].Port)
	}
}

func TestJoinRoutersComma(t *testing.T) {
	got := joinRouters([]string{"router.bittorrent.com", "dht.transmissionbt.com"})
	want := "router.bittorrent.com,dht.transmissionbt.com"
	if got != want {
		t.Fatalf("got %q want %q", got, want)
	}
}
