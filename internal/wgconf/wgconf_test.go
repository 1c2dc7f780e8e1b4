package wgconf

import (
	"errors"
	"strings"
	"testing"
)

const multiPeer = `
# managed by wgkeeper
[Interface]
PrivateKey = cHJpdmF0ZQ==
Address = 10.10.0.5/32

[Peer]
PublicKey = relayA=
AllowedIPs = 10.10.0.0/24
Endpoint = 203.0.113.10:51820  # primary
PersistentKeepalive = 25

[Peer]
publickey = relayB=
AllowedIPs = 10.20.0.0/24

[Peer]
PublicKey = relayA=
AllowedIPs = 10.30.0.0/24
`

func TestParse(t *testing.T) {
	doc, err := Parse(strings.NewReader(multiPeer))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}

	iface, ok := doc.Interface()
	if !ok {
		t.Fatal("Interface section not found")
	}
	if addr, _ := iface.Get("address"); addr != "10.10.0.5/32" {
		t.Errorf("Address = %q, want 10.10.0.5/32", addr)
	}

	if n := len(doc.Peers()); n != 3 {
		t.Fatalf("Expected 3 peers, got %d", n)
	}
	peer, ok := doc.PeerByKey("relayB=")
	if !ok {
		t.Fatal("Case-insensitive PublicKey lookup failed")
	}
	if v, _ := peer.Get(KeyAllowedIPs); v != "10.20.0.0/24" {
		t.Errorf("AllowedIPs = %q", v)
	}

	first, _ := doc.PeerByKey("relayA=")
	if v, _ := first.Get(KeyEndpoint); v != "203.0.113.10:51820" {
		t.Errorf("Inline comment not stripped: Endpoint = %q", v)
	}
}

func TestParseErrors(t *testing.T) {
	tests := map[string]string{
		"entry before section": "Address = 10.0.0.1/32\n[Interface]\n",
		"missing equals":       "[Interface]\nAddress\n",
		"unterminated header":  "[Interface\n",
	}
	for name, input := range tests {
		t.Run(name, func(t *testing.T) {
			if _, err := Parse(strings.NewReader(input)); !errors.Is(err, ErrSyntax) {
				t.Errorf("Expected ErrSyntax, got %v", err)
			}
		})
	}
}

func TestRemovePeersMultiPeer(t *testing.T) {
	doc, err := Parse(strings.NewReader(multiPeer))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}

	if n := doc.RemovePeers("relayA="); n != 2 {
		t.Fatalf("RemovePeers removed %d sections, want 2", n)
	}
	if _, ok := doc.PeerByKey("relayA="); ok {
		t.Error("relayA= still present")
	}
	if _, ok := doc.PeerByKey("relayB="); !ok {
		t.Error("relayB= was removed too")
	}
	if _, ok := doc.Interface(); !ok {
		t.Error("Interface section was removed")
	}
	if n := doc.RemovePeers("unknown="); n != 0 {
		t.Errorf("RemovePeers on unknown key removed %d", n)
	}
}

func TestStringRoundTrip(t *testing.T) {
	doc := Document{Sections: []Section{
		{Name: SectionInterface, Entries: []Entry{{KeyPrivateKey, "priv"}, {KeyAddress, "10.10.0.5/32"}}},
		{Name: SectionPeer, Entries: []Entry{{KeyPublicKey, "pub"}, {KeyAllowedIPs, "10.10.0.0/24"}}},
	}}

	want := "[Interface]\nPrivateKey = priv\nAddress = 10.10.0.5/32\n\n[Peer]\nPublicKey = pub\nAllowedIPs = 10.10.0.0/24\n"
	if got := doc.String(); got != want {
		t.Fatalf("String() =\n%s\nwant\n%s", got, want)
	}

	parsed, err := Parse(strings.NewReader(doc.String()))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if parsed.String() != want {
		t.Errorf("Round trip changed document:\n%s", parsed.String())
	}
}

func TestSectionSet(t *testing.T) {
	s := Section{Name: SectionInterface, Entries: []Entry{{"address", "10.0.0.1/32"}}}
	s.Set(KeyAddress, "10.0.0.2/32")
	s.Set(KeyPrivateKey, "priv")

	if len(s.Entries) != 2 {
		t.Fatalf("Expected 2 entries, got %d", len(s.Entries))
	}
	if v, _ := s.Get(KeyAddress); v != "10.0.0.2/32" {
		t.Errorf("Address = %q", v)
	}
}
