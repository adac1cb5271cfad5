package netx

import (
	"net"
	"testing"
)

func TestParseCIDRSet(t *testing.T) {
	set, err := ParseCIDRSet([]string{"10.0.0.0/8", " 192.168.1.50 ", "", "2001:db8::/32"})
	if err != nil {
		t.Fatal(err)
	}

	cases := []struct {
		ip   string
		want bool
	}{
		{"10.1.2.3", true},
		{"192.168.1.50", true},
		{"192.168.1.51", false},
		{"2001:db8::1", true},
		{"11.0.0.1", false},
	}
	for _, c := range cases {
		if got := set.Contains(net.ParseIP(c.ip)); got != c.want {
			t.Fatalf("%s: expected %v, got %v", c.ip, c.want, got)
		}
	}

	if _, err := ParseCIDRSet([]string{"not-an-ip"}); err == nil {
		t.Fatal("expected error for garbage entry")
	}
}

func TestClientIPTrustedPeer(t *testing.T) {
	set, err := ParseCIDRSet([]string{"10.0.0.0/8"})
	if err != nil {
		t.Fatal(err)
	}

	// trusted peer: left-most forwarded-for entry wins
	if got := set.ClientIP("10.0.0.5:443", "203.0.113.9, 10.0.0.5", ""); got != "203.0.113.9" {
		t.Fatalf("expected forwarded client, got %q", got)
	}

	// trusted peer without XFF falls back to X-Real-Ip
	if got := set.ClientIP("10.0.0.5:443", "", "198.51.100.7"); got != "198.51.100.7" {
		t.Fatalf("expected real-ip fallback, got %q", got)
	}

	// garbage XFF from a trusted peer falls through to the peer address
	if got := set.ClientIP("10.0.0.5:443", "unparseable", ""); got != "10.0.0.5" {
		t.Fatalf("expected peer address, got %q", got)
	}
}

func TestClientIPUntrustedPeerIgnoresHeaders(t *testing.T) {
	set, err := ParseCIDRSet([]string{"10.0.0.0/8"})
	if err != nil {
		t.Fatal(err)
	}

	if got := set.ClientIP("203.0.113.9:50123", "1.2.3.4", "5.6.7.8"); got != "203.0.113.9" {
		t.Fatalf("untrusted peer must not spoof via headers, got %q", got)
	}
}

func TestClientIPEmptyTrustSet(t *testing.T) {
	set, err := ParseCIDRSet(nil)
	if err != nil {
		t.Fatal(err)
	}
	if got := set.ClientIP("203.0.113.9:50123", "1.2.3.4", ""); got != "203.0.113.9" {
		t.Fatalf("empty trust set must use the peer address, got %q", got)
	}
	// bare address without a port still resolves
	if got := set.ClientIP("203.0.113.9", "", ""); got != "203.0.113.9" {
		t.Fatalf("expected bare address passthrough, got %q", got)
	}
}
