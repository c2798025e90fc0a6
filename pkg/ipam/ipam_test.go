package ipam

import (
	"errors"
	"net"
	"testing"

	"github.com/nvcore/northd/pkg/util"
)

func TestNewSwitchReservesFirstAddress(t *testing.T) {
	sw, err := NewSwitch("sw0", "192.168.1.0/24", "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !sw.Taken(net.ParseIP("192.168.1.1")) {
		t.Fatalf("expected the first usable address to be pre-claimed for the router port")
	}
	if sw.HostCount != 255 {
		t.Fatalf("expected 255 host slots for /24, got %d", sw.HostCount)
	}
}

func TestExcludeIPsRangeAndSingle(t *testing.T) {
	sw, err := NewSwitch("sw0", "10.0.0.0/24", "10.0.0.5 10.0.0.10..10.0.0.12")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for _, want := range []string{"10.0.0.5", "10.0.0.10", "10.0.0.11", "10.0.0.12"} {
		if !sw.Taken(net.ParseIP(want)) {
			t.Errorf("expected %s to be excluded", want)
		}
	}
	if sw.Taken(net.ParseIP("10.0.0.13")) {
		t.Errorf("10.0.0.13 should not be excluded")
	}
}

func TestAllocateIPv4SkipsClaimed(t *testing.T) {
	sw, err := NewSwitch("sw0", "10.0.0.0/30", "") // usable hosts: .1,.2,.3 — .1 pre-claimed
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	first := sw.AllocateIPv4()
	if first == nil || !first.Equal(net.ParseIP("10.0.0.2")) {
		t.Fatalf("expected first allocation to be 10.0.0.2, got %v", first)
	}
	second := sw.AllocateIPv4()
	if second == nil || !second.Equal(net.ParseIP("10.0.0.3")) {
		t.Fatalf("expected second allocation to be 10.0.0.3, got %v", second)
	}
	if got := sw.AllocateIPv4(); got != nil {
		t.Fatalf("expected exhaustion, got %v", got)
	}
}

func TestReleaseIPv4AllowsReuse(t *testing.T) {
	sw, _ := NewSwitch("sw0", "10.0.0.0/30", "")
	ip := sw.AllocateIPv4()
	sw.ReleaseIPv4(ip)
	if sw.Taken(ip) {
		t.Fatalf("expected %v to be free after release", ip)
	}
}

func TestEUI64Derivation(t *testing.T) {
	_, prefix, _ := net.ParseCIDR("2001:db8::/64")
	mac, _ := net.ParseMAC("00:11:22:33:44:55")
	got := EUI64(prefix, mac)
	want := net.ParseIP("2001:db8::211:22ff:fe33:4455")
	if !got.Equal(want) {
		t.Fatalf("EUI64(%s) = %s, want %s", mac, got, want)
	}
}

func TestMACAMClaimOutsidePrefixIgnored(t *testing.T) {
	m := NewMACAMWithPrefix([3]byte{0x02, 0x00, 0x00})
	mac, _ := net.ParseMAC("aa:bb:cc:00:00:01")
	if m.Claim(mac) {
		t.Fatalf("expected MAC outside managed prefix to be unmanaged")
	}
}

func TestMACAMAllocateUnderPrefix(t *testing.T) {
	m := NewMACAMWithPrefix([3]byte{0x02, 0x00, 0x00})
	mac := m.Allocate()
	if mac == nil {
		t.Fatal("expected a MAC to be allocated")
	}
	if mac[0] != 0x02 || mac[1] != 0x00 || mac[2] != 0x00 {
		t.Fatalf("allocated MAC %s does not carry the managed prefix", mac)
	}
	if m.Len() != 1 {
		t.Fatalf("expected 1 tracked MAC, got %d", m.Len())
	}
	m.Release(mac)
	if m.Len() != 0 {
		t.Fatalf("expected 0 tracked MACs after release, got %d", m.Len())
	}
}

func TestMACAMDuplicateClaimWarnsButSucceeds(t *testing.T) {
	m := NewMACAMWithPrefix([3]byte{0x02, 0x00, 0x00})
	mac, _ := net.ParseMAC("02:00:00:00:00:01")
	if !m.Claim(mac) {
		t.Fatal("expected first claim to be managed")
	}
	if !m.Claim(mac) {
		t.Fatal("expected duplicate claim to still report managed=true")
	}
}

func TestClassifyStaticMacAndIPs(t *testing.T) {
	d, ok := Classify("02:00:00:00:00:01 10.0.0.5 10.0.0.6", false)
	if !ok || d.Mode != ModeStatic {
		t.Fatalf("expected static decision, got %+v ok=%v", d, ok)
	}
	if len(d.IPs) != 2 {
		t.Fatalf("expected 2 IPs, got %d", len(d.IPs))
	}
}

func TestClassifyDynamicToken(t *testing.T) {
	d, ok := Classify("dynamic", false)
	if !ok || d.Mode != ModeDynamic {
		t.Fatalf("expected ModeDynamic, got %+v", d)
	}
	d, ok = Classify("dynamic", true)
	if !ok || d.Mode != ModeDynamicKeep {
		t.Fatalf("expected ModeDynamicKeep when dynamic_addresses already set, got %+v", d)
	}
}

func TestClassifyNoneAndRouter(t *testing.T) {
	if d, ok := Classify("none", false); !ok || d.Mode != ModeNone {
		t.Fatalf("expected ModeNone, got %+v", d)
	}
	if d, ok := Classify("router", false); !ok || d.Mode != ModeRouter {
		t.Fatalf("expected ModeRouter, got %+v", d)
	}
}

func TestClassifyMixedStaticMacDynamicIP(t *testing.T) {
	d, ok := Classify("02:00:00:00:00:01 dynamic", false)
	if !ok || d.Mode != ModeStatic || !d.IsIPv4Dynamic {
		t.Fatalf("expected static MAC with dynamic IPv4, got %+v ok=%v", d, ok)
	}
}

func TestResolverDynamicAllocatesAndPersists(t *testing.T) {
	m := NewMACAMWithPrefix([3]byte{0x02, 0x00, 0x00})
	r := NewResolver(m)
	sw, _ := NewSwitch("sw0", "10.0.0.0/29", "")

	d, _ := Classify("dynamic", false)
	mac, ips, persist, err := r.Resolve(d, sw, "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if mac == nil || len(ips) != 1 || !persist {
		t.Fatalf("expected fresh mac+ip with persist=true, got mac=%v ips=%v persist=%v", mac, ips, persist)
	}
}

func TestResolverExhaustionReturnsRangeError(t *testing.T) {
	m := NewMACAMWithPrefix([3]byte{0x02, 0x00, 0x00})
	r := NewResolver(m)
	sw, _ := NewSwitch("sw0", "10.0.0.0/30", "") // usable hosts: .1,.2,.3 — .1 pre-claimed

	for i := 0; i < 2; i++ {
		if _, _, _, err := r.Resolve(Decision{Mode: ModeDynamic}, sw, ""); err != nil {
			t.Fatalf("allocation %d: %v", i, err)
		}
	}
	_, _, _, err := r.Resolve(Decision{Mode: ModeDynamic}, sw, "")
	if !errors.Is(err, util.ErrRangeExhausted) {
		t.Fatalf("expected ErrRangeExhausted once the subnet is full, got %v", err)
	}
}

func TestNewSwitchRejectsBadSubnets(t *testing.T) {
	if _, err := NewSwitch("sw0", "not-a-cidr", ""); !errors.Is(err, util.ErrInvalidInput) {
		t.Fatalf("malformed CIDR should wrap ErrInvalidInput, got %v", err)
	}
	if _, err := NewSwitch("sw0", "10.0.0.1/32", ""); !errors.Is(err, util.ErrValidationFailed) {
		t.Fatalf("/32 subnet should fail validation, got %v", err)
	}
}

func TestResolverDynamicKeepReclaimsPriorValue(t *testing.T) {
	m := NewMACAMWithPrefix([3]byte{0x02, 0x00, 0x00})
	r := NewResolver(m)
	sw, _ := NewSwitch("sw0", "10.0.0.0/29", "")

	prev := "02:00:00:00:00:09 10.0.0.3"
	d, _ := Classify("dynamic", true)
	mac, ips, persist, err := r.Resolve(d, sw, prev)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if persist {
		t.Fatalf("expected no re-persist on reclaim of an existing dynamic value")
	}
	if mac.String() != "02:00:00:00:00:09" {
		t.Fatalf("expected reclaimed mac, got %v", mac)
	}
	if len(ips) != 1 || !ips[0].Equal(net.ParseIP("10.0.0.3")) {
		t.Fatalf("expected reclaimed ip 10.0.0.3, got %v", ips)
	}
	if !sw.Taken(net.ParseIP("10.0.0.3")) {
		t.Fatalf("expected reclaimed ip to be marked taken in the switch bitmap")
	}
}

func TestResolverStaticClaimsWithoutPersist(t *testing.T) {
	m := NewMACAMWithPrefix([3]byte{0x02, 0x00, 0x00})
	r := NewResolver(m)
	sw, _ := NewSwitch("sw0", "10.0.0.0/29", "")

	d, _ := Classify("02:00:00:00:00:05 10.0.0.4", false)
	mac, ips, persist, err := r.Resolve(d, sw, "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if persist {
		t.Fatalf("static addresses should never be persisted as dynamic")
	}
	if mac.String() != "02:00:00:00:00:05" {
		t.Fatalf("unexpected mac %v", mac)
	}
	if len(ips) != 1 || !ips[0].Equal(net.ParseIP("10.0.0.4")) {
		t.Fatalf("unexpected ips %v", ips)
	}
}

func TestFormatDynamicAddressesRoundTrip(t *testing.T) {
	mac, _ := net.ParseMAC("02:00:00:00:00:07")
	ips := []net.IP{net.ParseIP("10.0.0.9")}
	s := FormatDynamicAddresses(mac, ips)
	gotMAC, gotIPs := ParseDynamicAddresses(s)
	if gotMAC.String() != mac.String() {
		t.Fatalf("mac round-trip failed: %v != %v", gotMAC, mac)
	}
	if len(gotIPs) != 1 || !gotIPs[0].Equal(ips[0]) {
		t.Fatalf("ip round-trip failed: %v != %v", gotIPs, ips)
	}
}
