package stage

import "testing"

func TestCodeEncodesBitsPerSpec(t *testing.T) {
	s := Stage{DPType: Switch, Pipeline: Ingress, Table: 0}
	if s.Code() != 0 {
		t.Fatalf("switch ingress table 0 should encode to 0, got %d", s.Code())
	}

	s = Stage{DPType: Router, Pipeline: Egress, Table: RtrEgrDelivery}
	want := uint16(1<<9 | 1<<8 | uint16(RtrEgrDelivery))
	if s.Code() != want {
		t.Fatalf("got code %d, want %d", s.Code(), want)
	}
}

func TestCatalogCounts(t *testing.T) {
	var swIng, swEgr, rtrIng, rtrEgr int
	for _, s := range Catalog {
		switch {
		case s.DPType == Switch && s.Pipeline == Ingress:
			swIng++
		case s.DPType == Switch && s.Pipeline == Egress:
			swEgr++
		case s.DPType == Router && s.Pipeline == Ingress:
			rtrIng++
		case s.DPType == Router && s.Pipeline == Egress:
			rtrEgr++
		}
	}
	if swIng != 18 {
		t.Errorf("switch ingress stages = %d, want 18", swIng)
	}
	if swEgr != 10 {
		t.Errorf("switch egress stages = %d, want 10", swEgr)
	}
	if rtrIng != 16 {
		t.Errorf("router ingress stages = %d, want 16", rtrIng)
	}
	if rtrEgr != 4 {
		t.Errorf("router egress stages = %d, want 4", rtrEgr)
	}
}

func TestValid(t *testing.T) {
	if !Valid(Switch, Ingress, SwIngACL) {
		t.Fatalf("expected switch ingress acl table to be valid")
	}
	if Valid(Switch, Ingress, 200) {
		t.Fatalf("expected out-of-range table to be invalid")
	}
	if Valid(Router, Egress, RtrIngArpRequest) {
		t.Fatalf("router egress table index reused from router ingress (arp_request) should not validate against the wrong pipeline")
	}
}
