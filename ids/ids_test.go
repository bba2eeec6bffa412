package ids

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestTargetIDRoundTrip(t *testing.T) {
	id := NewTargetID()
	if id.IsZero() {
		t.Fatal("fresh target id should not be zero")
	}
	parsed, err := ParseTargetID(id.String())
	if err != nil {
		t.Fatalf("ParseTargetID: %v", err)
	}
	if parsed != id {
		t.Fatalf("round trip mismatch: %s != %s", parsed, id)
	}

	back, err := TargetIDFromBytes(id.Bytes())
	if err != nil {
		t.Fatalf("TargetIDFromBytes: %v", err)
	}
	if back != id {
		t.Fatalf("wire round trip mismatch: %s != %s", back, id)
	}
}

func TestZeroTargetID(t *testing.T) {
	var id TargetID
	if !id.IsZero() {
		t.Fatal("zero-value target id should report IsZero")
	}
}

func TestPMEMRegionIDRoundTrip(t *testing.T) {
	r := NewPMEMRegionID(0xdeadbeef, 4096)
	lo, off, ok := r.PMEMPayload()
	if !ok || lo != 0xdeadbeef || off != 4096 {
		t.Fatalf("unexpected payload: lo=%x off=%d ok=%v", lo, off, ok)
	}
	if _, _, ok := r.FilePayload(); ok {
		t.Fatal("FilePayload should refuse a pmem-tagged region id")
	}

	s := r.String()
	parsed, err := ParseRegionID(s)
	if err != nil {
		t.Fatalf("ParseRegionID(%q): %v", s, err)
	}
	if diff := cmp.Diff(r, parsed); diff != "" {
		t.Fatalf("round trip mismatch (-want +got):\n%s", diff)
	}
}

func TestFileRegionIDRoundTrip(t *testing.T) {
	r := NewFileRegionID(8192, 65536)
	off, length, ok := r.FilePayload()
	if !ok || off != 8192 || length != 65536 {
		t.Fatalf("unexpected payload: off=%d length=%d ok=%v", off, length, ok)
	}

	wire := r.Bytes()
	back, err := RegionIDFromBytes(wire)
	if err != nil {
		t.Fatalf("RegionIDFromBytes: %v", err)
	}
	if diff := cmp.Diff(r, back); diff != "" {
		t.Fatalf("wire round trip mismatch (-want +got):\n%s", diff)
	}
}

func TestPeerString(t *testing.T) {
	p := Peer{Addr: "node-a", ProviderID: 3}
	if got, want := p.String(), "node-a#3"; got != want {
		t.Fatalf("Peer.String() = %q, want %q", got, want)
	}
}

func TestParseRegionIDMalformed(t *testing.T) {
	cases := []string{"", "nottag:payload", "1:not-base64!!", "1:" + "AA"}
	for _, c := range cases {
		if _, err := ParseRegionID(c); err == nil {
			t.Errorf("ParseRegionID(%q) should have failed", c)
		}
	}
}
