package captions

import (
	"bytes"
	"testing"
)

func TestSplitAnnexB(t *testing.T) {
	t.Parallel()

	data := []byte{
		0, 0, 0, 1, 0x67, 0x42, 0x00, // SPS
		0, 0, 1, 0x06, 0x04, 0x00, // SEI, 3-byte start code
		0, 0, 0, 1, 0x65, 0x88, // IDR
	}
	units := splitNALUnits(data, 1, h264Type)
	if len(units) != 3 {
		t.Fatalf("got %d units, want 3", len(units))
	}
	wantTypes := []byte{7, 6, 5}
	for i, u := range units {
		if u.typ != wantTypes[i] {
			t.Errorf("unit %d: got type %d, want %d", i, u.typ, wantTypes[i])
		}
	}
	if !bytes.Equal(units[1].data, []byte{0x06, 0x04, 0x00}) {
		t.Errorf("sei data: got %x", units[1].data)
	}
}

func TestSplitLengthPrefixed(t *testing.T) {
	t.Parallel()

	data := []byte{
		0, 0, 0, 2, 0x06, 0x05,
		0, 0, 0, 3, 0x41, 0x9a, 0x01,
	}
	units := splitNALUnits(data, 1, h264Type)
	if len(units) != 2 {
		t.Fatalf("got %d units, want 2", len(units))
	}
	if units[0].typ != nalTypeSEI || units[1].typ != 1 {
		t.Errorf("types: got %d,%d want 6,1", units[0].typ, units[1].typ)
	}
}

func TestSplitLengthPrefixedTruncated(t *testing.T) {
	t.Parallel()

	data := []byte{0, 0, 0, 2, 0x06, 0x05, 0, 0, 0, 9, 0x41}
	units := splitNALUnits(data, 1, h264Type)
	if len(units) != 1 {
		t.Fatalf("got %d units, want 1", len(units))
	}
}

func TestHEVCType(t *testing.T) {
	t.Parallel()

	// Prefix SEI: type 39 in bits 1-6 of the first header byte.
	data := []byte{0, 0, 0, 1, 39 << 1, 0x01, 0x04}
	units := splitNALUnits(data, 2, hevcType)
	if len(units) != 1 || units[0].typ != hevcNALSEIPrefix {
		t.Fatalf("got %+v, want one prefix SEI", units)
	}
}

func TestSplitShortInput(t *testing.T) {
	t.Parallel()

	if units := splitNALUnits([]byte{0, 0, 1}, 1, h264Type); len(units) != 0 {
		t.Errorf("got %d units, want 0", len(units))
	}
	if units := splitNALUnits(nil, 1, h264Type); len(units) != 0 {
		t.Errorf("got %d units, want 0", len(units))
	}
}
