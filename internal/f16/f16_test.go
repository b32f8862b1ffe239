package f16

import (
	"math"
	"testing"
)

func TestRoundTripFinite(t *testing.T) {
	vals := []float32{
		0.0, 1.0, -1.0, 2.0, 0.5, 0.25, 100.0, -100.0,
		65504.0,      // max half
		-65504.0,     // min half
		6.0021877e-5, // subnormal range (0x03EF = 1007 * 2^-24)
		5.9604645e-8, // smallest subnormal (2^-24)
		3.140625,     // nearest half to pi (0x4248)
	}
	for _, v := range vals {
		h := FromFloat32(v)
		got := ToFloat32(h)
		if got != v {
			t.Errorf("round trip %v: got %v (bits %#04x)", v, got, h)
		}
	}
}

func TestSignedZero(t *testing.T) {
	if h := FromFloat32(0.0); h != 0x0000 {
		t.Errorf("+0 encode: got %#04x", h)
	}
	if h := FromFloat32(float32(math.Copysign(0, -1))); h != 0x8000 {
		t.Errorf("-0 encode: got %#04x", h)
	}
	if v := ToFloat32(0x8000); !math.Signbit(float64(v)) || v != 0 {
		t.Errorf("-0 decode: got %v", v)
	}
}

func TestInfinity(t *testing.T) {
	if h := FromFloat32(float32(math.Inf(1))); h != 0x7C00 {
		t.Errorf("+inf encode: got %#04x", h)
	}
	if h := FromFloat32(float32(math.Inf(-1))); h != 0xFC00 {
		t.Errorf("-inf encode: got %#04x", h)
	}
	if !math.IsInf(float64(ToFloat32(0x7C00)), 1) {
		t.Errorf("+inf decode failed")
	}
	if !math.IsInf(float64(ToFloat32(0xFC00)), -1) {
		t.Errorf("-inf decode failed")
	}
}

func TestOverflowToInfinity(t *testing.T) {
	if h := FromFloat32(1.0e38); h != 0x7C00 {
		t.Errorf("overflow encode: got %#04x, want +inf", h)
	}
}

func TestNaNCanonical(t *testing.T) {
	h := FromFloat32(float32(math.NaN()))
	if h != canonicalNaN {
		t.Errorf("NaN encode: got %#04x, want %#04x", h, canonicalNaN)
	}
	got := ToFloat32(0x7E01) // arbitrary NaN payload
	if !math.IsNaN(float64(got)) {
		t.Errorf("NaN decode failed for arbitrary payload")
	}
}

func TestSubnormals(t *testing.T) {
	// Smallest positive subnormal half: 2^-24.
	smallest := float32(math.Ldexp(1, -24))
	h := FromFloat32(smallest)
	if h != 0x0001 {
		t.Errorf("smallest subnormal encode: got %#04x", h)
	}
	if got := ToFloat32(0x0001); got != smallest {
		t.Errorf("smallest subnormal decode: got %v want %v", got, smallest)
	}

	// Largest subnormal: 1023 * 2^-24.
	largest := float32(1023) * float32(math.Ldexp(1, -24))
	h = FromFloat32(largest)
	if h != 0x03FF {
		t.Errorf("largest subnormal encode: got %#04x", h)
	}
}

func TestTiesToEven(t *testing.T) {
	// Spec vector: 1.0009765625 is 1 + 2^-10, exactly the half 0x3C01.
	if h := FromFloat32(1.0009765625); h != 0x3C01 {
		t.Errorf("1.0009765625 vector: got %#04x want 0x3c01", h)
	}
	// 1 + 2^-11 lies halfway between 0x3C00 and 0x3C01: the even 0x3C00 wins.
	if h := FromFloat32(1.00048828125); h != 0x3C00 {
		t.Errorf("tie 1+2^-11: got %#04x want 0x3c00", h)
	}
	// 1 + 3*2^-11 lies halfway between 0x3C01 and 0x3C02: the even 0x3C02 wins.
	if h := FromFloat32(1.00146484375); h != 0x3C02 {
		t.Errorf("tie 1+3*2^-11: got %#04x want 0x3c02", h)
	}
}

func TestDenormalFloat32InputUnderflowsToZero(t *testing.T) {
	tiny := math.Float32frombits(1) // smallest float32 subnormal
	if h := FromFloat32(tiny); h != 0 {
		t.Errorf("float32 subnormal input: got %#04x want 0", h)
	}
}
