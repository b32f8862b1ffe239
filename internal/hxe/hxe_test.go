package hxe

import (
	"encoding/binary"
	"hash/crc32"
	"testing"
)

// buildV1Image assembles a minimal, valid v1 HXE image with the given code
// and rodata payloads, fixing up length/CRC fields automatically.
func buildV1Image(t *testing.T, code, rodata []byte, bssSize, entry uint32) []byte {
	t.Helper()
	total := v1HeaderLen + len(code) + len(rodata)
	data := make([]byte, total)
	copy(data[0:4], magic)
	binary.BigEndian.PutUint16(data[4:6], uint16(V1))
	binary.BigEndian.PutUint16(data[6:8], 0)
	binary.BigEndian.PutUint32(data[8:12], entry)
	binary.BigEndian.PutUint32(data[12:16], uint32(len(code)))
	binary.BigEndian.PutUint32(data[16:20], uint32(len(rodata)))
	binary.BigEndian.PutUint32(data[20:24], bssSize)
	binary.BigEndian.PutUint32(data[24:28], 0)
	copy(data[v1HeaderLen:], code)
	copy(data[v1HeaderLen+len(code):], rodata)

	crcBuf := make([]byte, len(data))
	copy(crcBuf, data)
	binary.BigEndian.PutUint32(crcBuf[28:32], 0)
	crc := crc32.ChecksumIEEE(crcBuf)
	binary.BigEndian.PutUint32(data[28:32], crc)
	return data
}

func TestLoadValidV1(t *testing.T) {
	code := []byte{0x01, 0x00, 0x00, 0x00, 0x7F, 0x00, 0x00, 0x00}
	rodata := []byte("hello\x00\x00\x00")
	data := buildV1Image(t, code, rodata, 256, 0)

	img, err := Load(data)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(img.Code) != len(code) {
		t.Errorf("code length = %d, want %d", len(img.Code), len(code))
	}
	if img.Header.Entry != 0 {
		t.Errorf("entry = %d, want 0", img.Header.Entry)
	}
}

func TestBadMagic(t *testing.T) {
	data := buildV1Image(t, []byte{0, 0, 0, 0}, nil, 0, 0)
	copy(data[0:4], "XXXX")
	_, err := Load(data)
	assertKind(t, err, ErrBadMagic)
}

func TestHeaderTruncated(t *testing.T) {
	_, err := Load(make([]byte, 10))
	assertKind(t, err, ErrHeaderTruncated)
}

func TestUnsupportedVersion(t *testing.T) {
	data := buildV1Image(t, []byte{0, 0, 0, 0}, nil, 0, 0)
	binary.BigEndian.PutUint16(data[4:6], 99)
	_, err := Load(data)
	assertKind(t, err, ErrUnsupportedVersion)
}

func TestMisalignedCode(t *testing.T) {
	data := buildV1Image(t, []byte{0, 0, 0, 0, 0, 0}, nil, 0, 0)
	binary.BigEndian.PutUint32(data[12:16], 6) // not a multiple of 4
	_, err := Load(data)
	assertKind(t, err, ErrMisalignedCode)
}

func TestEntryOutOfRange(t *testing.T) {
	data := buildV1Image(t, []byte{0, 0, 0, 0}, nil, 0, 0)
	binary.BigEndian.PutUint32(data[8:12], 4) // entry == code_len
	// Recompute CRC after mutating entry.
	binary.BigEndian.PutUint32(data[28:32], 0)
	crc := crc32.ChecksumIEEE(data)
	binary.BigEndian.PutUint32(data[28:32], crc)
	_, err := Load(data)
	assertKind(t, err, ErrEntryOutOfRange)
}

func TestSectionsExceedFile(t *testing.T) {
	data := buildV1Image(t, []byte{0, 0, 0, 0}, nil, 0, 0)
	binary.BigEndian.PutUint32(data[16:20], 1000) // rodata_len overruns file
	binary.BigEndian.PutUint32(data[28:32], 0)
	crc := crc32.ChecksumIEEE(data)
	binary.BigEndian.PutUint32(data[28:32], crc)
	_, err := Load(data)
	assertKind(t, err, ErrSectionsExceedFile)
}

func TestCrcMismatch(t *testing.T) {
	data := buildV1Image(t, []byte{0, 0, 0, 0}, nil, 0, 0)
	data[28] ^= 0xFF // corrupt CRC field
	_, err := Load(data)
	assertKind(t, err, ErrCrcMismatch)
}

func TestBssTooLarge(t *testing.T) {
	data := buildV1Image(t, []byte{0, 0, 0, 0}, nil, MaxBssSize+1, 0)
	_, err := Load(data)
	assertKind(t, err, ErrBssTooLarge)
}

func assertKind(t *testing.T, err error, want ErrorKind) {
	t.Helper()
	le, ok := err.(*LoadError)
	if !ok {
		t.Fatalf("expected *LoadError, got %T (%v)", err, err)
	}
	if le.Kind != want {
		t.Errorf("error kind = %q, want %q", le.Kind, want)
	}
}
