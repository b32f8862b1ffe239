// Package hxe parses the HSX loadable image format (HXE): a bit-exact,
// big-endian header followed by code, read-only data and an optional v2
// metadata table. Modelled on the host's binary-module parsers (the SID/AHX
// tune-format readers), which share the same magic+fixed-header+CRC shape.
package hxe

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
)

const (
	magic = "HSXE"

	v1HeaderLen = 36
	v2HeaderLen = 96

	// VM address space and per-section limits the loader enforces.
	AddressSpaceSize = 64 * 1024
	MaxCodeSize       = AddressSpaceSize
	MaxRodataSize     = AddressSpaceSize
	MaxBssSize        = AddressSpaceSize

	FlagAllowMultiple uint16 = 1 << 0
)

// Version identifies the HXE header layout.
type Version uint16

const (
	V1 Version = 1
	V2 Version = 2
)

// ErrorKind enumerates the loader's failure categories (spec.md §4.2/§6).
type ErrorKind string

const (
	ErrBadMagic            ErrorKind = "bad_magic"
	ErrUnsupportedVersion  ErrorKind = "unsupported_version"
	ErrHeaderTruncated     ErrorKind = "header_truncated"
	ErrMisalignedCode      ErrorKind = "misaligned_code"
	ErrEntryOutOfRange     ErrorKind = "entry_out_of_range"
	ErrSectionsExceedFile  ErrorKind = "sections_exceed_file"
	ErrCodeTooLarge        ErrorKind = "code_too_large"
	ErrRodataTooLarge      ErrorKind = "rodata_too_large"
	ErrBssTooLarge         ErrorKind = "bss_too_large"
	ErrCrcMismatch         ErrorKind = "crc_mismatch"
)

// LoadError is returned by Load for any validation failure; Kind drives the
// RPC `load` failure category (spec.md §6).
type LoadError struct {
	Kind ErrorKind
	Msg  string
}

func (e *LoadError) Error() string { return fmt.Sprintf("%s: %s", e.Kind, e.Msg) }

func fail(kind ErrorKind, format string, args ...any) *LoadError {
	return &LoadError{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// Header is the decoded HXE header, v1 fields plus v2 extensions (zero
// valued when the image is v1).
type Header struct {
	Version       Version
	Flags         uint16
	Entry         uint32
	CodeLen       uint32
	RodataLen     uint32
	BssSize       uint32
	ReqCaps       uint32
	CRC32         uint32
	AppName       string // v2 only
	MetaOffset    uint32 // v2 only
	MetaCount     uint32 // v2 only
}

func (h *Header) AllowMultiple() bool { return h.Flags&FlagAllowMultiple != 0 }

// Image is the fully parsed, validated HXE image.
type Image struct {
	Header   Header
	Code     []byte
	Rodata   []byte
	Metadata *Metadata // nil unless v2 and a metadata table is present
}

// Load parses and validates a raw HXE image per spec.md §4.2.
func Load(data []byte) (*Image, error) {
	if len(data) < v1HeaderLen {
		return nil, fail(ErrHeaderTruncated, "image is %d bytes, need at least %d", len(data), v1HeaderLen)
	}
	if string(data[:4]) != magic {
		return nil, fail(ErrBadMagic, "got %q", data[:4])
	}

	version := Version(binary.BigEndian.Uint16(data[4:6]))
	if version != V1 && version != V2 {
		return nil, fail(ErrUnsupportedVersion, "version %d", version)
	}

	headerLen := v1HeaderLen
	if version == V2 {
		headerLen = v2HeaderLen
	}
	if len(data) < headerLen {
		return nil, fail(ErrHeaderTruncated, "v%d image is %d bytes, need at least %d", version, len(data), headerLen)
	}

	h := Header{
		Version:   version,
		Flags:     binary.BigEndian.Uint16(data[6:8]),
		Entry:     binary.BigEndian.Uint32(data[8:12]),
		CodeLen:   binary.BigEndian.Uint32(data[12:16]),
		RodataLen: binary.BigEndian.Uint32(data[16:20]),
		BssSize:   binary.BigEndian.Uint32(data[20:24]),
		ReqCaps:   binary.BigEndian.Uint32(data[24:28]),
		CRC32:     binary.BigEndian.Uint32(data[28:32]),
	}

	if version == V2 {
		h.AppName = parsePaddedString(data[32:64])
		h.MetaOffset = binary.BigEndian.Uint32(data[64:68])
		h.MetaCount = binary.BigEndian.Uint32(data[68:72])
	}

	if h.CodeLen%4 != 0 || h.Entry%4 != 0 {
		return nil, fail(ErrMisalignedCode, "code_len=%d entry=%d", h.CodeLen, h.Entry)
	}
	if h.Entry >= h.CodeLen {
		return nil, fail(ErrEntryOutOfRange, "entry=%d code_len=%d", h.Entry, h.CodeLen)
	}
	if h.CodeLen > MaxCodeSize {
		return nil, fail(ErrCodeTooLarge, "code_len=%d max=%d", h.CodeLen, MaxCodeSize)
	}
	if h.RodataLen > MaxRodataSize {
		return nil, fail(ErrRodataTooLarge, "rodata_len=%d max=%d", h.RodataLen, MaxRodataSize)
	}
	if h.BssSize > MaxBssSize {
		return nil, fail(ErrBssTooLarge, "bss_size=%d max=%d", h.BssSize, MaxBssSize)
	}

	codeStart := uint64(headerLen)
	rodataStart := codeStart + uint64(h.CodeLen)
	dataEnd := rodataStart + uint64(h.RodataLen)
	if dataEnd > uint64(len(data)) {
		return nil, fail(ErrSectionsExceedFile, "code+rodata end at %d, file is %d bytes", dataEnd, len(data))
	}

	// CRC32 is computed over the whole image with the crc32 field zeroed.
	crcBuf := make([]byte, len(data))
	copy(crcBuf, data)
	binary.BigEndian.PutUint32(crcBuf[28:32], 0)
	if got := crc32.ChecksumIEEE(crcBuf); got != h.CRC32 {
		return nil, fail(ErrCrcMismatch, "computed %#08x, header says %#08x", got, h.CRC32)
	}

	img := &Image{
		Header: h,
		Code:   data[codeStart:rodataStart],
		Rodata: data[rodataStart:dataEnd],
	}

	if version == V2 && h.MetaCount > 0 {
		meta, err := parseMetadata(data, h.MetaOffset, h.MetaCount)
		if err != nil {
			return nil, err
		}
		img.Metadata = meta
	}

	return img, nil
}

func parsePaddedString(b []byte) string {
	n := 0
	for n < len(b) && b[n] != 0 {
		n++
	}
	return string(b[:n])
}
