package hxe

import (
	"encoding/binary"
	"hash/crc32"
	"testing"
)

// buildV2Image builds a minimal v2 image with one mailbox-binding metadata
// entry, mirroring buildV1Image's fixup approach for the v2 header fields.
func buildV2Image(t *testing.T, code []byte) []byte {
	t.Helper()

	bindingLen := targetFieldLen + mailboxBindingFixedLen
	metaTableLen := metaEntryLen
	metaOffset := uint32(v2HeaderLen + len(code))
	sectionOffset := metaOffset + uint32(metaTableLen)
	total := int(sectionOffset) + bindingLen

	data := make([]byte, total)
	copy(data[0:4], magic)
	binary.BigEndian.PutUint16(data[4:6], uint16(V2))
	binary.BigEndian.PutUint16(data[6:8], 0)
	binary.BigEndian.PutUint32(data[8:12], 0)
	binary.BigEndian.PutUint32(data[12:16], uint32(len(code)))
	binary.BigEndian.PutUint32(data[16:20], 0)
	binary.BigEndian.PutUint32(data[20:24], 0)
	binary.BigEndian.PutUint32(data[24:28], 0)
	copy(data[32:64], "demo-app\x00")
	binary.BigEndian.PutUint32(data[64:68], metaOffset)
	binary.BigEndian.PutUint32(data[68:72], 1)
	copy(data[v2HeaderLen:], code)

	// One metadata table entry: mailbox bindings section, 1 entry.
	data[metaOffset] = SectionMailbox
	binary.BigEndian.PutUint32(data[metaOffset+1:metaOffset+5], sectionOffset)
	binary.BigEndian.PutUint32(data[metaOffset+5:metaOffset+9], uint32(bindingLen))
	binary.BigEndian.PutUint32(data[metaOffset+9:metaOffset+13], 1)

	copy(data[sectionOffset:], "shared:bus\x00")
	capOff := sectionOffset + targetFieldLen
	binary.BigEndian.PutUint32(data[capOff:capOff+4], 4096)
	binary.BigEndian.PutUint16(data[capOff+4:capOff+6], 0x03)
	binary.BigEndian.PutUint16(data[capOff+6:capOff+8], 0)

	binary.BigEndian.PutUint32(data[28:32], 0)
	crc := crc32.ChecksumIEEE(data)
	binary.BigEndian.PutUint32(data[28:32], crc)
	return data
}

func TestLoadV2WithMailboxBinding(t *testing.T) {
	code := []byte{0x01, 0x00, 0x00, 0x00}
	data := buildV2Image(t, code)

	img, err := Load(data)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if img.Header.AppName != "demo-app" {
		t.Errorf("app name = %q", img.Header.AppName)
	}
	if img.Metadata == nil || len(img.Metadata.Mailbox) != 1 {
		t.Fatalf("expected 1 mailbox binding, got %+v", img.Metadata)
	}
	mb := img.Metadata.Mailbox[0]
	if mb.Target != "shared:bus" {
		t.Errorf("target = %q", mb.Target)
	}
	if mb.Capacity != 4096 {
		t.Errorf("capacity = %d", mb.Capacity)
	}
}
