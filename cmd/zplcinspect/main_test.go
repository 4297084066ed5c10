package main

import (
	"bytes"
	"encoding/binary"
	"hash/crc32"
	"os"
	"strings"
	"testing"

	"github.com/zplcvm/zplcvm/loader"
)

type segSpec struct {
	typ  uint16
	data []byte
}

// buildPackage assembles a well-formed .zplc file from the given segments,
// computing a correct CRC32 over the whole result. Duplicated from
// loader's own test helper since it is unexported and this is a different
// package.
func buildPackage(t *testing.T, versionMajor uint16, entryPoint uint16, segs []segSpec) []byte {
	t.Helper()
	var payload []byte
	for _, s := range segs {
		payload = append(payload, s.data...)
	}
	total := loader.HeaderSize + len(segs)*8 + len(payload)
	buf := make([]byte, total)

	binary.LittleEndian.PutUint32(buf[0:4], loader.Magic)
	binary.LittleEndian.PutUint16(buf[4:6], versionMajor)
	binary.LittleEndian.PutUint16(buf[6:8], 0)
	binary.LittleEndian.PutUint32(buf[8:12], 0)
	binary.LittleEndian.PutUint32(buf[12:16], 0)
	binary.LittleEndian.PutUint32(buf[16:20], 0)
	binary.LittleEndian.PutUint32(buf[20:24], 0)
	binary.LittleEndian.PutUint16(buf[24:26], entryPoint)
	binary.LittleEndian.PutUint16(buf[26:28], uint16(len(segs)))

	off := loader.HeaderSize
	cursor := loader.HeaderSize + len(segs)*8
	for _, s := range segs {
		binary.LittleEndian.PutUint16(buf[off:off+2], s.typ)
		binary.LittleEndian.PutUint16(buf[off+2:off+4], 0)
		binary.LittleEndian.PutUint32(buf[off+4:off+8], uint32(len(s.data)))
		off += 8
		copy(buf[cursor:cursor+len(s.data)], s.data)
		cursor += len(s.data)
	}

	crc := crc32.ChecksumIEEE(buf)
	binary.LittleEndian.PutUint32(buf[12:16], crc)
	return buf
}

func captureDump(t *testing.T, data []byte) string {
	t.Helper()
	f, err := os.CreateTemp(t.TempDir(), "zplcinspect-out")
	if err != nil {
		t.Fatalf("CreateTemp: %v", err)
	}
	defer f.Close()

	if err := dump(f, data); err != nil {
		t.Fatalf("dump: %v", err)
	}
	if _, err := f.Seek(0, 0); err != nil {
		t.Fatalf("Seek: %v", err)
	}
	var buf bytes.Buffer
	if _, err := buf.ReadFrom(f); err != nil {
		t.Fatalf("ReadFrom: %v", err)
	}
	return buf.String()
}

func TestDumpValidPackageReportsOK(t *testing.T) {
	pkg := buildPackage(t, 1, 0, []segSpec{{loader.SegmentCode, []byte{0x01}}})
	out := captureDump(t, pkg)
	if !strings.Contains(out, "verdict:       OK") {
		t.Fatalf("dump output = %q, want it to report verdict OK", out)
	}
	if !strings.Contains(out, "version:       1.0") {
		t.Fatalf("dump output = %q, want version 1.0", out)
	}
}

func TestDumpBadCRCReportsRejected(t *testing.T) {
	pkg := buildPackage(t, 1, 0, []segSpec{{loader.SegmentCode, []byte{0x01}}})
	pkg[12] ^= 0xFF // corrupt the stored CRC
	out := captureDump(t, pkg)
	if !strings.Contains(out, "verdict:       REJECTED") {
		t.Fatalf("dump output = %q, want it to report verdict REJECTED", out)
	}
}

func TestDumpTruncatedHeaderReturnsError(t *testing.T) {
	if err := dump(nil, []byte{0x01, 0x02}); err == nil {
		t.Fatalf("dump of a too-short file should return an error")
	}
}
