// Package loader parses the binary `.zplc` program package: header and CRC
// validation, the segment table walk, and extraction of the task table and
// I/O map into the runtime structures the scheduler and VM consume.
//
// Parsing validates and stages everything into local values first, only
// mutating live state once every check has passed, and reads the header
// field by field at fixed offsets (binary.*Endian.UintN(data[off:off+n])),
// with no reflection.
package loader

import (
	"encoding/binary"
	"errors"
	"hash/crc32"
)

// HeaderSize is the fixed size of the .zplc header (spec §4.4/§6.1).
const HeaderSize = 32

// Magic is the required magic number, ASCII "ZPLC" read little-endian.
const Magic = 0x434C505A

// Segment types recognised in the segment table (spec §4.4).
const (
	SegmentCode   = 0x01
	SegmentData   = 0x02
	SegmentBSS    = 0x03
	SegmentRetain = 0x04
	SegmentIOMap  = 0x05
	SegmentSymtab = 0x10
	SegmentDebug  = 0x11
	SegmentTask   = 0x20
)

// Reject-only loader errors (spec §7): never latched into VM state, the
// previously loaded program if any stays active.
var (
	ErrBadMagic   = errors.New("loader: bad magic")
	ErrBadVersion = errors.New("loader: unsupported version")
	ErrBadCRC     = errors.New("loader: CRC mismatch")
	ErrTruncated  = errors.New("loader: truncated package")
	ErrBadSegment = errors.New("loader: malformed segment table")
)

// Header is the parsed 32-byte .zplc header.
type Header struct {
	VersionMajor uint16
	VersionMinor uint16
	Flags        uint32
	CRC32        uint32
	CodeSize     uint32
	DataSize     uint32
	EntryPoint   uint16
	SegmentCount uint16
}

// PeekHeader parses a .zplc header without verifying its CRC, for callers
// that only need the version/size metadata (persist's program_meta) and
// defer full validation to Load.
func PeekHeader(data []byte) (Header, error) {
	return parseHeader(data)
}

func parseHeader(data []byte) (Header, error) {
	if len(data) < HeaderSize {
		return Header{}, ErrTruncated
	}
	if binary.LittleEndian.Uint32(data[0:4]) != Magic {
		return Header{}, ErrBadMagic
	}
	h := Header{
		VersionMajor: binary.LittleEndian.Uint16(data[4:6]),
		VersionMinor: binary.LittleEndian.Uint16(data[6:8]),
		Flags:        binary.LittleEndian.Uint32(data[8:12]),
		CRC32:        binary.LittleEndian.Uint32(data[12:16]),
		CodeSize:     binary.LittleEndian.Uint32(data[16:20]),
		DataSize:     binary.LittleEndian.Uint32(data[20:24]),
		EntryPoint:   binary.LittleEndian.Uint16(data[24:26]),
		SegmentCount: binary.LittleEndian.Uint16(data[26:28]),
	}
	return h, nil
}

// verifyCRC recomputes CRC32 over the whole file with the crc32 header
// field zeroed, per spec §6.1: standard IEEE polynomial, which is exactly
// what crc32.ChecksumIEEE computes (init 0xFFFFFFFF, final XOR 0xFFFFFFFF).
func verifyCRC(data []byte, want uint32) bool {
	scratch := make([]byte, len(data))
	copy(scratch, data)
	binary.LittleEndian.PutUint32(scratch[12:16], 0)
	return crc32.ChecksumIEEE(scratch) == want
}
