package loader

import (
	"encoding/binary"

	"github.com/zplcvm/zplcvm/memory"
)

// segTableEntrySize is the on-disk size of one segment-table entry
// (type:u16, flags:u16, size:u32 — spec §4.4/§6.1).
const segTableEntrySize = 8

// Program is the fully validated, decoded result of loading a .zplc
// package: everything the scheduler and VM need to run it.
type Program struct {
	VersionMajor uint16
	VersionMinor uint16
	EntryPoint   uint16

	Code   []byte
	Data   []byte
	Retain []byte

	Tasks []Task
	IOMap []IOMapEntry

	Symtab []byte
	Debug  []byte
}

// Load validates and decodes a .zplc package. On any failure it returns a
// reject-only error (ErrBadMagic/ErrBadVersion/ErrBadCRC/ErrTruncated/
// ErrBadSegment) and mem is left completely untouched — validation and
// decoding happen entirely against local values, and mem is only mutated
// once every check has passed (spec §4.4: "rejected atomically, no partial
// state mutation").
func Load(data []byte, mem *memory.Map, runtimeVersionMajor uint16) (*Program, error) {
	header, err := parseHeader(data)
	if err != nil {
		return nil, err
	}
	if header.VersionMajor != runtimeVersionMajor {
		return nil, ErrBadVersion
	}
	if !verifyCRC(data, header.CRC32) {
		return nil, ErrBadCRC
	}

	segTableEnd := HeaderSize + int(header.SegmentCount)*segTableEntrySize
	if segTableEnd > len(data) {
		return nil, ErrTruncated
	}

	type segEntry struct {
		typ, flags uint16
		size       uint32
	}
	entries := make([]segEntry, header.SegmentCount)
	for i := range entries {
		off := HeaderSize + i*segTableEntrySize
		entries[i] = segEntry{
			typ:   binary.LittleEndian.Uint16(data[off : off+2]),
			flags: binary.LittleEndian.Uint16(data[off+2 : off+4]),
			size:  binary.LittleEndian.Uint32(data[off+4 : off+8]),
		}
	}

	prog := &Program{
		VersionMajor: header.VersionMajor,
		VersionMinor: header.VersionMinor,
		EntryPoint:   header.EntryPoint,
	}

	cursor := segTableEnd
	haveTask := false
	for _, e := range entries {
		end := cursor + int(e.size)
		if end > len(data) {
			return nil, ErrTruncated
		}
		payload := data[cursor:end]
		switch e.typ {
		case SegmentCode:
			prog.Code = append([]byte(nil), payload...)
		case SegmentData:
			prog.Data = append([]byte(nil), payload...)
		case SegmentBSS:
			// Reserved space only: the payload is skipped and nothing is
			// installed for it.
		case SegmentRetain:
			prog.Retain = append([]byte(nil), payload...)
		case SegmentIOMap:
			ioMap, err := decodeIOMap(payload)
			if err != nil {
				return nil, err
			}
			prog.IOMap = ioMap
		case SegmentSymtab:
			prog.Symtab = append([]byte(nil), payload...)
		case SegmentDebug:
			prog.Debug = append([]byte(nil), payload...)
		case SegmentTask:
			tasks, err := decodeTasks(payload)
			if err != nil {
				return nil, err
			}
			prog.Tasks = tasks
			haveTask = true
		default:
			return nil, ErrBadSegment
		}
		cursor = end
	}
	if cursor != len(data) {
		return nil, ErrBadSegment
	}

	if !haveTask {
		prog.Tasks = []Task{{
			ID:         0,
			Kind:       TaskCyclic,
			Priority:   0,
			IntervalUS: DefaultImplicitIntervalUS,
			EntryPC:    header.EntryPoint,
			StackDepth: 0,
		}}
	}

	if len(prog.Code) < memory.MinCodeSize {
		padded := make([]byte, memory.MinCodeSize)
		copy(padded, prog.Code)
		prog.Code = padded
	}

	if mem != nil {
		mem.LoadCode(prog.Code)
		if prog.Retain != nil {
			retain := prog.Retain
			if len(retain) != memory.RetainSize {
				padded := make([]byte, memory.RetainSize)
				copy(padded, retain)
				retain = padded
			}
			if err := mem.LoadRetain(retain); err != nil {
				return nil, ErrBadSegment
			}
		}
	}

	return prog, nil
}
