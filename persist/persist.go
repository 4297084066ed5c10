// Package persist implements the Persistence Gateway (C8, spec §4.8, §6.4):
// RETAIN load/flush against the HAL persistence port's dirty-flag protocol,
// and atomic, CRC-verified storage of the installed program image so the
// next boot can re-load and re-execute it.
//
// Save/Load never mutate a memory.Map directly; they only move bytes to and
// from the HAL port (whose sandboxed key-to-path handling lives one level
// down), so a failed operation never corrupts live VM state. Persistence
// failures are logged, never fatal (spec §7).
package persist

import (
	"encoding/json"
	"fmt"

	"github.com/zplcvm/zplcvm/hal"
	"github.com/zplcvm/zplcvm/loader"
	"github.com/zplcvm/zplcvm/memory"
)

// Key names for the two required keys plus the optional metadata record
// (spec §6.4).
const (
	KeyProgram     = "program"
	KeyRetain      = "retain"
	KeyProgramMeta = "program_meta"
)

// ProgramMeta is the optional program_meta record (spec §6.4), JSON-encoded
// — a host-side convenience record, not part of the wire format.
type ProgramMeta struct {
	VersionMajor uint16 `json:"version_major"`
	VersionMinor uint16 `json:"version_minor"`
	Size         uint32 `json:"size"`
	CRC32        uint32 `json:"crc32"`
}

// Gateway mediates RETAIN and program-image persistence through a HAL port.
type Gateway struct {
	port hal.Persistence
	log  hal.Log
}

// New creates a Gateway over port. log may be nil to discard diagnostics.
func New(port hal.Persistence, log hal.Log) *Gateway {
	return &Gateway{port: port, log: log}
}

func (g *Gateway) logf(level hal.Level, msg string, fields ...hal.Field) {
	if g.log != nil {
		g.log.Log(level, msg, fields...)
	}
}

// LoadRetain restores RETAIN into mem on boot: if the stored blob is absent
// or its size doesn't match memory.RetainSize, RETAIN is left zero-init
// instead (spec §4.8).
func (g *Gateway) LoadRetain(mem *memory.Map) error {
	data, err := g.port.Load(KeyRetain)
	if err == hal.ErrNotFound {
		g.logf(hal.LevelInfo, "no stored RETAIN, starting zero-init")
		return nil
	}
	if err != nil {
		g.logf(hal.LevelWarn, "RETAIN load failed, starting zero-init", hal.F("err", err))
		return nil
	}
	if len(data) != memory.RetainSize {
		g.logf(hal.LevelWarn, "stored RETAIN size mismatch, starting zero-init",
			hal.F("got", len(data)), hal.F("want", memory.RetainSize))
		return nil
	}
	if err := mem.LoadRetain(data); err != nil {
		return fmt.Errorf("persist: load retain: %w", err)
	}
	return nil
}

// FlushRetain persists RETAIN if mem's dirty flag is set, clearing the flag
// only on a successful save so a failed flush retries next cycle. Failures
// are logged, never returned as fatal to the caller (spec §4.8, §7): the
// scan-cycle housekeeping phase must never block on a persistence fault.
func (g *Gateway) FlushRetain(mem *memory.Map) {
	if !mem.RetainDirty() {
		return
	}
	if err := g.port.Save(KeyRetain, mem.SnapshotRetain()); err != nil {
		g.logf(hal.LevelError, "RETAIN flush failed", hal.F("err", err))
		return
	}
	mem.ClearRetainDirty()
}

// SaveProgram atomically persists a validated .zplc image and its metadata
// record under the program/program_meta keys (spec §6.4, "load_program").
// data must already have passed loader.Load's CRC check; SaveProgram only
// records it for the next boot.
func (g *Gateway) SaveProgram(data []byte) error {
	if err := g.port.Save(KeyProgram, data); err != nil {
		return fmt.Errorf("persist: save program: %w", err)
	}
	h, err := loader.PeekHeader(data)
	if err != nil {
		return fmt.Errorf("persist: save program: %w", err)
	}
	meta := ProgramMeta{
		VersionMajor: h.VersionMajor,
		VersionMinor: h.VersionMinor,
		Size:         uint32(len(data)),
		CRC32:        h.CRC32,
	}
	encoded, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("persist: encode program_meta: %w", err)
	}
	if err := g.port.Save(KeyProgramMeta, encoded); err != nil {
		// The program bytes are already safely stored; losing the
		// convenience metadata record is non-fatal.
		g.logf(hal.LevelWarn, "program_meta save failed", hal.F("err", err))
	}
	return nil
}

// LoadProgram returns the most recently stored .zplc bytes, or (nil, false)
// if none has ever been saved. Returned bytes still need loader.Load before
// execution: SaveProgram only guarantees they were valid when stored.
func (g *Gateway) LoadProgram() ([]byte, bool, error) {
	data, err := g.port.Load(KeyProgram)
	if err == hal.ErrNotFound {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("persist: load program: %w", err)
	}
	return data, true, nil
}

// ProgramMetaRecord returns the optional program_meta record, if present.
func (g *Gateway) ProgramMetaRecord() (ProgramMeta, bool, error) {
	data, err := g.port.Load(KeyProgramMeta)
	if err == hal.ErrNotFound {
		return ProgramMeta{}, false, nil
	}
	if err != nil {
		return ProgramMeta{}, false, fmt.Errorf("persist: load program_meta: %w", err)
	}
	var meta ProgramMeta
	if err := json.Unmarshal(data, &meta); err != nil {
		return ProgramMeta{}, false, fmt.Errorf("persist: decode program_meta: %w", err)
	}
	return meta, true, nil
}
