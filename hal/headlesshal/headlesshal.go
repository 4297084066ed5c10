//go:build headless

// Package headlesshal is an in-memory HAL port with no OS dependencies,
// used by CI, fuzzing, and embedded builds with no filesystem. It exposes
// the same methods as the desktop backend, every one a no-op or map lookup,
// selected by the "headless" build tag.
package headlesshal

import (
	"sync"

	"github.com/zplcvm/zplcvm/hal"
)

// Port is the headless HAL backend. TickMS is driven by an explicit
// Advance call rather than a wall clock, so tests get fully deterministic
// pacing.
type Port struct {
	mu sync.Mutex

	gpio  map[uint16]uint8
	adc   map[uint16]uint16
	dac   map[uint16]uint16
	store map[string][]byte

	ms  uint32
	log hal.Log
}

// New creates an empty headless port.
func New() *Port {
	return &Port{
		gpio:  make(map[uint16]uint8),
		adc:   make(map[uint16]uint16),
		dac:   make(map[uint16]uint16),
		store: make(map[string][]byte),
		log:   hal.NewStdLogSink(),
	}
}

func (p *Port) Init() error     { return nil }
func (p *Port) Shutdown() error { return nil }

// Advance moves the port's simulated clock forward by d milliseconds. Tests
// call this instead of waiting on a real Sleep.
func (p *Port) Advance(d uint32) {
	p.mu.Lock()
	p.ms += d
	p.mu.Unlock()
}

func (p *Port) TickMS() uint32 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ms
}

func (p *Port) Sleep(d uint32) {
	p.Advance(d)
}

func (p *Port) GPIORead(channel uint16) (uint8, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.gpio[channel], nil
}

func (p *Port) GPIOWrite(channel uint16, value uint8) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.gpio[channel] = value
	return nil
}

func (p *Port) ADCRead(channel uint16) (uint16, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.adc[channel], nil
}

func (p *Port) DACWrite(channel uint16, value uint16) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.dac[channel] = value
	return nil
}

func (p *Port) Save(key string, data []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	cp := make([]byte, len(data))
	copy(cp, data)
	p.store[key] = cp
	return nil
}

func (p *Port) Load(key string) ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	data, ok := p.store[key]
	if !ok {
		return nil, hal.ErrNotFound
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	return cp, nil
}

func (p *Port) Delete(key string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.store, key)
	return nil
}

func (p *Port) Log(level hal.Level, msg string, fields ...hal.Field) {
	p.log.Log(level, msg, fields...)
}
