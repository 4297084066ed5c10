//go:build headless

package headlesshal

import (
	"testing"

	"github.com/zplcvm/zplcvm/hal"
)

func TestAdvanceMovesSimulatedClock(t *testing.T) {
	p := New()
	if p.TickMS() != 0 {
		t.Fatalf("fresh port should start at 0ms")
	}
	p.Advance(42)
	if p.TickMS() != 42 {
		t.Fatalf("TickMS = %d, want 42", p.TickMS())
	}
}

func TestPersistenceRoundtrip(t *testing.T) {
	p := New()
	if _, err := p.Load("program"); err != hal.ErrNotFound {
		t.Fatalf("Load on empty store = %v, want ErrNotFound", err)
	}
	if err := p.Save("program", []byte{0xAA, 0xBB}); err != nil {
		t.Fatalf("Save: %v", err)
	}
	got, err := p.Load("program")
	if err != nil || len(got) != 2 || got[0] != 0xAA {
		t.Fatalf("Load = %v,%v want [0xAA 0xBB],nil", got, err)
	}
	if err := p.Delete("program"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := p.Load("program"); err != hal.ErrNotFound {
		t.Fatalf("Load after Delete = %v, want ErrNotFound", err)
	}
}

func TestDigitalAnalogRoundtrip(t *testing.T) {
	p := New()
	p.GPIOWrite(1, 1)
	if v, _ := p.GPIORead(1); v != 1 {
		t.Fatalf("GPIORead = %d, want 1", v)
	}
	p.DACWrite(2, 1000)
	if v, _ := p.ADCRead(2); v != 0 {
		// ADC and DAC are independent channel maps, not wired together.
		t.Fatalf("ADCRead on an unwritten channel = %d, want 0", v)
	}
}
