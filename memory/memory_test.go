package memory

import "testing"

func TestReadWriteRoundTrip32(t *testing.T) {
	m := New()
	if err := m.Write32(OPIBase, 0x12345678); err != nil {
		t.Fatalf("Write32: %v", err)
	}
	got, err := m.Read32(OPIBase)
	if err != nil {
		t.Fatalf("Read32: %v", err)
	}
	if got != 0x12345678 {
		t.Fatalf("got 0x%08X, want 0x12345678", got)
	}
}

func TestWriteIPIRefused(t *testing.T) {
	m := New()
	if err := m.Write8(IPIBase, 1); err != ErrOutOfBounds {
		t.Fatalf("Write8 to IPI: got %v, want ErrOutOfBounds", err)
	}
}

func TestWriteCodeRefused(t *testing.T) {
	m := New()
	m.LoadCode(make([]byte, MinCodeSize))
	if err := m.Write8(CodeBase, 1); err != ErrOutOfBounds {
		t.Fatalf("Write8 to CODE: got %v, want ErrOutOfBounds", err)
	}
}

func TestOutOfBoundsAddress(t *testing.T) {
	m := New()
	// Gap between RETAIN end (0x5000) and CODE base (0x5000) is none, but
	// an address past RETAIN with no CODE loaded resolves nowhere.
	if _, err := m.Read8(RetainBase + RetainSize); err != ErrOutOfBounds {
		t.Fatalf("Read8 past RETAIN with no CODE loaded: got %v, want ErrOutOfBounds", err)
	}
}

func TestSpanningTwoRegionsRejected(t *testing.T) {
	m := New()
	// addr at the last byte of IPI, reading 2 bytes spans into OPI.
	if _, err := m.Read16(IPIBase + IPISize - 1); err != ErrOutOfBounds {
		t.Fatalf("Read16 spanning regions: got %v, want ErrOutOfBounds", err)
	}
}

func TestPokeIPIAllowedWriteRefused(t *testing.T) {
	m := New()
	if err := m.Poke(IPIBase, []byte{0xAA}); err != nil {
		t.Fatalf("Poke IPI: %v", err)
	}
	v, err := m.Read8(IPIBase)
	if err != nil || v != 0xAA {
		t.Fatalf("Read8 after poke: v=%d err=%v", v, err)
	}
	if err := m.Write8(IPIBase, 0); err != ErrOutOfBounds {
		t.Fatalf("normal VM write to IPI: got %v, want ErrOutOfBounds", err)
	}
}

func TestPokeCodeRefused(t *testing.T) {
	m := New()
	m.LoadCode(make([]byte, MinCodeSize))
	if err := m.Poke(CodeBase, []byte{1}); err != ErrOutOfBounds {
		t.Fatalf("Poke CODE: got %v, want ErrOutOfBounds", err)
	}
}

func TestRetainDirtyFlag(t *testing.T) {
	m := New()
	if m.RetainDirty() {
		t.Fatal("fresh map should not be dirty")
	}
	if err := m.Write8(RetainBase, 1); err != nil {
		t.Fatalf("Write8 RETAIN: %v", err)
	}
	if !m.RetainDirty() {
		t.Fatal("RETAIN write should set dirty flag")
	}
	m.ClearRetainDirty()
	if m.RetainDirty() {
		t.Fatal("ClearRetainDirty should reset flag")
	}
}

func TestClearWork(t *testing.T) {
	m := New()
	if err := m.Write32(WorkBase, 0xFFFFFFFF); err != nil {
		t.Fatalf("Write32: %v", err)
	}
	if err := m.ClearWork(0, 16); err != nil {
		t.Fatalf("ClearWork: %v", err)
	}
	got, _ := m.Read32(WorkBase)
	if got != 0 {
		t.Fatalf("got 0x%08X after ClearWork, want 0", got)
	}
}

func TestPeekReadOnlyRegionAllowedAnyState(t *testing.T) {
	m := New()
	m.LoadCode([]byte{0x01, 0x02, 0x03})
	b, err := m.Peek(CodeBase, 3)
	if err != nil {
		t.Fatalf("Peek CODE: %v", err)
	}
	if b[0] != 0x01 || b[1] != 0x02 || b[2] != 0x03 {
		t.Fatalf("Peek returned %v", b)
	}
}

func TestResetOPI(t *testing.T) {
	m := New()
	m.Write32(OPIBase, 0xAAAAAAAA)
	m.ResetOPI()
	v, _ := m.Read32(OPIBase)
	if v != 0 {
		t.Fatalf("ResetOPI left 0x%08X", v)
	}
}

func TestRegionPtr(t *testing.T) {
	m := New()
	m.Write8(WorkBase+5, 0x42)
	view, err := m.RegionPtr(WorkBase)
	if err != nil {
		t.Fatalf("RegionPtr: %v", err)
	}
	if view[5] != 0x42 {
		t.Fatalf("RegionPtr view[5] = %d, want 0x42", view[5])
	}
}
