package operator

import (
	"bufio"
	"io"
	"testing"

	"github.com/zplcvm/zplcvm/bytecode"
	"github.com/zplcvm/zplcvm/debug"
	"github.com/zplcvm/zplcvm/hal"
	"github.com/zplcvm/zplcvm/loader"
	"github.com/zplcvm/zplcvm/memory"
	"github.com/zplcvm/zplcvm/scheduler"
	"github.com/zplcvm/zplcvm/vm"
)

type fakePort struct{ ms uint32 }

func (p *fakePort) Init() error     { return nil }
func (p *fakePort) Shutdown() error { return nil }
func (p *fakePort) TickMS() uint32  { return p.ms }
func (p *fakePort) Sleep(d uint32)  { p.ms += d }

func (p *fakePort) GPIORead(uint16) (uint8, error) { return 0, nil }
func (p *fakePort) GPIOWrite(uint16, uint8) error  { return nil }
func (p *fakePort) ADCRead(uint16) (uint16, error) { return 0, nil }
func (p *fakePort) DACWrite(uint16, uint16) error  { return nil }

func (p *fakePort) Save(string, []byte) error   { return nil }
func (p *fakePort) Load(string) ([]byte, error) { return nil, hal.ErrNotFound }
func (p *fakePort) Delete(string) error         { return nil }

func (p *fakePort) Log(hal.Level, string, ...hal.Field) {}

func asm(ins ...bytecode.Instruction) []byte {
	var out []byte
	for _, i := range ins {
		out = append(out, bytecode.Encode(i)...)
	}
	return out
}

// pipeRW wires a client harness to the server's Serve loop without a real
// network or file descriptor.
type pipeRW struct {
	io.Reader
	io.Writer
}

func newServerForTest(t *testing.T) (*Server, *bufio.Reader, io.Writer, func()) {
	t.Helper()
	mem := memory.New()
	padded := make([]byte, memory.MinCodeSize)
	copy(padded, asm(bytecode.Instruction{Opcode: bytecode.HALT}))
	mem.LoadCode(padded)

	bp := vm.NewBreakpoints()
	port := &fakePort{}
	sched := scheduler.New(mem, bp, func() uint64 { return uint64(port.ms) * 1000 })
	sched.LoadTasks([]loader.Task{{ID: 0, Kind: loader.TaskCyclic, Priority: 0, IntervalUS: 0, EntryPC: 0}})

	dbg := debug.New(mem, sched, bp, port, 1)
	caps := hal.Capabilities{FPU: false, MPU: false, Scheduler: "priority-preemptive", MaxTasks: 32, MaxBreakpoints: vm.BreakpointCapacity, RetainBytes: memory.RetainSize}
	s := NewServer(dbg, sched, nil, nil, caps, "zplcvm-test-board", "0.1.0")

	clientToServerR, clientToServerW := io.Pipe()
	serverToClientR, serverToClientW := io.Pipe()

	go func() { s.Serve(pipeRW{Reader: clientToServerR, Writer: serverToClientW}) }()

	stop := func() { clientToServerW.Close() }
	return s, bufio.NewReader(serverToClientR), clientToServerW, stop
}

func sendAndRead(t *testing.T, w io.Writer, r *bufio.Reader, cmd string) string {
	t.Helper()
	if _, err := io.WriteString(w, cmd+"\n"); err != nil {
		t.Fatalf("write command: %v", err)
	}
	line, err := r.ReadString('\n')
	if err != nil {
		t.Fatalf("read response: %v", err)
	}
	return line
}

func TestSysInfoCommand(t *testing.T) {
	_, r, w, stop := newServerForTest(t)
	defer stop()

	resp := sendAndRead(t, w, r, "sys info")
	if resp[:3] != "OK:" {
		t.Fatalf("sys info response = %q, want OK: prefix", resp)
	}
}

func TestStatusJSONCommand(t *testing.T) {
	_, r, w, stop := newServerForTest(t)
	defer stop()

	resp := sendAndRead(t, w, r, "status --json")
	if resp[:3] != "OK:" {
		t.Fatalf("status --json response = %q, want OK: prefix", resp)
	}
}

func TestUnknownCommandReturnsError(t *testing.T) {
	_, r, w, stop := newServerForTest(t)
	defer stop()

	resp := sendAndRead(t, w, r, "frobnicate")
	if resp[:6] != "ERROR:" {
		t.Fatalf("unknown command response = %q, want ERROR: prefix", resp)
	}
}

func TestDebugBreakpointAddIsIdempotent(t *testing.T) {
	_, r, w, stop := newServerForTest(t)
	defer stop()

	resp := sendAndRead(t, w, r, "dbg bp add 5")
	if resp[:3] != "OK:" {
		t.Fatalf("dbg bp add response = %q", resp)
	}
	resp = sendAndRead(t, w, r, "dbg bp add 5")
	if resp[:3] != "OK:" {
		t.Fatalf("re-adding an armed breakpoint should still be OK:, got %q", resp)
	}
}

func TestLoadUnknownFileReturnsError(t *testing.T) {
	_, r, w, stop := newServerForTest(t)
	defer stop()

	resp := sendAndRead(t, w, r, "load /nonexistent/path/does-not-exist.zplc")
	if resp[:6] != "ERROR:" {
		t.Fatalf("load of missing file response = %q, want ERROR: prefix", resp)
	}
}
