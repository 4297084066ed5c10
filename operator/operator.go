// Package operator implements the line-oriented operator shell/serial
// surface (spec §6.3): load/start/stop/reset, status/sys-info queries, and
// the full dbg sub-command namespace, dispatched over any io.ReadWriter and
// always terminated with a single `OK:<payload>` or `ERROR:<msg>` line.
//
// The server loop reads one frame, dispatches it, and writes exactly one
// reply; the wire contract is plain-text, not JSON (JSON is only one of the
// optional response encodings for `status`/`sys info`, selected per spec by
// an explicit `--json` flag).
package operator

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"sync"

	"github.com/zplcvm/zplcvm/debug"
	"github.com/zplcvm/zplcvm/hal"
	"github.com/zplcvm/zplcvm/persist"
	"github.com/zplcvm/zplcvm/scancycle"
	"github.com/zplcvm/zplcvm/scheduler"
)

// Server dispatches the §6.3 command set against one loaded program's debug
// engine, scheduler, scan-cycle orchestrator, and persistence gateway.
type Server struct {
	mu sync.Mutex

	dbg   *debug.Engine
	sched *scheduler.Scheduler
	orch  *scancycle.Orchestrator
	gw    *persist.Gateway

	caps     hal.Capabilities
	board    string
	firmware string

	taskID uint16
}

// NewServer creates an operator Server. gw may be nil (no persisted program
// size reporting). The debug session's selected task defaults to 0;
// programs with more than one task select another with SetDebugTask.
func NewServer(dbg *debug.Engine, sched *scheduler.Scheduler, orch *scancycle.Orchestrator, gw *persist.Gateway, caps hal.Capabilities, board, firmware string) *Server {
	return &Server{dbg: dbg, sched: sched, orch: orch, gw: gw, caps: caps, board: board, firmware: firmware}
}

// SetDebugTask selects which task's VM "dbg ..." sub-commands target.
func (s *Server) SetDebugTask(id uint16) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.taskID = id
}

func (s *Server) debugTask() uint16 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.taskID
}

// Serve reads newline-terminated commands from rw and writes exactly one
// OK:/ERROR: reply per command until rw returns EOF or a read error.
func (s *Server) Serve(rw io.ReadWriter) error {
	sc := bufio.NewScanner(rw)
	w := bufio.NewWriter(rw)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		payload, err := s.dispatch(line)
		if err != nil {
			fmt.Fprintf(w, "ERROR:%s\n", err)
		} else {
			fmt.Fprintf(w, "OK:%s\n", payload)
		}
		if err := w.Flush(); err != nil {
			return err
		}
	}
	return sc.Err()
}

func (s *Server) dispatch(line string) (string, error) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return "", fmt.Errorf("empty command")
	}

	switch fields[0] {
	case "load":
		if len(fields) != 2 {
			return "", fmt.Errorf("usage: load <file>")
		}
		return s.cmdLoad(fields[1])
	case "start":
		if err := s.dbg.Start(); err != nil {
			return "", err
		}
		return "", nil
	case "stop":
		s.dbg.Stop()
		return "", nil
	case "reset":
		return "", s.cmdReset()
	case "status":
		return s.cmdStatus(hasFlag(fields[1:], "--json"))
	case "sys":
		if len(fields) < 2 || fields[1] != "info" {
			return "", fmt.Errorf("usage: sys info [--json]")
		}
		return s.cmdSysInfo(hasFlag(fields[2:], "--json"))
	case "dbg":
		return s.dispatchDebug(fields[1:])
	default:
		return "", fmt.Errorf("unknown command %q", fields[0])
	}
}

func hasFlag(fields []string, flag string) bool {
	for _, f := range fields {
		if f == flag {
			return true
		}
	}
	return false
}

func (s *Server) cmdLoad(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("load: %w", err)
	}
	if _, err := s.dbg.LoadProgram(data); err != nil {
		return "", err
	}
	if s.gw != nil {
		if err := s.gw.SaveProgram(data); err != nil {
			return "", fmt.Errorf("load: installed but failed to persist: %w", err)
		}
	}
	return strconv.Itoa(len(data)), nil
}

func (s *Server) cmdReset() error {
	for _, st := range s.sched.Statuses() {
		if err := s.dbg.Reset(st.ID); err != nil {
			return err
		}
	}
	return nil
}

// statsView is the §6.3 "stats" block.
type statsView struct {
	Cycles      uint64 `json:"cycles"`
	Overruns    uint64 `json:"overruns"`
	ActiveTasks int    `json:"active_tasks"`
	ProgramSize uint32 `json:"program_size"`
}

type vmView struct {
	PC     uint16 `json:"pc"`
	SP     int    `json:"sp"`
	Halted bool   `json:"halted"`
	Error  string `json:"error,omitempty"`
}

type memoryView struct {
	CodeLen     int  `json:"code_len"`
	RetainDirty bool `json:"retain_dirty"`
}

// statusView mirrors spec §6.3's status response shape exactly:
// {state, uptime_ms, stats, tasks, memory, vm, opi}.
type statusView struct {
	State      string                 `json:"state"`
	UptimeMS   uint64                 `json:"uptime_ms"`
	Stats      statsView              `json:"stats"`
	Tasks      []scheduler.TaskStatus `json:"tasks"`
	Memory     memoryView             `json:"memory"`
	VM         vmView                 `json:"vm"`
	OPI        []byte                 `json:"opi"`
	ForcedMask []uint32               `json:"forced_mask"`
}

func (s *Server) buildStatusView() (statusView, error) {
	st := s.dbg.GetStatus()
	info, err := s.dbg.GetInfo(s.debugTask())
	if err != nil {
		return statusView{}, err
	}

	var programSize uint32
	if s.gw != nil {
		if meta, ok, err := s.gw.ProgramMetaRecord(); err == nil && ok {
			programSize = meta.Size
		}
	}

	var cycles, overruns uint64
	if s.orch != nil {
		stats := s.orch.Stats()
		cycles, overruns = stats.Cycles, stats.Overruns
	}

	return statusView{
		State:    st.State,
		UptimeMS: st.UptimeMS,
		Stats: statsView{
			Cycles:      cycles,
			Overruns:    overruns,
			ActiveTasks: len(st.Tasks),
			ProgramSize: programSize,
		},
		Tasks:      st.Tasks,
		Memory:     memoryView{CodeLen: st.Memory.CodeLen, RetainDirty: st.Memory.RetainDirty},
		VM:         vmView{PC: info.PC, SP: info.SP, Halted: info.Halted, Error: info.Error},
		OPI:        st.OPI,
		ForcedMask: st.ForcedMask,
	}, nil
}

func (s *Server) cmdStatus(jsonOut bool) (string, error) {
	view, err := s.buildStatusView()
	if err != nil {
		return "", err
	}
	if jsonOut {
		b, err := json.Marshal(view)
		if err != nil {
			return "", err
		}
		return string(b), nil
	}
	return fmt.Sprintf("state=%s uptime_ms=%d cycles=%d overruns=%d active_tasks=%d pc=%d sp=%d halted=%t",
		view.State, view.UptimeMS, view.Stats.Cycles, view.Stats.Overruns, view.Stats.ActiveTasks,
		view.VM.PC, view.VM.SP, view.VM.Halted), nil
}

type sysInfoView struct {
	Board          string `json:"board"`
	Firmware       string `json:"firmware"`
	FPU            bool   `json:"fpu"`
	MPU            bool   `json:"mpu"`
	Scheduler      string `json:"scheduler"`
	MaxTasks       int    `json:"max_tasks"`
	MaxBreakpoints int    `json:"max_breakpoints"`
	RetainBytes    int    `json:"retain_bytes"`
}

func (s *Server) cmdSysInfo(jsonOut bool) (string, error) {
	view := sysInfoView{
		Board:          s.board,
		Firmware:       s.firmware,
		FPU:            s.caps.FPU,
		MPU:            s.caps.MPU,
		Scheduler:      s.caps.Scheduler,
		MaxTasks:       s.caps.MaxTasks,
		MaxBreakpoints: s.caps.MaxBreakpoints,
		RetainBytes:    s.caps.RetainBytes,
	}
	if jsonOut {
		b, err := json.Marshal(view)
		if err != nil {
			return "", err
		}
		return string(b), nil
	}
	return fmt.Sprintf("board=%s firmware=%s fpu=%t mpu=%t scheduler=%s max_tasks=%d max_breakpoints=%d retain_bytes=%d",
		view.Board, view.Firmware, view.FPU, view.MPU, view.Scheduler, view.MaxTasks, view.MaxBreakpoints, view.RetainBytes), nil
}

func (s *Server) dispatchDebug(args []string) (string, error) {
	if len(args) == 0 {
		return "", fmt.Errorf("usage: dbg info|peek|poke|pause|resume|step|bp ...")
	}
	taskID := s.debugTask()

	switch args[0] {
	case "info":
		info, err := s.dbg.GetInfo(taskID)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("pc=%d sp=%d halted=%t cycles=%d error=%q", info.PC, info.SP, info.Halted, info.Cycles, info.Error), nil

	case "peek":
		if len(args) != 3 {
			return "", fmt.Errorf("usage: dbg peek <addr> <len>")
		}
		addr, err := strconv.ParseUint(args[1], 0, 32)
		if err != nil {
			return "", fmt.Errorf("dbg peek: bad addr: %w", err)
		}
		length, err := strconv.Atoi(args[2])
		if err != nil {
			return "", fmt.Errorf("dbg peek: bad len: %w", err)
		}
		data, err := s.dbg.Peek(uint32(addr), length)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("%x", data), nil

	case "poke":
		if len(args) != 3 {
			return "", fmt.Errorf("usage: dbg poke <addr> <val>")
		}
		addr, err := strconv.ParseUint(args[1], 0, 32)
		if err != nil {
			return "", fmt.Errorf("dbg poke: bad addr: %w", err)
		}
		val, err := strconv.ParseUint(args[2], 0, 8)
		if err != nil {
			return "", fmt.Errorf("dbg poke: bad val: %w", err)
		}
		if err := s.dbg.Poke(uint32(addr), []byte{byte(val)}); err != nil {
			return "", err
		}
		return "", nil

	case "pause":
		return "", s.dbg.Pause(taskID)

	case "resume":
		return "", s.dbg.Resume(taskID)

	case "step":
		res, err := s.dbg.Step(taskID)
		if err != nil {
			return "", err
		}
		if res.Err != nil {
			return "", res.Err
		}
		return "", nil

	case "bp":
		return s.dispatchBreakpoint(args[1:])

	default:
		return "", fmt.Errorf("unknown dbg sub-command %q", args[0])
	}
}

func (s *Server) dispatchBreakpoint(args []string) (string, error) {
	if len(args) == 0 {
		return "", fmt.Errorf("usage: dbg bp add|remove|clear [<pc>]")
	}
	switch args[0] {
	case "add":
		if len(args) != 2 {
			return "", fmt.Errorf("usage: dbg bp add <pc>")
		}
		pc, err := strconv.ParseUint(args[1], 0, 16)
		if err != nil {
			return "", fmt.Errorf("dbg bp add: bad pc: %w", err)
		}
		return "", s.dbg.SetBreakpoint(uint16(pc))
	case "remove":
		if len(args) != 2 {
			return "", fmt.Errorf("usage: dbg bp remove <pc>")
		}
		pc, err := strconv.ParseUint(args[1], 0, 16)
		if err != nil {
			return "", fmt.Errorf("dbg bp remove: bad pc: %w", err)
		}
		s.dbg.RemoveBreakpoint(uint16(pc))
		return "", nil
	case "clear":
		s.dbg.ClearBreakpoints()
		return "", nil
	default:
		return "", fmt.Errorf("unknown dbg bp sub-command %q", args[0])
	}
}
