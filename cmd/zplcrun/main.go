// Command zplcrun is the reference host binary (spec §6): it wires the
// desktop HAL port to the core runtime (memory, loader, scheduler,
// scancycle, debug, persist) and serves the operator protocol (§6.3) over
// stdin/stdout.
//
// Every subsystem is constructed in sequence, then control is handed to one
// blocking run loop; options are parsed with the stdlib flag package.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/zplcvm/zplcvm/debug"
	"github.com/zplcvm/zplcvm/hal"
	"github.com/zplcvm/zplcvm/hal/desktophal"
	"github.com/zplcvm/zplcvm/loader"
	"github.com/zplcvm/zplcvm/memory"
	"github.com/zplcvm/zplcvm/operator"
	"github.com/zplcvm/zplcvm/persist"
	"github.com/zplcvm/zplcvm/scancycle"
	"github.com/zplcvm/zplcvm/scheduler"
	"github.com/zplcvm/zplcvm/vm"
)

// runtimeVersionMajor is the .zplc format major version this build accepts
// (spec §4.4: a mismatch is rejected, never coerced).
const runtimeVersionMajor = 1

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func main() {
	programPath := flag.String("program", "", "path to a .zplc package to load and start at boot")
	scanPeriodMS := flag.Uint("scan-period-ms", 10, "outer scan-cycle period in milliseconds")
	persistDir := flag.String("persist-dir", envOr("ZPLCVM_PERSIST_DIR", "./zplcvm-data"), "directory for RETAIN and program-image persistence (env ZPLCVM_PERSIST_DIR)")
	board := flag.String("board", envOr("ZPLCVM_BOARD", "zplcvm-desktop"), "board identifier reported by sys info (env ZPLCVM_BOARD)")
	console := flag.Bool("console", true, "serve the operator protocol interactively on stdin/stdout")
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: zplcrun [options]\n\nRuns the soft-PLC scan cycle and serves the operator shell on stdin/stdout.\n\nOptions:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nExamples:\n")
		fmt.Fprintf(os.Stderr, "  zplcrun -program blink.zplc\n")
		fmt.Fprintf(os.Stderr, "  zplcrun -scan-period-ms 5 -persist-dir /var/lib/zplcvm\n")
	}
	flag.Parse()

	port, err := desktophal.New(*persistDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	if err := port.Init(); err != nil {
		fmt.Fprintf(os.Stderr, "error: hal init: %v\n", err)
		os.Exit(1)
	}
	defer port.Shutdown()

	mem := memory.New()
	bp := vm.NewBreakpoints()
	sched := scheduler.New(mem, bp, func() uint64 { return uint64(port.TickMS()) * 1000 })
	gw := persist.New(port, port)
	dbg := debug.New(mem, sched, bp, port, runtimeVersionMajor)

	dbg.SetStateChangeHook(func(taskID uint16, state vm.State) {
		port.Log(hal.LevelInfo, "task state change", hal.F("task", taskID), hal.F("state", state))
	})
	dbg.SetErrorHook(func(taskID uint16, msg string) {
		port.Log(hal.LevelError, "task fault", hal.F("task", taskID), hal.F("err", msg))
	})

	var ioMap []loader.IOMapEntry
	bootImage, haveStored, err := gw.LoadProgram()
	if err != nil {
		port.Log(hal.LevelWarn, "stored program load failed", hal.F("err", err))
	}
	if *programPath != "" {
		data, err := os.ReadFile(*programPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}
		bootImage, haveStored = data, true
	}
	if haveStored {
		prog, err := dbg.LoadProgram(bootImage)
		if err != nil {
			fmt.Fprintf(os.Stderr, "error: loading boot program: %v\n", err)
			os.Exit(1)
		}
		ioMap = prog.IOMap
		if err := gw.SaveProgram(bootImage); err != nil {
			port.Log(hal.LevelWarn, "program save failed", hal.F("err", err))
		}
	}
	if err := gw.LoadRetain(mem); err != nil {
		port.Log(hal.LevelWarn, "retain restore failed", hal.F("err", err))
	}

	orch := scancycle.New(mem, sched, port, gw, ioMap, uint32(*scanPeriodMS))
	orch.SetForceQuery(dbg.IsForced)
	orch.SetOverrunHook(func() {
		port.Log(hal.LevelWarn, "scan cycle overrun")
	})

	if haveStored {
		if err := dbg.Start(); err != nil {
			fmt.Fprintf(os.Stderr, "error: starting boot program: %v\n", err)
			os.Exit(1)
		}
	}

	caps := hal.Capabilities{
		FPU:            false,
		MPU:            false,
		Scheduler:      "priority-preemptive",
		MaxTasks:       32,
		MaxBreakpoints: vm.BreakpointCapacity,
		RetainBytes:    memory.RetainSize,
	}
	srv := operator.NewServer(dbg, sched, orch, gw, caps, *board, "0.1.0")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() { errCh <- orch.Run(ctx) }()

	// The operator console runs as a CommGroup worker rather than a bare
	// goroutine: it is exactly the kind of lower-priority communication
	// channel the scheduler's comm-worker pool exists to supervise (spec
	// §5), even though here there is only the one of them.
	comms := scheduler.NewCommGroup(4)
	comms.Register(scheduler.CommWorker{
		Name: "operator-console",
		Run: func(ctx context.Context) error {
			if !*console {
				<-ctx.Done()
				return nil
			}
			return operator.RunStdinConsole(srv)
		},
	})
	comms.Start(ctx)

	<-ctx.Done()
	port.Log(hal.LevelInfo, "shutting down")
	comms.Stop()
	<-errCh
}
