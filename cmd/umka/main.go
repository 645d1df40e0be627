// cmd/umka/main.go
package main

import (
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"

	"github.com/Rorikss/UMKA/internal/bytecode"
	"github.com/Rorikss/UMKA/internal/diag"
	vmerrors "github.com/Rorikss/UMKA/internal/errors"
	"github.com/Rorikss/UMKA/internal/heap"
	"github.com/Rorikss/UMKA/internal/inspect"
	"github.com/Rorikss/UMKA/internal/jit"
	"github.com/Rorikss/UMKA/internal/profiler"
	"github.com/Rorikss/UMKA/internal/vm"
)

const version = "0.1.0"

type config struct {
	inspectAddr     string
	gcPercent       float64
	entryThreshold  int64
	branchThreshold int64
	path            string
}

func main() {
	if len(os.Args) > 1 {
		switch os.Args[1] {
		case "--help", "-h", "help":
			showUsage()
			return
		case "--version", "-v", "version":
			fmt.Printf("umka_vm %s\n", version)
			return
		}
	}

	fs := flag.NewFlagSet("umka_vm", flag.ExitOnError)
	cfg := config{}
	fs.StringVar(&cfg.inspectAddr, "inspect", "", "serve a /events websocket observability stream on addr")
	fs.Float64Var(&cfg.gcPercent, "gc-percent", heap.GCPercent, "fraction of detected RAM used as the GC threshold")
	fs.Int64Var(&cfg.entryThreshold, "jit-entry-threshold", profiler.EntryThreshold, "call count above which a function is hot")
	fs.Int64Var(&cfg.branchThreshold, "jit-branch-threshold", profiler.BranchThreshold, "backward-branch count above which a function is hot")
	fs.Usage = showUsage
	if err := fs.Parse(os.Args[1:]); err != nil {
		os.Exit(1)
	}

	cfg.path = fs.Arg(0)
	if cfg.path == "" {
		fmt.Fprintln(os.Stderr, "Error: no bytecode file provided")
		showUsage()
		os.Exit(1)
	}

	if err := run(cfg); err != nil {
		if vmErr, ok := err.(*vmerrors.VMError); ok {
			fmt.Fprintf(os.Stderr, "%s\n", vmErr.Error())
		} else {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		}
		os.Exit(1)
	}
}

func run(cfg config) error {
	f, err := os.Open(cfg.path)
	if err != nil {
		return fmt.Errorf("opening bytecode file: %w", err)
	}
	defer f.Close()

	program, err := bytecode.Read(f)
	if err != nil {
		return err
	}

	logger := diag.Default()
	heapStore := heap.NewWithPercent(cfg.gcPercent)
	heapStore.SetLogger(logger)

	if cfg.inspectAddr != "" {
		hub := inspect.NewHub()
		heapStore.SetLogger(hub)
		go func() {
			mux := http.NewServeMux()
			mux.HandleFunc("/events", hub.ServeHTTP)
			if err := http.ListenAndServe(cfg.inspectAddr, mux); err != nil {
				log.Printf("inspect: server stopped: %v", err)
			}
		}()
		logger.Logf("inspect: observability stream listening on %s/events", cfg.inspectAddr)
	}

	machine := vm.New(program, heapStore)
	machine.Profiler = profiler.NewWithThresholds(cfg.entryThreshold, cfg.branchThreshold)
	machine.Jit = jit.NewManager(program.Constants, logger)
	defer machine.Jit.Stop()

	result, err := machine.Run()
	if err != nil {
		return err
	}
	_ = result
	return nil
}

func showUsage() {
	fmt.Println("umka_vm - tiered bytecode interpreter")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  umka_vm [flags] <bytecode_path>      Run a compiled bytecode file")
	fmt.Println("  umka_vm --version                    Print version")
	fmt.Println("  umka_vm --help                       Show this message")
	fmt.Println()
	fmt.Println("Flags:")
	fmt.Println("  --inspect <addr>              Also serve a /events websocket observability stream")
	fmt.Println("  --gc-percent <fraction>        Fraction of detected RAM used as the GC threshold")
	fmt.Println("  --jit-entry-threshold <n>      Call count above which a function is hot")
	fmt.Println("  --jit-branch-threshold <n>     Backward-branch count above which a function is hot")
}
