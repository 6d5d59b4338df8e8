// sealevel-run executes a compiled bytecode program in the Sealevel engine.
//
// It loads an ELF image, creates a single-instruction transaction over a
// set of scratch accounts, runs it and prints the result, the compute
// units consumed and the program logs.
package main

import (
	"encoding/hex"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/fortiblox/sealevel/internal/types"
	"github.com/fortiblox/sealevel/pkg/sealevel"
	"github.com/fortiblox/sealevel/pkg/sealevel/progcache"
	"github.com/fortiblox/sealevel/pkg/sealevel/syscall"
)

var (
	Version = "0.1.0"
)

var (
	budget      = flag.Uint64("budget", sealevel.DefaultComputeBudget, "Transaction compute unit budget")
	heapSize    = flag.Uint64("heap", 0, "Guest heap size in bytes (0 = default)")
	instrData   = flag.String("data", "", "Instruction data, hex encoded")
	numAccounts = flag.Int("accounts", 0, "Number of writable scratch accounts to pass")
	accountSize = flag.Int("account-size", 1024, "Scratch account data size in bytes")
	useJIT      = flag.Bool("jit", false, "Execute through the compiled path")
	cachePath   = flag.String("cache", "", "Program cache file (empty = no cache)")
	timeout     = flag.Duration("timeout", 0, "Cancel execution after this duration (0 = never)")
	showLogs    = flag.Bool("logs", true, "Print program logs")
	showVersion = flag.Bool("version", false, "Print version and exit")
)

func main() {
	flag.Parse()

	if *showVersion {
		fmt.Printf("sealevel-run %s\n", Version)
		os.Exit(0)
	}
	if flag.NArg() != 1 {
		fmt.Fprintf(os.Stderr, "usage: sealevel-run [flags] <program.so>\n")
		flag.PrintDefaults()
		os.Exit(2)
	}

	log.SetFlags(log.Ldate | log.Ltime | log.Lmicroseconds)

	elf, err := os.ReadFile(flag.Arg(0))
	if err != nil {
		log.Fatalf("read program: %v", err)
	}

	data, err := hex.DecodeString(*instrData)
	if err != nil {
		log.Fatalf("decode -data: %v", err)
	}

	cfg := sealevel.Config{
		ComputeBudget: *budget,
		HeapSize:      *heapSize,
	}
	if *cachePath != "" {
		cache, err := progcache.Open(*cachePath)
		if err != nil {
			log.Fatalf("open cache: %v", err)
		}
		defer cache.Close()
		cfg.Cache = cache
	}
	machine := sealevel.NewMachine(cfg)

	registry := syscall.NewRegistry()
	if err := syscall.RegisterDefaults(registry); err != nil {
		log.Fatalf("register syscalls: %v", err)
	}

	program, err := machine.NewProgram(registry, elf)
	if err != nil {
		log.Fatalf("create program: %v", err)
	}
	if *useJIT {
		if err := program.Compile(); err != nil {
			log.Fatalf("compile program: %v", err)
		}
	}

	accounts := make([]*sealevel.Account, *numAccounts)
	metas := make([]sealevel.InstructionAccount, *numAccounts)
	for i := range accounts {
		var key types.Pubkey
		key[0] = byte(i + 1)
		accounts[i] = &sealevel.Account{
			Key:   key,
			Owner: types.SystemProgramAddr,
			Data:  make([]byte, *accountSize),
		}
		metas[i] = sealevel.InstructionAccount{Index: i, IsWritable: true}
	}

	ic := machine.NewInvokeContext(accounts)
	if *timeout > 0 {
		timer := time.AfterFunc(*timeout, ic.Cancel)
		defer timer.Stop()
	}

	start := time.Now()
	res, err := ic.ProcessInstruction(program, metas, data)
	elapsed := time.Since(start)

	if *showLogs {
		for _, line := range ic.Logs() {
			log.Printf("log: %s", line)
		}
	}
	if err != nil {
		log.Printf("execution failed after %s, %d units consumed: %v",
			elapsed, ic.ComputeMeter().Consumed(), err)
		os.Exit(1)
	}
	log.Printf("r0=%d units=%d elapsed=%s", res.Return, res.UnitsConsumed, elapsed)
}
