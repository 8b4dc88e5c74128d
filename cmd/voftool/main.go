// voftool assembles a client-interface machine from a YAML description and
// either dumps the finalized device tree or replays a session script
// through the hypercall path, the way a guest firmware shim would call it.
package main

import (
	"flag"
	"log/slog"
	"os"

	"golang.org/x/term"

	"github.com/tinyrange/vof/internal/guestmem"
	"github.com/tinyrange/vof/internal/machine"
)

func main() {
	fs := flag.NewFlagSet(os.Args[0], flag.ExitOnError)

	configPath := fs.String("config", "", "Machine description (YAML)")
	dump := fs.Bool("dump", false, "Print the finalized device tree and exit")
	scriptPath := fs.String("script", "", "Replay a client-interface session script")
	useMmap := fs.Bool("mmap", false, "Back guest memory with an anonymous mapping")
	rawConsole := fs.Bool("raw", false, "Put the terminal in raw mode while the session runs")
	debug := fs.Bool("debug", false, "Enable debug logging")

	if err := fs.Parse(os.Args[1:]); err != nil {
		slog.Error("failed to parse flags", "error", err)
		os.Exit(1)
	}

	level := slog.LevelInfo
	if *debug {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	if *configPath == "" {
		slog.Error("a -config file is required")
		os.Exit(1)
	}

	cfg, err := machine.LoadConfig(*configPath)
	if err != nil {
		slog.Error("failed to load machine config", "error", err)
		os.Exit(1)
	}

	opts := machine.Options{
		Logger:     logger,
		ConsoleIn:  os.Stdin,
		ConsoleOut: os.Stdout,
	}
	if *useMmap {
		mem, err := guestmem.NewMmapRAM(cfg.MemoryMB << 20)
		if err != nil {
			slog.Error("failed to map guest memory", "error", err)
			os.Exit(1)
		}
		defer mem.Close()
		opts.Memory = mem
	}

	m, err := machine.New(cfg, opts)
	if err != nil {
		slog.Error("failed to assemble machine", "error", err)
		os.Exit(1)
	}
	defer m.Close()

	if *dump {
		dumpTree(os.Stdout, m.Tree)
		return
	}

	if *scriptPath == "" {
		slog.Error("nothing to do: pass -dump or -script")
		os.Exit(1)
	}

	if *rawConsole && term.IsTerminal(int(os.Stdin.Fd())) {
		oldState, err := term.MakeRaw(int(os.Stdin.Fd()))
		if err != nil {
			slog.Error("failed to enter raw mode", "error", err)
			os.Exit(1)
		}
		defer term.Restore(int(os.Stdin.Fd()), oldState)
	}

	if err := runScript(m, *scriptPath); err != nil {
		slog.Error("session script failed", "error", err)
		os.Exit(1)
	}
}
