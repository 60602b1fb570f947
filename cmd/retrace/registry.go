package main

import (
	"flag"
	"fmt"
	"sort"
	"strings"
)

// CommandInfo describes a CLI command.
type CommandInfo struct {
	Name     string
	Desc     string
	Category string
	Run      func(cfg *Config, args []string) int
}

// commands is the registry of all available commands.
var commands = map[string]CommandInfo{
	// Recordings
	"sessions": {Name: "sessions", Desc: "List stored recordings", Category: "Recordings", Run: func(cfg *Config, args []string) int { return cmdSessions(cfg) }},
	"show": {Name: "show", Desc: "Show a recording", Category: "Recordings", Run: func(cfg *Config, args []string) int {
		if len(args) < 1 {
			return cmdMissingArg(cfg, "usage: retrace show <id>")
		}
		return cmdShow(cfg, args[0])
	}},
	"delete": {Name: "delete", Desc: "Delete a recording and its runs", Category: "Recordings", Run: func(cfg *Config, args []string) int {
		if len(args) < 1 {
			return cmdMissingArg(cfg, "usage: retrace delete <id>")
		}
		return cmdDelete(cfg, args[0])
	}},
	"import": {Name: "import", Desc: "Import a recording from a JSON file", Category: "Recordings", Run: func(cfg *Config, args []string) int {
		if len(args) < 1 {
			return cmdMissingArg(cfg, "usage: retrace import <file.json>")
		}
		return cmdImport(cfg, args[0])
	}},
	"export": {Name: "export", Desc: "Export a recording as JSON", Category: "Recordings", Run: func(cfg *Config, args []string) int {
		if len(args) < 1 {
			return cmdMissingArg(cfg, "usage: retrace export <id> [file.json]")
		}
		out := ""
		if len(args) > 1 {
			out = args[1]
		}
		return cmdExport(cfg, args[0], out)
	}},

	// Replay
	"replay": {Name: "replay", Desc: "Replay a recording against a live page", Category: "Replay", Run: func(cfg *Config, args []string) int { return cmdReplay(cfg, args) }},
	"runs": {Name: "runs", Desc: "List replay runs for a recording", Category: "Replay", Run: func(cfg *Config, args []string) int {
		if len(args) < 1 {
			return cmdMissingArg(cfg, "usage: retrace runs <recording-id>")
		}
		return cmdRuns(cfg, args[0])
	}},

	// Server
	"serve": {Name: "serve", Desc: "Run the HTTP replay server", Category: "Server", Run: func(cfg *Config, args []string) int { return cmdServe(cfg, args) }},
}

// cmdMissingArg prints a usage message and returns ExitError.
func cmdMissingArg(cfg *Config, usage string) int {
	fmt.Fprintln(cfg.Stderr, usage)
	return ExitError
}

// categoryOrder defines the display order for command categories.
var categoryOrder = []string{
	"Recordings",
	"Replay",
	"Server",
}

// printUsage prints the usage message with commands grouped by category.
func printUsage(cfg *Config, fs *flag.FlagSet) {
	fmt.Fprintln(cfg.Stderr, "usage: retrace [flags] <command>")
	fmt.Fprintln(cfg.Stderr)

	grouped := make(map[string][]string)
	for _, cmd := range commands {
		grouped[cmd.Category] = append(grouped[cmd.Category], fmt.Sprintf("%-10s %s", cmd.Name, cmd.Desc))
	}
	for _, cat := range categoryOrder {
		lines := grouped[cat]
		if len(lines) == 0 {
			continue
		}
		sort.Strings(lines)
		fmt.Fprintf(cfg.Stderr, "  %s:\n", cat)
		fmt.Fprintf(cfg.Stderr, "    %s\n", strings.Join(lines, "\n    "))
		fmt.Fprintln(cfg.Stderr)
	}

	fmt.Fprintln(cfg.Stderr, "flags:")
	fs.PrintDefaults()
}
