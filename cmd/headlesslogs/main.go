package main

import (
	"fmt"
	"os"
	"runtime"
)

var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	args := os.Args[1:]
	if len(args) == 0 {
		printHelp()
		os.Exit(2)
	}
	_, exitCode := dispatchSubcommand(args)
	os.Exit(exitCode)
}

func dispatchSubcommand(args []string) (bool, int) {
	if len(args) == 0 {
		return false, 0
	}
	switch args[0] {
	case "--version", "-v", "version":
		printVersion()
		return true, 0
	case "--help", "-h", "help":
		printHelp()
		return true, 0
	case "serve":
		return true, runCommand(runServeCommand, args[1:])
	case "tasks":
		return true, runCommand(runTasksCommand, args[1:])
	case "tail":
		return true, runCommand(runTailCommand, args[1:])
	case "emit":
		return true, runCommand(runEmitCommand, args[1:])
	case "admin":
		return true, runCommand(runAdminCommand, args[1:])
	default:
		fmt.Fprintf(os.Stderr, "Error: unknown command %q\n", args[0])
		fmt.Fprintln(os.Stderr, "Run 'headlesslogs --help' for usage.")
		return true, 2
	}
}

func runCommand(handler func([]string) error, args []string) int {
	if err := handler(args); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return exitCodeForError(err)
	}
	return 0
}

func printHelp() {
	fmt.Println("headlesslogs - headless workspace log bridge")
	fmt.Println()
	fmt.Println("USAGE:")
	fmt.Println("  headlesslogs <COMMAND> [FLAGS]")
	fmt.Println()
	fmt.Println("COMMANDS:")
	fmt.Println("  serve [-config path] [-bind addr]  Serve headless task logs over HTTP and WebSocket")
	fmt.Println("  tasks -ide-url URL -owner-token T  List the log streams an instance advertises")
	fmt.Println("  tail -ide-url URL -owner-token T -terminal ID [-raw]")
	fmt.Println("                                     Stream one terminal to stdout")
	fmt.Println("  emit [-chunk-size n] [-interval d] [-duration d]")
	fmt.Println("                                     Print random output, then DONE")
	fmt.Println("  admin <subcommand>                 Manage users, workspaces, instances, grants and sessions")
	fmt.Println("  version                            Show version information")
	fmt.Println()
	fmt.Println("ENVIRONMENT:")
	fmt.Println("  HEADLESSLOGS_AUTH_SECRET           Session signing secret (required by serve)")
	fmt.Println("  HEADLESSLOGS_DB_PATH               SQLite database path")
	fmt.Println("  HEADLESSLOGS_BIND                  Listen address")
}

func printVersion() {
	fmt.Printf("headlesslogs %s\n", version)
	if commit != "unknown" {
		fmt.Printf("  Commit:     %s\n", commit)
	}
	if buildDate != "unknown" {
		fmt.Printf("  Built:      %s\n", buildDate)
	}
	fmt.Printf("  Go version: %s\n", runtime.Version())
}
