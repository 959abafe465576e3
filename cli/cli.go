// Package cli provides the command-line interface for the local signing agent.
package cli

import (
	"fmt"
	"os"
)

// Version information
var (
	Version   = "dev"
	BuildTime = "unknown"
)

// osExit is a variable for os.Exit to allow testing
var osExit = os.Exit

// Run executes the CLI with the given arguments.
// This is the main entry point for the CLI.
func Run(args []string) {
	if len(args) < 2 {
		Usage()
		return
	}

	command := args[1]

	switch command {
	case "serve":
		ServeCommand(args)
	case "certificates":
		CertificatesCommand(args)
	case "sign":
		SignCommand(args)
	case "version":
		VersionCommand()
	case "help", "-h", "--help":
		Usage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", command)
		Usage()
	}
}

// Usage prints the CLI usage information.
func Usage() {
	fmt.Printf("localagent - local digital signing agent\n\n")
	fmt.Printf("Usage: %s <command> [options] <args>\n\n", os.Args[0])
	fmt.Println("Commands:")
	fmt.Println("  serve         Run the loopback signing service")
	fmt.Println("  certificates  List available signing identities")
	fmt.Println("  sign          Sign a file or PDF from the command line")
	fmt.Println("  version       Show version information")
	fmt.Println("  help          Show this help message")
	fmt.Println("")
	fmt.Printf("Use '%s <command> -h' for command-specific help\n", os.Args[0])
	fmt.Println("")
	fmt.Println("Examples:")
	fmt.Printf("  %s serve -port 53517\n", os.Args[0])
	fmt.Printf("  %s certificates -credential-dir ~/.localagent/credentials\n", os.Args[0])
	fmt.Printf("  %s sign -protocol DOC-2024-0001 input.pdf signed.pdf\n", os.Args[0])
}

// VersionCommand prints version information.
func VersionCommand() {
	fmt.Printf("localagent version %s\n", Version)
	fmt.Printf("Build time: %s\n", BuildTime)
}
