// Command localagent runs the local digital signing agent.
//
// Usage:
//
//	localagent <command> [options] <args>
//
// Commands:
//
//	serve         Run the loopback signing service
//	certificates  List available signing identities
//	sign          Sign a file or PDF from the command line
//	version       Show version information
//	help          Show help message
//
// Examples:
//
//	# Run the service on the default port
//	localagent serve
//
//	# List identities, including ones without a private key
//	localagent certificates -all
//
//	# Seal a PDF with a protocol page
//	localagent sign -protocol DOC-2024-0001 input.pdf signed.pdf
package main

import (
	"os"

	"github.com/signdesk/localagent/cli"
)

// These variables are set at build time using ldflags:
//
//	go build -ldflags "-X main.version=1.0.0 -X main.buildTime=$(date -u +%Y-%m-%dT%H:%M:%SZ)" ./cmd/localagent
var (
	version   = "dev"
	buildTime = "unknown"
)

func main() {
	cli.Version = version
	cli.BuildTime = buildTime

	cli.Run(os.Args)
}
