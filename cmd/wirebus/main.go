package main

import (
	"fmt"
	"log/slog"
	"os"
	"runtime"
)

// Set via -ldflags at build time:
//
//	go build -ldflags "-X main.version=0.1.0 -X main.commit=$(git rev-parse --short HEAD)" -o wirebus ./cmd/wirebus
var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	})))

	if len(os.Args) < 2 {
		printUsage()
		osExit(1)
	}

	switch os.Args[1] {
	case "relay":
		runRelay(os.Args[2:])
	case "endpoint":
		runEndpoint(os.Args[2:])
	case "certgen":
		runCertgen(os.Args[2:])
	case "certfetch":
		runCertfetch(os.Args[2:])
	case "stop":
		runStop(os.Args[2:])
	case "status":
		runStatus(os.Args[2:])
	case "version", "--version":
		fmt.Printf("wirebus %s (%s)\n", version, commit)
		fmt.Printf("Go %s %s/%s\n", runtime.Version(), runtime.GOOS, runtime.GOARCH)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", os.Args[1])
		printUsage()
		osExit(1)
	}
}

func printUsage() {
	fmt.Println("Usage: wirebus <command> [options]")
	fmt.Println()
	fmt.Println("Relay:")
	fmt.Println("  relay --config <file>          Run the relay daemon")
	fmt.Println("  stop [--addr host:port]        Stop a running relay over the control plane")
	fmt.Println("  status [--addr host:port]      Show a running relay's groups and clients")
	fmt.Println()
	fmt.Println("Endpoint:")
	fmt.Println("  endpoint --config <file>       Join groups and print received objects")
	fmt.Println()
	fmt.Println("Credentials:")
	fmt.Println("  certgen [--dir <path>]         Generate a self-signed TLS certificate pair")
	fmt.Println("  certfetch --addr <host:port>   Fetch a relay's certificate over plain TCP")
	fmt.Println()
	fmt.Println("  version                        Show version information")
}
