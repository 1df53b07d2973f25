// Command impactor-log views and analyzes protocol captures written by
// impactor -protocol-log.
//
// Usage:
//
//	impactor-log <command> [flags] <file.ilog>
//
// Commands:
//
//	view     View a capture in human-readable format
//	export   Export a capture to JSON lines or CSV
//	filter   Filter a capture and write matching events to a new file
//	stats    Show statistics about a capture
//
// Examples:
//
//	# View only AFC traffic
//	impactor-log view -service com.apple.afc session.ilog
//
//	# View only provisioning HTTP calls
//	impactor-log view -layer http session.ilog
//
//	# Keep one device's events
//	impactor-log filter -device-id 00008030-001A -o device.ilog session.ilog
package main

import (
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/plume-impactor/impactor/cmd/impactor-log/commands"
)

const usage = `impactor-log - protocol capture viewer

Usage:
  impactor-log <command> [flags] <file.ilog>

Commands:
  view     View a capture in human-readable format
  export   Export a capture to JSON lines or CSV
  filter   Filter a capture and write matching events to a new file
  stats    Show statistics about a capture

Use "impactor-log <command> -help" for more information about a command.
`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(1)
	}

	cmd := os.Args[1]
	args := os.Args[2:]

	switch cmd {
	case "view":
		runView(args)
	case "export":
		runExport(args)
	case "filter":
		runFilter(args)
	case "stats":
		runStats(args)
	case "-h", "-help", "--help", "help":
		fmt.Print(usage)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", cmd)
		fmt.Fprint(os.Stderr, usage)
		os.Exit(1)
	}
}

func newFlagSet(name, synopsis string) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ExitOnError)
	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "impactor-log %s - %s\n\nUsage:\n  impactor-log %s [flags] <file.ilog>\n\nFlags:\n", name, synopsis, name)
		fs.PrintDefaults()
	}
	return fs
}

// pathArg parses args and returns the capture path.
func pathArg(fs *flag.FlagSet, args []string) string {
	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}
	if fs.NArg() < 1 {
		fmt.Fprintln(os.Stderr, "Error: log file path required")
		fs.Usage()
		os.Exit(1)
	}
	return fs.Arg(0)
}

func fail(err error) {
	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	os.Exit(1)
}

func runView(args []string) {
	fs := newFlagSet("view", "View a capture in human-readable format")
	layer := fs.String("layer", "", "Filter by layer (usbmux, lockdown, service, http)")
	direction := fs.String("direction", "", "Filter by direction (in, out)")
	category := fs.String("category", "", "Filter by category (message, state, error)")
	deviceID := fs.String("device-id", "", "Filter by device UDID")
	service := fs.String("service", "", "Filter by device service name")
	path := pathArg(fs, args)

	filter := commands.ViewFilter{DeviceID: *deviceID, Service: *service}
	if *layer != "" {
		l, err := commands.ParseLayer(*layer)
		if err != nil {
			fail(err)
		}
		filter.Layer = &l
	}
	if *direction != "" {
		d, err := commands.ParseDirection(*direction)
		if err != nil {
			fail(err)
		}
		filter.Direction = &d
	}
	if *category != "" {
		c, err := commands.ParseCategory(*category)
		if err != nil {
			fail(err)
		}
		filter.Category = &c
	}

	if err := commands.RunView(path, filter, os.Stdout); err != nil {
		fail(err)
	}
}

func runExport(args []string) {
	fs := newFlagSet("export", "Export a capture to JSON lines or CSV")
	format := fs.String("format", "jsonl", "Output format (jsonl, csv)")
	output := fs.String("o", "", "Output file (default: stdout)")
	path := pathArg(fs, args)

	var w io.Writer = os.Stdout
	if *output != "" {
		f, err := os.Create(*output)
		if err != nil {
			fail(fmt.Errorf("failed to create output file: %w", err))
		}
		defer f.Close()
		w = f
	}

	if err := commands.RunExport(path, *format, w); err != nil {
		fail(err)
	}
}

func runFilter(args []string) {
	fs := newFlagSet("filter", "Filter a capture and write matching events to a new file")
	output := fs.String("o", "", "Output file (required)")
	var opts commands.FilterOptions
	fs.StringVar(&opts.ConnID, "conn-id", "", "Filter by connection ID")
	fs.StringVar(&opts.DeviceID, "device-id", "", "Filter by device UDID")
	fs.StringVar(&opts.Service, "service", "", "Filter by device service name")
	fs.StringVar(&opts.TimeStart, "time-start", "", "Filter by start time (RFC3339)")
	fs.StringVar(&opts.TimeEnd, "time-end", "", "Filter by end time (RFC3339)")
	fs.StringVar(&opts.Layer, "layer", "", "Filter by layer (usbmux, lockdown, service, http)")
	fs.StringVar(&opts.Direction, "direction", "", "Filter by direction (in, out)")
	fs.StringVar(&opts.Category, "category", "", "Filter by category (message, state, error)")
	path := pathArg(fs, args)

	if *output == "" {
		fmt.Fprintln(os.Stderr, "Error: output file (-o) required")
		fs.Usage()
		os.Exit(1)
	}

	n, err := commands.RunFilter(path, *output, opts)
	if err != nil {
		fail(err)
	}
	fmt.Printf("Filtered %d events to %s\n", n, *output)
}

func runStats(args []string) {
	fs := newFlagSet("stats", "Show statistics about a capture")
	path := pathArg(fs, args)

	if err := commands.RunStats(path, os.Stdout); err != nil {
		fail(err)
	}
}
