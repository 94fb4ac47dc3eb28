package main

import (
	"bufio"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/bytedance/sonic"
)

// collect-events reads API logs on stdin and writes a JSON summary of the
// publish observability events.
func main() {
	var (
		outPath     string
		eventName   string
		eventDomain string
	)
	flag.StringVar(&outPath, "out", "", "path to write aggregated metrics JSON")
	flag.StringVar(&eventName, "event-name", publishEventName, "observability event name to collect")
	flag.StringVar(&eventDomain, "event-domain", publishEventDomain, "observability event domain to match")
	flag.Parse()

	if outPath == "" {
		fmt.Fprintln(os.Stderr, "-out is required")
		os.Exit(2)
	}

	c := newCollector(eventName, eventDomain)
	reader := bufio.NewReader(os.Stdin)
	for {
		line, err := reader.ReadString('\n')
		if len(line) != 0 {
			c.ingest(line)
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			fmt.Fprintf(os.Stderr, "read logs: %v\n", err)
			os.Exit(1)
		}
	}

	summary := c.summary()
	data, err := sonic.ConfigStd.MarshalIndent(summary, "", "  ")
	if err != nil {
		fmt.Fprintf(os.Stderr, "encode summary: %v\n", err)
		os.Exit(1)
	}
	if err := os.MkdirAll(filepath.Dir(outPath), 0o755); err != nil {
		fmt.Fprintf(os.Stderr, "create output directory: %v\n", err)
		os.Exit(1)
	}
	if err := os.WriteFile(outPath, append(data, '\n'), 0o644); err != nil {
		fmt.Fprintf(os.Stderr, "write summary: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(summary.ShortString())
}
