// Command probe checks one URL the way the monitor does and prints the
// measurement. It exits 1 when the target is down.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/hamed0406/uptimewatch/internal/domain"
	"github.com/hamed0406/uptimewatch/internal/probe"
)

func main() {
	timeout := flag.Duration("timeout", probe.DefaultTimeout, "probe timeout")
	flag.Parse()

	raw := strings.TrimSpace(flag.Arg(0))
	if raw == "" {
		reader := bufio.NewReader(os.Stdin)
		fmt.Print("Enter a site URL to check (e.g., https://example.com): ")
		line, _ := reader.ReadString('\n')
		raw = strings.TrimSpace(line)
	}
	if raw != "" && !strings.Contains(raw, "://") {
		raw = "https://" + raw
	}

	t := domain.Target{ID: "cli", URL: raw, IntervalSeconds: domain.DefaultIntervalSeconds}
	if err := t.Validate(); err != nil {
		fmt.Fprintln(os.Stderr, "Invalid URL:", err)
		os.Exit(2)
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout+5*time.Second)
	defer cancel()

	m := probe.NewHTTPProber(*timeout).Probe(ctx, t)
	out := map[string]any{"measurement": m}
	if !m.Up && m.Reason == probe.ReasonDNSFailure {
		out["dns"] = probe.DiagnoseDNS(ctx, raw)
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(out)

	if !m.Up {
		os.Exit(1)
	}
}
