// cmd/preflight/main.go
package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/hamed0406/uptimewatch/internal/config"
	"github.com/hamed0406/uptimewatch/internal/repo/targetfile"
)

func main() {
	fail := func(msg string) {
		fmt.Fprintln(os.Stderr, "✖", msg)
		os.Exit(1)
	}
	warn := func(msg string) { fmt.Fprintln(os.Stderr, "⚠", msg) }
	ok := func(msg string) { fmt.Println("✔", msg) }

	cfg, err := config.Load(strings.TrimSpace(os.Getenv("CONFIG_FILE")))
	if err != nil {
		fail(err.Error())
	}
	ok("configuration valid (env=" + cfg.Env + ")")
	ok("OPS_ADDR=" + cfg.Ops.Addr)

	if cfg.Database.URL == "" {
		warn("DATABASE_URL empty: measurements and alerts stay in memory and are lost on restart.")
	} else {
		ok("DATABASE_URL present")
	}

	switch {
	case cfg.Targets.File != "":
		f, err := targetfile.Load(cfg.Targets.File)
		if err != nil {
			fail("TARGETS_FILE: " + err.Error())
		}
		invalid := 0
		for _, t := range f.Targets {
			if err := t.Validate(); err != nil {
				warn(fmt.Sprintf("target %q will be skipped: %v", t.ID, err))
				invalid++
			}
		}
		ok(fmt.Sprintf("TARGETS_FILE=%s (%d targets, %d invalid)", cfg.Targets.File, len(f.Targets), invalid))
	case cfg.Database.URL == "":
		fail("neither TARGETS_FILE nor DATABASE_URL is set: nothing to monitor.")
	}

	if cfg.Notify.SlackWebhook == "" && cfg.Notify.RelayURL == "" && cfg.AMQP.URL == "" {
		warn("no notification transport configured: alerts only reach the log.")
	}
	if cfg.Notify.RelayURL != "" && cfg.Notify.RelaySecret == "" {
		warn("NOTIFY_RELAY_SECRET empty: relay requests are sent unsigned.")
	}
	if cfg.Notify.DefaultRecipient == "" {
		warn("NOTIFY_DEFAULT_RECIPIENT empty: targets without an owner contact get no recipient.")
	}

	if cfg.Redis.URL == "" {
		warn("REDIS_URL empty: run a single replica, cycles are not coordinated across processes.")
	} else {
		ok("REDIS_URL present (lease key " + cfg.Redis.LeaseKey + ")")
	}

	if cfg.Production() && len(cfg.Ops.AllowedOrigins) == 0 {
		warn("OPS_ALLOWED_ORIGINS empty: browsers are blocked by CORS on the ops endpoints.")
	}

	ok("preflight passed")
}
