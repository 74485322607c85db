package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"runtime"
	"time"

	"github.com/Mindburn-Labs/beacon/pkg/config"
	"github.com/Mindburn-Labs/beacon/pkg/dsn"
	"github.com/Mindburn-Labs/beacon/pkg/ratelimit"
)

type checkResult struct {
	Name   string `json:"name"`
	Status string `json:"status"` // "ok", "warn", "fail"
	Detail string `json:"detail,omitempty"`
}

// runDoctorCmd implements `beacon doctor`: it loads the configuration the
// SDK would use and reports problems with it.
func runDoctorCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("doctor", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	jsonOutput := cmd.Bool("json", false, "Output results as JSON")
	if err := cmd.Parse(args); err != nil {
		return 2
	}

	results := []checkResult{{
		Name:   "go_runtime",
		Status: "ok",
		Detail: fmt.Sprintf("%s %s/%s", runtime.Version(), runtime.GOOS, runtime.GOARCH),
	}}

	cfg, err := config.Load()
	if err != nil {
		results = append(results, checkResult{Name: "config", Status: "fail", Detail: err.Error()})
		return printChecks(stdout, results, *jsonOutput)
	}
	if err := cfg.Validate(); err != nil {
		results = append(results, checkResult{Name: "config", Status: "fail", Detail: err.Error()})
	} else {
		results = append(results, checkResult{
			Name:   "config",
			Status: "ok",
			Detail: fmt.Sprintf("environment=%s release=%q", cfg.Environment, cfg.Release),
		})
	}

	results = append(results, checkDSN(cfg.DSN))
	if cfg.Release == "" {
		results = append(results, checkResult{Name: "release", Status: "warn", Detail: "BEACON_RELEASE not set; sessions will be discarded"})
	}
	if cfg.Redis.Addr != "" {
		results = append(results, checkRedis(cfg.Redis))
	}
	return printChecks(stdout, results, *jsonOutput)
}

func checkDSN(raw string) checkResult {
	if raw == "" {
		return checkResult{Name: "dsn", Status: "warn", Detail: "BEACON_DSN not set; events will not be sent"}
	}
	d, err := dsn.Parse(raw)
	if err != nil {
		return checkResult{Name: "dsn", Status: "fail", Detail: err.Error()}
	}
	return checkResult{Name: "dsn", Status: "ok", Detail: d.EnvelopeURL()}
}

func checkRedis(cfg config.RedisConfig) checkResult {
	store := ratelimit.NewRedisStore(cfg.Addr, cfg.Password, cfg.DB, cfg.Namespace)
	defer func() { _ = store.Close() }()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := store.Ping(ctx); err != nil {
		return checkResult{Name: "redis", Status: "fail", Detail: fmt.Sprintf("%s: %v", cfg.Addr, err)}
	}
	return checkResult{Name: "redis", Status: "ok", Detail: cfg.Addr}
}

func printChecks(w io.Writer, results []checkResult, asJSON bool) int {
	allOK := true
	for _, r := range results {
		if r.Status == "fail" {
			allOK = false
		}
	}

	if asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		_ = enc.Encode(map[string]any{"ok": allOK, "checks": results})
	} else {
		fmt.Fprintf(w, "\n%sbeacon doctor%s\n", colorBold+colorCyan, colorReset)
		for _, r := range results {
			mark := colorGreen + "ok  " + colorReset
			switch r.Status {
			case "warn":
				mark = "warn"
			case "fail":
				mark = colorRed + "fail" + colorReset
			}
			fmt.Fprintf(w, "  %s  %-12s %s%s%s\n", mark, r.Name, colorGray, r.Detail, colorReset)
		}
	}
	if allOK {
		return 0
	}
	return 1
}
