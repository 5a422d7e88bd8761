// Command storecheck audits a cart state store. It opens the backend
// selected by the CARTCORE_* environment, scans the canonical keys and any
// leftover legacy keys, and verifies envelope integrity, schema validity and
// expiry. The exit code is non-zero when corruption is found, so the command
// can gate deployments and cron-driven maintenance.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	"cartcore/internal/codec"
	"cartcore/internal/migrate"
	"cartcore/internal/schema"
	"cartcore/internal/storage"
	"cartcore/pkg/domain"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

// Finding describes the state of one stored key.
type Finding struct {
	Key    string `json:"key"`
	Schema string `json:"schema,omitempty"`
	Status string `json:"status"`
	Detail string `json:"detail,omitempty"`
}

// Report is the full audit outcome.
type Report struct {
	Driver     string    `json:"driver"`
	Persistent bool      `json:"persistent"`
	CheckedAt  time.Time `json:"checkedAt"`
	Findings   []Finding `json:"findings"`
	Corrupted  int       `json:"corrupted"`
	Expired    int       `json:"expired"`
	Legacy     int       `json:"legacy"`
}

func run(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("storecheck", flag.ContinueOnError)
	fs.SetOutput(stderr)
	jsonOut := fs.Bool("json", false, "emit the report as JSON")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	backend, err := storage.Open(storage.FromEnv())
	if err != nil {
		fmt.Fprintf(stderr, "storecheck: open backend: %v\n", err)
		return 2
	}
	defer func() { _ = backend.Close() }()

	report := audit(backend, schema.Default(), time.Now().UTC())
	if *jsonOut {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(report); err != nil {
			fmt.Fprintf(stderr, "storecheck: encode report: %v\n", err)
			return 2
		}
	} else {
		render(stdout, report)
	}
	if report.Corrupted > 0 {
		return 1
	}
	return 0
}

// audit inspects every canonical key and every known legacy key.
func audit(backend domain.KeyValueStore, registry *schema.Registry, now time.Time) Report {
	report := Report{
		Driver:     backend.Driver(),
		Persistent: backend.Persistent(),
		CheckedAt:  now,
	}
	for _, name := range domain.SchemaNames {
		report.add(checkCanonical(backend, registry, name, now))
		for _, legacy := range migrate.LegacyKeys(name) {
			if legacy == name {
				continue
			}
			raw, ok, err := backend.Get(legacy)
			if err != nil || !ok {
				continue
			}
			report.Legacy++
			detail := fmt.Sprintf("%d bytes awaiting migration", len(raw))
			report.add(Finding{Key: legacy, Schema: name, Status: "legacy", Detail: detail})
		}
	}
	return report
}

func (r *Report) add(f Finding) {
	switch f.Status {
	case "corrupted", "invalid":
		r.Corrupted++
	case "expired":
		r.Expired++
	}
	r.Findings = append(r.Findings, f)
}

func checkCanonical(backend domain.KeyValueStore, registry *schema.Registry, name string, now time.Time) Finding {
	f := Finding{Key: name, Schema: name}
	raw, ok, err := backend.Get(name)
	if err != nil {
		f.Status = "unreadable"
		f.Detail = err.Error()
		return f
	}
	if !ok {
		f.Status = "absent"
		return f
	}
	env, err := codec.DecodeEnvelope(raw)
	if err != nil || env.SchemaName != name {
		f.Status = "corrupted"
		f.Detail = "value is not a versioned envelope for this key"
		return f
	}
	payload, err := codec.UnwrapAt(env, now)
	if err != nil {
		if env.Expired(now) {
			f.Status = "expired"
			f.Detail = fmt.Sprintf("written %s", env.WrittenAt.Format(time.RFC3339))
		} else {
			f.Status = "corrupted"
			f.Detail = err.Error()
		}
		return f
	}
	vrep, err := registry.Validate(name, payload)
	if err != nil {
		f.Status = "corrupted"
		f.Detail = err.Error()
		return f
	}
	if !vrep.Valid {
		f.Status = "invalid"
		f.Detail = vrep.Err(name).Error()
		return f
	}
	f.Status = "ok"
	f.Detail = fmt.Sprintf("v%d, written %s", env.SchemaVersion, env.WrittenAt.Format(time.RFC3339))
	return f
}

func render(w io.Writer, report Report) {
	fmt.Fprintf(w, "backend %s (persistent=%v) checked at %s\n", report.Driver, report.Persistent, report.CheckedAt.Format(time.RFC3339))
	for _, f := range report.Findings {
		if f.Detail != "" {
			fmt.Fprintf(w, "  %-12s %-10s %s\n", f.Key, f.Status, f.Detail)
		} else {
			fmt.Fprintf(w, "  %-12s %s\n", f.Key, f.Status)
		}
	}
	fmt.Fprintf(w, "%d corrupted, %d expired, %d legacy\n", report.Corrupted, report.Expired, report.Legacy)
}
