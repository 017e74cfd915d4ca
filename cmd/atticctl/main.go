// Command atticctl is the operator CLI for a running atticd: health and run
// history queries, record lookups, job triggers, and mass offloads from an
// id file.
package main

import (
	"bufio"
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/attic-io/attic/internal/config"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(0)
	}

	switch os.Args[1] {
	case "health":
		cmdHealth()
	case "tenants":
		cmdTenants()
	case "records":
		if len(os.Args) < 3 {
			fmt.Fprintln(os.Stderr, "usage: atticctl records <tenant> [ticket_id] [--limit N]")
			os.Exit(1)
		}
		cmdRecords(os.Args[2], os.Args[3:])
	case "runs":
		if len(os.Args) < 3 {
			fmt.Fprintln(os.Stderr, "usage: atticctl runs <tenant> [--limit N]")
			os.Exit(1)
		}
		cmdRuns(os.Args[2], os.Args[3:])
	case "run":
		if len(os.Args) < 3 {
			fmt.Fprintln(os.Stderr, "usage: atticctl run <tenant> [--kind offload|continuous|recheck]")
			os.Exit(1)
		}
		cmdRun(os.Args[2], os.Args[3:])
	case "recheck":
		if len(os.Args) < 3 {
			fmt.Fprintln(os.Stderr, "usage: atticctl recheck <tenant>")
			os.Exit(1)
		}
		cmdRun(os.Args[2], []string{"-kind", "recheck"})
	case "status":
		cmdStatus(os.Args[2:])
	case "mass":
		if len(os.Args) < 4 {
			fmt.Fprintln(os.Stderr, "usage: atticctl mass <tenant> <id-file>")
			os.Exit(1)
		}
		cmdMass(os.Args[2], os.Args[3])
	case "config":
		if len(os.Args) < 4 || os.Args[2] != "validate" {
			fmt.Fprintln(os.Stderr, "usage: atticctl config validate <path>")
			os.Exit(1)
		}
		cmdConfigValidate(os.Args[3])
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

// --- Commands ---

func cmdHealth() {
	body, err := apiGet("/api/health")
	if err != nil {
		fatal(err)
	}
	fmt.Println(string(body))
}

func cmdStatus(args []string) {
	body, err := apiGet("/api/health")
	if err != nil {
		fatal(err)
	}
	fmt.Println(string(body))

	// With a tenant the latest runs are shown too.
	if len(args) > 0 {
		cmdRuns(args[0], []string{"-limit", "5"})
	}
}

func cmdTenants() {
	body, err := apiGet("/api/tenants")
	if err != nil {
		fatal(err)
	}
	var tenants []string
	json.Unmarshal(body, &tenants)
	for _, t := range tenants {
		fmt.Println(t)
	}
}

func cmdRecords(tenant string, args []string) {
	// A bare numeric argument fetches one record.
	if len(args) > 0 && !strings.HasPrefix(args[0], "-") {
		body, err := apiGet("/api/tenants/" + tenant + "/records/" + args[0])
		if err != nil {
			fatal(err)
		}
		fmt.Println(prettyJSON(body))
		return
	}

	fs := flag.NewFlagSet("records", flag.ExitOnError)
	limit := fs.Int("limit", 100, "Max results")
	fs.Parse(args)

	body, err := apiGet(fmt.Sprintf("/api/tenants/%s/records?limit=%d", tenant, *limit))
	if err != nil {
		fatal(err)
	}
	var records []map[string]any
	json.Unmarshal(body, &records)
	for _, r := range records {
		fmt.Printf("%-10v %-8v files=%-4v bytes=%-10v %v\n",
			r["ticket_id"], r["status"], r["files_count"], r["bytes_total"], r["processed_at"])
	}
}

func cmdRuns(tenant string, args []string) {
	fs := flag.NewFlagSet("runs", flag.ExitOnError)
	limit := fs.Int("limit", 20, "Max results")
	fs.Parse(args)

	body, err := apiGet(fmt.Sprintf("/api/tenants/%s/runs?limit=%d", tenant, *limit))
	if err != nil {
		fatal(err)
	}
	var runs []map[string]any
	json.Unmarshal(body, &runs)
	for _, r := range runs {
		fmt.Printf("%-38v %-12v tickets=%-5v files=%-5v errors=%-3v %v\n",
			r["id"], r["kind"], r["tickets_processed"], r["files_uploaded"], r["errors_count"], r["status"])
	}
}

func cmdRun(tenant string, args []string) {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	kind := fs.String("kind", "offload", "Job kind: offload, continuous or recheck")
	fs.Parse(args)

	body, err := apiPost("/api/tenants/"+tenant+"/run", map[string]any{"kind": *kind})
	if err != nil {
		fatal(err)
	}
	fmt.Println(string(body))
}

func cmdMass(tenant, path string) {
	ids, err := readIDFile(path)
	if err != nil {
		fatal(err)
	}
	if len(ids) == 0 {
		fatal(fmt.Errorf("no ticket ids found in %s", path))
	}
	fmt.Fprintf(os.Stderr, "triggering mass offload of %d tickets\n", len(ids))

	body, err := apiPost("/api/tenants/"+tenant+"/run", map[string]any{
		"kind":       "mass",
		"ticket_ids": ids,
	})
	if err != nil {
		fatal(err)
	}
	fmt.Println(string(body))
}

func cmdConfigValidate(path string) {
	if _, err := config.Load(path); err != nil {
		fmt.Fprintf(os.Stderr, "invalid: %v\n", err)
		os.Exit(1)
	}
	fmt.Println("config is valid")
}

// readIDFile parses ticket ids from a file: one per line or comma separated,
// blank lines and # comments skipped.
func readIDFile(path string) ([]int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var ids []int64
	seen := make(map[int64]struct{})
	sc := bufio.NewScanner(f)
	first := true
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		header := first
		first = false
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		for _, field := range strings.Split(line, ",") {
			field = strings.TrimSpace(field)
			if field == "" {
				continue
			}
			id, err := strconv.ParseInt(field, 10, 64)
			if err != nil {
				// CSV exports carry a header row; skip it.
				if header {
					break
				}
				return nil, fmt.Errorf("bad ticket id %q in %s", field, path)
			}
			if _, dup := seen[id]; dup {
				continue
			}
			seen[id] = struct{}{}
			ids = append(ids, id)
		}
	}
	return ids, sc.Err()
}

// --- Helpers ---

func apiGet(path string) ([]byte, error) {
	return apiDo("GET", path, nil)
}

func apiPost(path string, payload any) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return apiDo("POST", path, data)
}

func apiDo(method, path string, payload []byte) ([]byte, error) {
	base := envOr("ATTIC_API_URL", "http://localhost:8080")

	var rdr io.Reader
	if payload != nil {
		rdr = bytes.NewReader(payload)
	}
	req, err := http.NewRequest(method, base+path, rdr)
	if err != nil {
		return nil, err
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if key := os.Getenv("ATTIC_API_KEY"); key != "" {
		req.Header.Set("Authorization", "Bearer "+key)
	}

	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("HTTP %d: %s", resp.StatusCode, string(body))
	}
	return body, nil
}

func prettyJSON(data []byte) string {
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return string(data)
	}
	out, _ := json.MarshalIndent(v, "", "  ")
	return string(out)
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func fatal(err error) {
	fmt.Fprintf(os.Stderr, "error: %v\n", err)
	os.Exit(1)
}

func printUsage() {
	fmt.Println("atticctl - attachment offloader CLI")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  health                     Check daemon health")
	fmt.Println("  tenants                    List configured tenants")
	fmt.Println("  records <tenant> [id]      List records, or show one ticket's record")
	fmt.Println("  runs <tenant>              List run history (--limit)")
	fmt.Println("  run <tenant>               Trigger a job (--kind offload|continuous|recheck)")
	fmt.Println("  recheck <tenant>           Trigger a full recheck")
	fmt.Println("  status [tenant]            Daemon health, plus recent runs for a tenant")
	fmt.Println("  mass <tenant> <id-file>    Offload an explicit list of ticket ids")
	fmt.Println("  config validate <path>     Validate a config file")
	fmt.Println()
	fmt.Println("Environment:")
	fmt.Println("  ATTIC_API_URL  Daemon URL (default: http://localhost:8080)")
	fmt.Println("  ATTIC_API_KEY  API key for authentication")
}
