// Command mailcheck verifies addresses and finds likely addresses for people
// from the command line.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/schollz/progressbar/v3"
	"github.com/sirupsen/logrus"

	"mailfinder/advisory"
	"mailfinder/config"
	"mailfinder/utils"
	"mailfinder/verifier"
)

// buildVerifier is swapped in tests.
var buildVerifier = func(opts verifier.Options, advisors []verifier.Advisor) (*verifier.Verifier, error) {
	return verifier.New(opts, verifier.WithAdvisors(advisors...))
}

type cliFlags struct {
	verify     string
	find       string
	domain     string
	file       string
	format     string
	workers    int
	timeout    time.Duration
	maxResults int
	internet   bool
	quiet      bool
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	os.Exit(run(ctx, os.Args[1:], os.Stdout, os.Stderr))
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("mailcheck", flag.ContinueOnError)
	fs.SetOutput(stderr)

	var f cliFlags
	fs.StringVar(&f.verify, "verify", "", "addresses to verify, comma or space separated")
	fs.StringVar(&f.find, "find", "", `person to find, as "First Last" (requires -domain)`)
	fs.StringVar(&f.domain, "domain", "", "domain for -find")
	fs.StringVar(&f.file, "file", "", "CSV with an email column, or first_name,last_name,domain columns")
	fs.StringVar(&f.format, "format", "table", "output format: table|json|csv")
	fs.IntVar(&f.workers, "workers", 0, "domains checked concurrently (default from WORKERS)")
	fs.DurationVar(&f.timeout, "timeout", 0, "per-step SMTP timeout (default from SMTP_TIMEOUT)")
	fs.IntVar(&f.maxResults, "max-results", 1, "addresses reported per person for -find and find files")
	fs.BoolVar(&f.internet, "internet", false, "run web search, breach and WHOIS lookups")
	fs.BoolVar(&f.quiet, "quiet", false, "no progress bar")
	fs.Usage = func() {
		fmt.Fprintf(stderr, "Email verifier and finder\n\n")
		fmt.Fprintf(stderr, "Usage examples:\n")
		fmt.Fprintf(stderr, "  mailcheck -verify jane@example.com,bob@example.org\n")
		fmt.Fprintf(stderr, "  mailcheck -find \"Jane Doe\" -domain example.com -format json\n")
		fmt.Fprintf(stderr, "  mailcheck -file people.csv -format csv -workers 16 > results.csv\n\n")
		fmt.Fprintf(stderr, "Flags:\n")
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		return 2
	}

	format := strings.ToLower(f.format)
	if format != "table" && format != "json" && format != "csv" {
		fmt.Fprintf(stderr, "unknown format %q\n", f.format)
		return 2
	}

	emails, reqs, err := collectInput(f, fs.Args())
	if err != nil {
		fmt.Fprintln(stderr, color.RedString("error: %v", err))
		return 2
	}
	if len(emails) == 0 && len(reqs) == 0 {
		fs.Usage()
		return 2
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(stderr, color.RedString("config: %v", err))
		return 1
	}
	utils.InitLogger("warn", "text")
	logrus.SetOutput(stderr)

	opts := cfg.VerifierOptions()
	if f.workers > 0 {
		opts.Workers = f.workers
	}
	if f.timeout > 0 {
		opts.SMTPTimeout = f.timeout
	}
	var advisors []verifier.Advisor
	if f.internet {
		adv := cfg.AdvisorySettings()
		adv.InternetChecks = true
		advisors = advisory.New(adv)
	}

	v, err := buildVerifier(opts, advisors)
	if err != nil {
		fmt.Fprintln(stderr, color.RedString("error: %v", err))
		return 1
	}

	total := len(emails) + len(reqs)
	bar := progressbar.NewOptions(total,
		progressbar.OptionSetWriter(stderr),
		progressbar.OptionSetVisibility(!f.quiet && format == "table"),
		progressbar.OptionSetDescription("checking"),
		progressbar.OptionClearOnFinish(),
	)

	if len(reqs) > 0 {
		fopts := verifier.FinderOptions{MaxResults: f.maxResults, PatternOptions: verifier.PatternOptions{Max: 4 * max(f.maxResults, 2)}}
		results := v.FindBatch(ctx, reqs, fopts,
			verifier.WithAdvisories(f.internet),
			verifier.WithFindProgress(func(int, verifier.FinderResult) { _ = bar.Add(1) }),
		)
		_ = bar.Finish()
		if err := renderFind(stdout, format, results); err != nil {
			fmt.Fprintln(stderr, color.RedString("error: %v", err))
			return 1
		}
		return 0
	}

	results := v.VerifyBatch(ctx, emails,
		verifier.WithAdvisories(f.internet),
		verifier.WithProgress(func(int, verifier.VerificationResult) { _ = bar.Add(1) }),
	)
	_ = bar.Finish()
	if err := renderVerify(stdout, format, results); err != nil {
		fmt.Fprintln(stderr, color.RedString("error: %v", err))
		return 1
	}
	return 0
}

// collectInput gathers addresses or people from flags, positional arguments
// and the CSV file. A file decides its mode by its columns.
func collectInput(f cliFlags, positional []string) ([]string, []verifier.FindRequest, error) {
	var emails []string
	var reqs []verifier.FindRequest

	for _, s := range append([]string{f.verify}, positional...) {
		emails = append(emails, splitList(s)...)
	}

	if f.find != "" {
		if f.domain == "" {
			return nil, nil, errors.New("-find requires -domain")
		}
		first, last, ok := splitName(f.find)
		if !ok {
			return nil, nil, fmt.Errorf("-find wants \"First Last\", got %q", f.find)
		}
		reqs = append(reqs, verifier.FindRequest{FirstName: first, LastName: last, Domain: f.domain})
	}

	if f.file != "" {
		file, err := os.Open(f.file)
		if err != nil {
			return nil, nil, err
		}
		defer file.Close()
		rows, err := utils.ReadCSV(file)
		if err != nil {
			return nil, nil, err
		}
		fe, fr, err := fromRows(rows)
		if err != nil {
			return nil, nil, fmt.Errorf("%s: %w", f.file, err)
		}
		emails = append(emails, fe...)
		reqs = append(reqs, fr...)
	}

	if len(emails) > 0 && len(reqs) > 0 {
		return nil, nil, errors.New("verify and find inputs cannot be mixed in one run")
	}
	return emails, reqs, nil
}

func fromRows(rows []map[string]string) ([]string, []verifier.FindRequest, error) {
	if len(rows) == 0 {
		return nil, nil, nil
	}
	if _, ok := rows[0]["email"]; ok {
		emails := make([]string, 0, len(rows))
		for _, r := range rows {
			if r["email"] != "" {
				emails = append(emails, r["email"])
			}
		}
		return emails, nil, nil
	}
	for _, col := range []string{"first_name", "last_name", "domain"} {
		if _, ok := rows[0][col]; !ok {
			return nil, nil, fmt.Errorf("%w: need an email column or first_name,last_name,domain", utils.ErrCSVSchema)
		}
	}
	reqs := make([]verifier.FindRequest, len(rows))
	for i, r := range rows {
		reqs[i] = verifier.FindRequest{FirstName: r["first_name"], LastName: r["last_name"], MiddleName: r["middle_name"], Domain: r["domain"]}
	}
	return nil, reqs, nil
}

func splitList(s string) []string {
	return strings.Fields(strings.ReplaceAll(s, ",", " "))
}

// splitName takes the first word as the first name and the rest as the last.
func splitName(s string) (string, string, bool) {
	parts := strings.Fields(s)
	if len(parts) < 2 {
		return "", "", false
	}
	return parts[0], strings.Join(parts[1:], " "), true
}

func renderVerify(w io.Writer, format string, results []verifier.VerificationResult) error {
	switch format {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(results)
	case "csv":
		rows := make([][]string, len(results))
		for i, r := range results {
			rows[i] = []string{r.Email, string(r.Status), utils.FormatConfidence(r.Score), r.Reason}
		}
		return utils.WriteCSV(w, utils.VerifyCSVColumns, rows)
	}

	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.AppendHeader(table.Row{"Email", "Status", "Confidence", "MX", "Reason"})
	for _, r := range results {
		var mx string
		if len(r.MXHosts) > 0 {
			mx = r.MXHosts[0].Host
		}
		t.AppendRow(table.Row{r.Email, colorStatus(string(r.Status)), utils.FormatConfidence(r.Score), mx, r.Reason})
	}
	t.Render()
	return nil
}

func renderFind(w io.Writer, format string, results []verifier.FinderResult) error {
	switch format {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(results)
	case "csv":
		var rows [][]string
		for _, fr := range results {
			rows = append(rows, findRows(fr)...)
		}
		return utils.WriteCSV(w, utils.FindCSVColumns, rows)
	}

	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.AppendHeader(table.Row{"Name", "Domain", "Email", "Status", "Confidence", "Reason"})
	for _, fr := range results {
		for _, row := range findRows(fr) {
			t.AppendRow(table.Row{row[0] + " " + row[1], row[2], row[3], colorStatus(row[4]), row[5], row[6]})
		}
	}
	t.Render()
	return nil
}

// findRows flattens one person into FindCSVColumns rows; a person without a
// usable address gets a single not_found row.
func findRows(fr verifier.FinderResult) [][]string {
	base := []string{fr.FirstName, fr.LastName, fr.Domain}
	if fr.Err != nil {
		return [][]string{append(base, "", "missing_fields", utils.FormatConfidence(0), fr.Error)}
	}
	var rows [][]string
	for _, c := range fr.Candidates {
		if !isFound(c.Status) {
			continue
		}
		rows = append(rows, append(append([]string(nil), base...), c.Email, string(c.Status), utils.FormatConfidence(c.Score), c.Reason))
	}
	if len(rows) == 0 {
		return [][]string{append(base, "", "not_found", utils.FormatConfidence(0), "No valid email found")}
	}
	return rows
}

func isFound(s verifier.Status) bool {
	return s == verifier.StatusVerified || s == verifier.StatusLikelyValid || s == verifier.StatusCatchAll
}

func colorStatus(s string) string {
	switch s {
	case string(verifier.StatusVerified):
		return color.GreenString(s)
	case string(verifier.StatusLikelyValid), string(verifier.StatusCatchAll):
		return color.YellowString(s)
	case string(verifier.StatusUnknown):
		return color.CyanString(s)
	default:
		return color.RedString(s)
	}
}
