// Package main is the genwatch command-line client. It talks to the
// generation service directly and needs no daemon.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"sort"
	"strings"
	"sync"
	"syscall"
	"text/tabwriter"
	"time"

	mw "github.com/kiranshivaraju/genwatch/internal/api/middleware"
	"github.com/kiranshivaraju/genwatch/internal/config"
	"github.com/kiranshivaraju/genwatch/internal/gateway"
	"github.com/kiranshivaraju/genwatch/internal/poller"
	"github.com/kiranshivaraju/genwatch/pkg/models"
)

const (
	exitOK      = 0
	exitFailure = 1
	exitUsage   = 2
)

const usage = `usage: genwatch <command> [flags] [args]

commands:
  submit    -prompt TEXT -model NAME [-param k=v ...] [-watch]
  status    JOB_ID
  watch     JOB_ID [JOB_ID ...]
  history   [-completed] [-offset N] [-limit N]
  hash-key  RAW_KEY
`

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

// cli carries what every command needs once flags are parsed.
type cli struct {
	gw      gateway.Gateway
	cadence time.Duration
	logger  *slog.Logger
	stdout  io.Writer
	stderr  io.Writer
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 {
		fmt.Fprint(stderr, usage)
		return exitUsage
	}

	cmd, rest := args[0], args[1:]
	switch cmd {
	case "hash-key":
		return hashKey(rest, stdout, stderr)
	case "submit", "status", "watch", "history":
	case "help", "-h", "--help":
		fmt.Fprint(stdout, usage)
		return exitOK
	default:
		fmt.Fprintf(stderr, "unknown command %q\n\n%s", cmd, usage)
		return exitUsage
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(stderr, "load config: %v\n", err)
		return exitFailure
	}

	fs := flag.NewFlagSet(cmd, flag.ContinueOnError)
	fs.SetOutput(stderr)
	apiURL := fs.String("api", cfg.Remote.BaseURL, "generation service base URL")
	artifactURL := fs.String("artifacts", cfg.Remote.ArtifactBaseURL, "base URL artifacts are served from (default: API host root)")
	interval := fs.Duration("interval", cfg.Poller.Interval, "status polling interval")
	timeout := fs.Duration("timeout", cfg.Remote.Timeout, "per-request timeout")

	var cmdFn func(context.Context, *cli, []string) int
	switch cmd {
	case "submit":
		cmdFn = submitCmd(fs)
	case "status":
		cmdFn = statusCmd
	case "watch":
		cmdFn = watchCmd
	case "history":
		cmdFn = historyCmd(fs)
	}

	if err := fs.Parse(rest); err != nil {
		return exitUsage
	}
	if *interval <= 0 {
		fmt.Fprintln(stderr, "-interval must be positive")
		return exitUsage
	}

	// Poll callbacks and log lines write from loop goroutines.
	var mu sync.Mutex
	stdout = &lockedWriter{mu: &mu, w: stdout}
	stderr = &lockedWriter{mu: &mu, w: stderr}

	c := &cli{
		gw:      gateway.NewHTTPClient(strings.TrimRight(*apiURL, "/"), *artifactURL, *timeout),
		cadence: *interval,
		logger:  slog.New(slog.NewTextHandler(stderr, &slog.HandlerOptions{Level: cfg.Server.LogLevel})),
		stdout:  stdout,
		stderr:  stderr,
	}
	return cmdFn(ctx, c, fs.Args())
}

type lockedWriter struct {
	mu *sync.Mutex
	w  io.Writer
}

func (l *lockedWriter) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.w.Write(p)
}

func (c *cli) fail(err error) int {
	fmt.Fprintf(c.stderr, "error: %s\n", gateway.Detail(err))
	return exitFailure
}

// --- submit ---

// params collects repeated -param key=value flags. Values that parse as JSON
// (numbers, booleans, null) keep their type, anything else is a string.
type params map[string]any

func (p params) String() string {
	keys := make([]string, 0, len(p))
	for k := range p {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return strings.Join(keys, ",")
}

func (p params) Set(raw string) error {
	k, v, ok := strings.Cut(raw, "=")
	if !ok || k == "" {
		return fmt.Errorf("expected key=value, got %q", raw)
	}
	var decoded any
	if err := json.Unmarshal([]byte(v), &decoded); err == nil {
		p[k] = decoded
		return nil
	}
	p[k] = v
	return nil
}

func submitCmd(fs *flag.FlagSet) func(context.Context, *cli, []string) int {
	prompt := fs.String("prompt", "", "generation prompt")
	model := fs.String("model", "", "model name")
	watch := fs.Bool("watch", false, "poll the job until it finishes")
	extra := params{}
	fs.Var(extra, "param", "extra generation parameter key=value (repeatable)")

	return func(ctx context.Context, c *cli, _ []string) int {
		req := models.GenerateRequest{Prompt: *prompt, Model: *model}
		if len(extra) > 0 {
			req.Parameters = extra
		}

		jobID, err := c.gw.Submit(ctx, req)
		if err != nil {
			return c.fail(err)
		}
		fmt.Fprintln(c.stdout, jobID)

		if !*watch {
			return exitOK
		}
		return c.watch(ctx, []string{jobID})
	}
}

// --- status ---

type statusView struct {
	models.StatusRecord
	ArtifactURL string `json:"artifact_url,omitempty"`
}

func statusCmd(ctx context.Context, c *cli, args []string) int {
	if len(args) != 1 {
		fmt.Fprintln(c.stderr, "status takes exactly one job id")
		return exitUsage
	}

	rec, err := c.gw.FetchStatus(ctx, args[0])
	if err != nil {
		return c.fail(err)
	}

	enc := json.NewEncoder(c.stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(statusView{StatusRecord: rec, ArtifactURL: c.gw.ResolveArtifactURL(rec.ResultReference)}); err != nil {
		return c.fail(err)
	}
	return exitOK
}

// --- watch ---

func watchCmd(ctx context.Context, c *cli, args []string) int {
	if len(args) == 0 {
		fmt.Fprintln(c.stderr, "watch needs at least one job id")
		return exitUsage
	}
	return c.watch(ctx, args)
}

// watch prints one line per status change until every job is terminal. The
// exit code is non-zero when any job failed, polling was aborted by a fetch
// error, or the wait was interrupted.
func (c *cli) watch(ctx context.Context, jobIDs []string) int {
	reg := poller.New(c.gw, poller.WithCadence(c.cadence), poller.WithLogger(c.logger))

	terminal := make(chan models.StatusRecord, len(jobIDs))
	seen := make(map[string]bool, len(jobIDs))
	var tracked []string
	failed := 0

	for _, id := range jobIDs {
		if seen[id] {
			continue
		}
		seen[id] = true

		rec, err := c.gw.FetchStatus(ctx, id)
		if err != nil {
			fmt.Fprintf(c.stderr, "%s: %s\n", id, gateway.Detail(err))
			failed++
			continue
		}
		c.printRecord(rec)
		if rec.Terminal() {
			if rec.Status == models.JobStatusFailed {
				failed++
			}
			continue
		}

		last := rec.Status
		reg.StartTracking(id, func(rec models.StatusRecord) {
			if rec.Status != last {
				last = rec.Status
				c.printRecord(rec)
			}
		}, func(rec models.StatusRecord) {
			terminal <- rec
		})
		tracked = append(tracked, id)
	}

	finished := make(chan struct{})
	go func() {
		reg.Wait()
		close(finished)
	}()

	interrupted := false
	select {
	case <-finished:
	case <-ctx.Done():
		interrupted = true
		reg.StopAll()
		<-finished
	}

	close(terminal)
	outcome := make(map[string]models.JobStatus, len(tracked))
	for rec := range terminal {
		outcome[rec.ID] = rec.Status
	}

	running := 0
	for _, id := range tracked {
		switch outcome[id] {
		case models.JobStatusCompleted:
		case models.JobStatusFailed:
			failed++
		default:
			if interrupted {
				running++
				continue
			}
			fmt.Fprintf(c.stderr, "%s: polling stopped after a status fetch error\n", id)
			failed++
		}
	}

	if interrupted {
		fmt.Fprintf(c.stderr, "interrupted with %d job(s) still running\n", running)
		return exitFailure
	}
	if failed > 0 {
		return exitFailure
	}
	return exitOK
}

func (c *cli) printRecord(rec models.StatusRecord) {
	line := fmt.Sprintf("%s  %-10s", rec.ID, rec.Status)
	switch {
	case rec.Status == models.JobStatusCompleted && rec.ResultReference != "":
		line += "  " + c.gw.ResolveArtifactURL(rec.ResultReference)
	case rec.Status == models.JobStatusFailed && rec.ErrorDetail != "":
		line += "  " + rec.ErrorDetail
	}
	fmt.Fprintln(c.stdout, line)
}

// --- history ---

func historyCmd(fs *flag.FlagSet) func(context.Context, *cli, []string) int {
	completed := fs.Bool("completed", false, "only completed jobs")
	offset := fs.Int("offset", 0, "number of jobs to skip")
	limit := fs.Int("limit", 20, "maximum number of jobs (at most 100)")

	return func(ctx context.Context, c *cli, _ []string) int {
		filter := models.ListAll
		if *completed {
			filter = models.ListCompleted
		}

		recs, err := c.gw.ListJobs(ctx, filter, *offset, *limit)
		if err != nil {
			return c.fail(err)
		}

		tw := tabwriter.NewWriter(c.stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "ID\tSTATUS\tMODEL\tUPDATED\tRESULT")
		for _, rec := range recs {
			updated := "-"
			if !rec.UpdatedAt.IsZero() {
				updated = rec.UpdatedAt.Local().Format(time.DateTime)
			}
			result := rec.ErrorDetail
			if rec.ResultReference != "" {
				result = c.gw.ResolveArtifactURL(rec.ResultReference)
			}
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", rec.ID, rec.Status, rec.Model, updated, result)
		}
		if err := tw.Flush(); err != nil {
			return c.fail(err)
		}
		return exitOK
	}
}

// --- hash-key ---

func hashKey(args []string, stdout, stderr io.Writer) int {
	if len(args) != 1 || args[0] == "" {
		fmt.Fprintln(stderr, "hash-key takes exactly one raw key")
		return exitUsage
	}
	h, err := mw.HashKey(args[0])
	if err != nil {
		fmt.Fprintf(stderr, "error: %v\n", err)
		return exitFailure
	}
	fmt.Fprintln(stdout, h)
	return exitOK
}
