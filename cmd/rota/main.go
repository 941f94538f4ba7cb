// rota is the operator CLI. It opens the same database and ledger file as
// the server, so it must not run while the server is serving runs.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/pflag"

	"github.com/arnavshah/rota-api-go/pkg/app"
	"github.com/arnavshah/rota-api-go/pkg/config"
	"github.com/arnavshah/rota-api-go/pkg/logging"
	"github.com/arnavshah/rota-api-go/pkg/merge"
	"github.com/arnavshah/rota-api-go/pkg/models"
	"github.com/arnavshah/rota-api-go/pkg/oracle"
)

// exitError carries a process exit status for a failed run
type exitError struct {
	code int
	msg  string
}

func (e *exitError) Error() string { return e.msg }
func (e *exitError) ExitCode() int { return e.code }

func main() {
	if err := run(os.Args[1:], os.Stdout, os.Stderr); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		var coder interface{ ExitCode() int }
		if errors.As(err, &coder) {
			os.Exit(coder.ExitCode())
		}
		os.Exit(1)
	}
}

const usage = `Usage: rota <command> [flags]

Commands:
  run       generate duty days and commit them to the ledger
  status    show the committed ledger
  debts     list members owed a turn and members holding a credit
  schedule  print committed duty days
`

func run(args []string, stdout, stderr io.Writer) error {
	if len(args) == 0 || args[0] == "-h" || args[0] == "--help" {
		fmt.Fprint(stdout, usage)
		return nil
	}
	config.LoadDotEnv()
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	switch args[0] {
	case "run":
		return runCmd(cfg, args[1:], stdout, stderr)
	case "status":
		return statusCmd(cfg, args[1:], stdout)
	case "debts":
		return debtsCmd(cfg, args[1:], stdout)
	case "schedule":
		return scheduleCmd(cfg, args[1:], stdout)
	default:
		fmt.Fprint(stderr, usage)
		return &exitError{code: 2, msg: fmt.Sprintf("unknown command %q", args[0])}
	}
}

func parse(name string, args []string, define func(*pflag.FlagSet)) (*pflag.FlagSet, error) {
	fs := pflag.NewFlagSet("rota "+name, pflag.ContinueOnError)
	define(fs)
	if err := fs.Parse(args); err != nil {
		return nil, &exitError{code: 2, msg: err.Error()}
	}
	return fs, nil
}

func open(ctx context.Context, cfg config.Config, verbose bool) (*app.App, error) {
	level := "warn"
	if verbose {
		level = cfg.LogLevel
	}
	return app.New(ctx, cfg, logging.NewWithWriter(os.Stderr, level, "text"))
}

func runCmd(cfg config.Config, args []string, stdout, stderr io.Writer) error {
	var (
		req     models.RunRequest
		mode    string
		areas   map[string]int
		stream  bool
		verbose bool
	)
	_, err := parse("run", args, func(fs *pflag.FlagSet) {
		fs.StringVarP(&req.Instruction, "instruction", "i", "", "scheduling instruction (default from rota config)")
		fs.StringVarP(&mode, "mode", "m", "", "apply mode: append, replaceFuture, replaceOverlap, replaceAll")
		fs.IntVarP(&req.CoverageDays, "days", "d", 0, "number of duty days to generate")
		fs.BoolVar(&req.StartFromToday, "start-today", false, "start at today instead of after the last scheduled day")
		fs.StringToIntVar(&areas, "area", nil, "per-area count override, e.g. --area lobby=2")
		fs.BoolVar(&stream, "progress", false, "print oracle progress to stderr")
		fs.BoolVarP(&verbose, "verbose", "v", false, "log at the configured level")
	})
	if err != nil {
		return err
	}
	req.ApplyMode = models.ApplyMode(mode)
	req.PerAreaCount = areas

	ctx := context.Background()
	a, err := open(ctx, cfg, verbose)
	if err != nil {
		return err
	}
	defer a.Close()

	// events is never closed: a timed-out oracle may still emit after Run returns
	var events chan oracle.Event
	stop := make(chan struct{})
	done := make(chan struct{})
	if stream {
		events = make(chan oracle.Event, 64)
		go printProgress(stderr, events, stop, done)
	} else {
		close(done)
	}

	res := a.Coord.Run(ctx, req, events)
	close(stop)
	<-done

	res.CommittedState = nil
	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(res); err != nil {
		return err
	}
	if !res.Success {
		return &exitError{code: exitCode(res.Code), msg: fmt.Sprintf("run %s: %s", res.Code, res.Message)}
	}
	return nil
}

func printProgress(w io.Writer, events <-chan oracle.Event, stop, done chan struct{}) {
	defer close(done)
	show := func(ev oracle.Event) {
		if ev.Kind == oracle.EventToken {
			fmt.Fprint(w, ev.Text)
			return
		}
		fmt.Fprintf(w, "[%s] %s\n", ev.Kind, ev.Text)
	}
	for {
		select {
		case ev := <-events:
			show(ev)
		case <-stop:
			for {
				select {
				case ev := <-events:
					show(ev)
				default:
					fmt.Fprintln(w)
					return
				}
			}
		}
	}
}

func exitCode(code models.OutcomeCode) int {
	switch code {
	case models.CodeValidation:
		return 2
	case models.CodeBusy:
		return 3
	case models.CodeConfig:
		return 4
	case models.CodeTimeout:
		return 5
	default:
		return 1
	}
}

func statusCmd(cfg config.Config, args []string, stdout io.Writer) error {
	var asJSON bool
	if _, err := parse("status", args, func(fs *pflag.FlagSet) {
		fs.BoolVar(&asJSON, "json", false, "print the full ledger as JSON")
	}); err != nil {
		return err
	}
	cfg.OracleMode = "none"
	a, err := open(context.Background(), cfg, false)
	if err != nil {
		return err
	}
	defer a.Close()

	state := a.Ledger.Snapshot()
	if asJSON {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(state)
	}

	w := tabwriter.NewWriter(stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintf(w, "ledger\t%s\n", a.Store.Path())
	fmt.Fprintf(w, "seed anchor\t%s\n", state.SeedAnchor)
	fmt.Fprintf(w, "main pointer\t%d\n", state.MainPointer)
	fmt.Fprintf(w, "debts\t%s\n", joinIDs(state.DebtSet))
	fmt.Fprintf(w, "credits\t%s\n", joinIDs(state.CreditSet))
	fmt.Fprintf(w, "scheduled days\t%d\n", len(state.SchedulePool))
	if n := len(state.SchedulePool); n > 0 {
		fmt.Fprintf(w, "range\t%s .. %s\n", state.SchedulePool[0].Date, state.SchedulePool[n-1].Date)
	}
	if !state.UpdatedAt.IsZero() {
		fmt.Fprintf(w, "updated\t%s\n", state.UpdatedAt.Format("2006-01-02 15:04:05 MST"))
	}
	return w.Flush()
}

func debtsCmd(cfg config.Config, args []string, stdout io.Writer) error {
	if _, err := parse("debts", args, func(*pflag.FlagSet) {}); err != nil {
		return err
	}
	cfg.OracleMode = "none"
	ctx := context.Background()
	a, err := open(ctx, cfg, false)
	if err != nil {
		return err
	}
	defer a.Close()

	members, err := a.Roster.Members(ctx)
	if err != nil {
		return err
	}
	names := make(map[int]string, len(members))
	for _, m := range members {
		names[m.ID] = m.Name
	}

	state := a.Ledger.Snapshot()
	w := tabwriter.NewWriter(stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "KIND\tORDER\tID\tNAME")
	for i, id := range state.DebtSet {
		fmt.Fprintf(w, "debt\t%d\t%d\t%s\n", i+1, id, names[id])
	}
	for i, id := range state.CreditSet {
		fmt.Fprintf(w, "credit\t%d\t%d\t%s\n", i+1, id, names[id])
	}
	return w.Flush()
}

func scheduleCmd(cfg config.Config, args []string, stdout io.Writer) error {
	var from, to string
	if _, err := parse("schedule", args, func(fs *pflag.FlagSet) {
		fs.StringVar(&from, "from", "", "first date, YYYY-MM-DD")
		fs.StringVar(&to, "to", "", "last date, YYYY-MM-DD")
	}); err != nil {
		return err
	}
	cfg.OracleMode = "none"
	a, err := open(context.Background(), cfg, false)
	if err != nil {
		return err
	}
	defer a.Close()

	w := tabwriter.NewWriter(stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "DATE\tWEEKDAY\tAREA\tIDS")
	for _, day := range merge.Between(a.Ledger.Snapshot().SchedulePool, from, to) {
		for _, area := range models.SortedAreas(day.AreaAssignments) {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", day.Date, day.Weekday, area, joinIDs(day.AreaAssignments[area]))
		}
	}
	return w.Flush()
}

func joinIDs(ids []int) string {
	if len(ids) == 0 {
		return "-"
	}
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = fmt.Sprint(id)
	}
	return strings.Join(parts, ",")
}
