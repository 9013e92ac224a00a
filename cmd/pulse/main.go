package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"
	_ "time/tzdata"

	"github.com/dustin/go-humanize"

	"github.com/divijg19/pulse/internal/authority"
	"github.com/divijg19/pulse/internal/core"
	"github.com/divijg19/pulse/internal/observability"
	"github.com/divijg19/pulse/internal/orchestrator"
	"github.com/divijg19/pulse/internal/storage"
)

// Version is the current CLI version string.
const Version = "v0.1"

var (
	stdout io.Writer = os.Stdout
	stderr io.Writer = os.Stderr
	now              = time.Now
)

// PrintHelp prints the CLI usage and examples.
func PrintHelp() {
	fmt.Fprint(stdout, `Pulse: gentle wellbeing check-ins

Usage:
  pulse <command> [args]

Commands:
  help, h        Show this help or detailed help for a command
  version, -v    Show version
  checkin, c     Report how you are: normal, tired or emergency
  shown, s       Record that a prompt was shown; prints its episode id
  dismiss, d     Record that a shown prompt was dismissed unanswered
  open, o        Record that the app was opened
  tick           Re-evaluate the schedule now
  reset          Leave emergency mode
  status, st     Show the current state and whether a prompt is due
  history        Show recent events
  sync           Send queued events to the remote authority and pull its state
  config         View and edit defaults for pulse
  serve          Run the remote authority HTTP server

Syntax:
  pulse checkin <normal|tired|emergency> [--sub text] [--source popup|widget|button]
  pulse dismiss [episode-id]
  pulse history [n]
  pulse config [setting] [value]

Examples:
  pulse help checkin
  pulse checkin tired --sub "slept badly"
  pulse c emergency --source button
  pulse status

For detailed help on a command:
  pulse help <command>
`)
}

// openStore opens the SQLite-backed store and returns a close function.
func openStore() (*storage.Store, func(), error) {
	cfg, _ := loadRuntimeConfig()

	dbPath, err := storage.ResolveDBPath(cfg.DBPath)
	if err != nil {
		return nil, nil, fmt.Errorf("resolve db path: %w", err)
	}
	return openSQLiteStore(dbPath)
}

func openSQLiteStore(dbPath string) (*storage.Store, func(), error) {
	sqlDB, err := storage.Open(dbPath)
	if err != nil {
		return nil, nil, fmt.Errorf("open db: %w", err)
	}

	st, err := storage.New(sqlDB)
	if err != nil {
		_ = sqlDB.Close()
		return nil, nil, fmt.Errorf("new store: %w", err)
	}

	closeFn := func() {
		_ = sqlDB.Close()
	}
	return st, closeFn, nil
}

// openOrchestrator wires the local store, the policy and the remote authority if configured.
func openOrchestrator() (*orchestrator.Orchestrator, *storage.Store, func(), error) {
	cfg, cfgErr := loadRuntimeConfig()
	if cfgErr != nil {
		return nil, nil, nil, fmt.Errorf("config: %w", cfgErr)
	}
	policy, err := cfg.Policy()
	if err != nil {
		return nil, nil, nil, fmt.Errorf("config: %w", err)
	}

	st, closeDB, err := openStore()
	if err != nil {
		return nil, nil, nil, err
	}

	o, err := orchestrator.New(st, policy)
	if err != nil {
		closeDB()
		return nil, nil, nil, err
	}

	if cfg.Remote.URL != "" {
		client, err := authority.NewClient(cfg.Remote.URL, cfg.RemoteTimeout())
		if err != nil {
			closeDB()
			return nil, nil, nil, err
		}
		o.WithRemote(client.WithAuthSecret(cfg.Remote.AuthSecret))
	}
	return o, st, closeDB, nil
}

func currentUser() string {
	cfg, _ := loadRuntimeConfig()
	return cfg.User
}

// parseCheckIn reads `<status> [--sub text] [--source src]`.
func parseCheckIn(args []string) (core.Status, core.TriggerSource, string, error) {
	var (
		status core.Status
		source core.TriggerSource
		sub    string
	)
	for i := 0; i < len(args); i++ {
		arg := args[i]
		switch arg {
		case "--sub", "--source":
			if i+1 >= len(args) {
				return "", "", "", fmt.Errorf("%s needs a value", arg)
			}
			value := args[i+1]
			i++
			if arg == "--sub" {
				sub = value
				continue
			}
			src, ok := core.ParseTriggerSource(value)
			if !ok {
				return "", "", "", fmt.Errorf("unknown source %q", value)
			}
			source = src
		default:
			if status != "" {
				return "", "", "", fmt.Errorf("unexpected argument %q", arg)
			}
			s, ok := core.ParseStatus(arg)
			if !ok {
				return "", "", "", fmt.Errorf("unknown status %q", arg)
			}
			status = s
		}
	}
	if status == "" {
		return "", "", "", errors.New("status is required")
	}
	return status, source, sub, nil
}

// cmdCheckIn records a self-reported status.
func cmdCheckIn(args []string) int {
	status, source, sub, err := parseCheckIn(args)
	if err != nil {
		fmt.Fprintf(stderr, "checkin: %v\n", err)
		return 2
	}

	o, _, closeDB, err := openOrchestrator()
	if err != nil {
		fmt.Fprintf(stderr, "checkin: %v\n", err)
		return 1
	}
	defer closeDB()

	s, err := o.CheckIn(context.Background(), currentUser(), status, source, sub, now())
	if err != nil {
		fmt.Fprintf(stderr, "checkin: %v\n", err)
		return 1
	}

	fmt.Fprintf(stdout, "Checked in as %s.\n", strings.ToLower(string(s.CurrentStatus)))
	printNextAsk(s)
	return 0
}

// cmdShown opens a prompt episode and prints its id.
func cmdShown(args []string) int {
	if len(args) != 0 {
		fmt.Fprintln(stderr, "shown: takes no arguments")
		return 2
	}
	o, _, closeDB, err := openOrchestrator()
	if err != nil {
		fmt.Fprintf(stderr, "shown: %v\n", err)
		return 1
	}
	defer closeDB()

	episode, _, err := o.PromptShown(context.Background(), currentUser(), now())
	if err != nil {
		fmt.Fprintf(stderr, "shown: %v\n", err)
		return 1
	}
	fmt.Fprintln(stdout, episode)
	return 0
}

// cmdDismiss closes a prompt episode without an answer. Without an id the open prompt is used.
func cmdDismiss(args []string) int {
	if len(args) > 1 || (len(args) == 1 && strings.TrimSpace(args[0]) == "") {
		fmt.Fprintln(stderr, "dismiss: expected at most one episode id")
		return 2
	}
	o, st, closeDB, err := openOrchestrator()
	if err != nil {
		fmt.Fprintf(stderr, "dismiss: %v\n", err)
		return 1
	}
	defer closeDB()

	ctx := context.Background()
	var episode string
	if len(args) == 1 {
		episode = args[0]
	} else {
		id, found, err := st.OpenEpisodeID(ctx, currentUser())
		if err != nil {
			fmt.Fprintf(stderr, "dismiss: %v\n", err)
			return 1
		}
		if !found {
			fmt.Fprintln(stdout, "No prompt is open; nothing changed.")
			return 0
		}
		episode = id
	}

	s, err := o.PromptDismissed(ctx, currentUser(), episode, now())
	if errors.Is(err, orchestrator.ErrEpisodeNotOpen) {
		fmt.Fprintf(stdout, "Episode %s is not open; nothing changed.\n", episode)
		return 0
	}
	if err != nil {
		fmt.Fprintf(stderr, "dismiss: %v\n", err)
		return 1
	}
	fmt.Fprintf(stdout, "Dismissed. Unanswered prompts: %d\n", s.SilenceCount)
	return 0
}

// cmdSimple applies an event that carries no arguments.
func cmdSimple(name string, args []string, apply func(*orchestrator.Orchestrator, context.Context, string, time.Time) (core.State, error)) int {
	if len(args) != 0 {
		fmt.Fprintf(stderr, "%s: takes no arguments\n", name)
		return 2
	}
	o, _, closeDB, err := openOrchestrator()
	if err != nil {
		fmt.Fprintf(stderr, "%s: %v\n", name, err)
		return 1
	}
	defer closeDB()

	t := now()
	s, err := apply(o, context.Background(), currentUser(), t)
	if err != nil {
		fmt.Fprintf(stderr, "%s: %v\n", name, err)
		return 1
	}
	printState(s, core.ShouldShowPopup(s, t, core.PromptContext{IsAppForeground: true}))
	return 0
}

// cmdStatus prints the stored state. The prompt check assumes the app is in the foreground.
func cmdStatus(args []string) int {
	if len(args) != 0 {
		fmt.Fprintln(stderr, "status: takes no arguments")
		return 2
	}
	o, _, closeDB, err := openOrchestrator()
	if err != nil {
		fmt.Fprintf(stderr, "status: %v\n", err)
		return 1
	}
	defer closeDB()

	ctx := context.Background()
	t := now()
	s, err := o.State(ctx, currentUser())
	if err != nil {
		fmt.Fprintf(stderr, "status: %v\n", err)
		return 1
	}
	printState(s, o.ShouldShow(ctx, currentUser(), t, core.PromptContext{IsAppForeground: true}))
	return 0
}

// cmdHistory lists recent events, newest first.
func cmdHistory(args []string) int {
	limit := 10
	if len(args) > 1 {
		fmt.Fprintln(stderr, "history: too many arguments")
		return 2
	}
	if len(args) == 1 {
		n, err := strconv.Atoi(args[0])
		if err != nil || n <= 0 {
			fmt.Fprintln(stderr, "history: invalid count")
			return 2
		}
		limit = n
	}

	st, closeDB, err := openStore()
	if err != nil {
		fmt.Fprintf(stderr, "history: %v\n", err)
		return 1
	}
	defer closeDB()

	events, err := st.ListEvents(context.Background(), currentUser(), limit)
	if err != nil {
		fmt.Fprintf(stderr, "history: %v\n", err)
		return 1
	}
	if len(events) == 0 {
		fmt.Fprintln(stdout, "No events yet.")
		return 0
	}

	loc := displayLocation()
	fmt.Fprintf(stdout, "%-6s %-17s %-16s %-10s %-17s %s\n", "ID", "AT", "KIND", "STATUS", "SOURCE", "SYNCED")
	for _, rec := range events {
		fmt.Fprintf(stdout, "%-6d %-17s %-16s %-10s %-17s %t\n",
			rec.ID,
			rec.At.In(loc).Format("2006-01-02 15:04"),
			rec.Event.Kind,
			dash(string(rec.Event.Status)),
			dash(string(rec.Event.TriggerSource)),
			rec.Synced,
		)
		if rec.Event.SubStatus != "" {
			fmt.Fprintf(stdout, "       %q\n", rec.Event.SubStatus)
		}
	}
	return 0
}

// cmdSync pushes queued events and adopts the authority's state.
func cmdSync(args []string) int {
	if len(args) != 0 {
		fmt.Fprintln(stderr, "sync: takes no arguments")
		return 2
	}
	o, st, closeDB, err := openOrchestrator()
	if err != nil {
		fmt.Fprintf(stderr, "sync: %v\n", err)
		return 1
	}
	defer closeDB()

	ctx := context.Background()
	s, err := o.Sync(ctx, currentUser())
	if err != nil {
		fmt.Fprintf(stderr, "sync: %v\n", err)
		if pending, perr := st.PendingEvents(ctx, currentUser()); perr == nil && len(pending) > 0 {
			fmt.Fprintf(stderr, "sync: %d events still queued\n", len(pending))
		}
		return 1
	}
	fmt.Fprintln(stdout, "Synced.")
	t := now()
	printState(s, core.ShouldShowPopup(s, t, core.PromptContext{IsAppForeground: true}))
	return 0
}

func printState(s core.State, due bool) {
	loc := displayLocation()
	fmt.Fprintf(stdout, "Status:        %s\n", s.CurrentStatus)
	fmt.Fprintf(stdout, "Last check-in: %s\n", formatInstant(s.LastCheckInAt, loc))
	fmt.Fprintf(stdout, "Next ask:      %s\n", formatInstant(s.NextAskAt, loc))
	if s.CooldownUntil != nil {
		fmt.Fprintf(stdout, "Quiet until:   %s\n", formatInstant(s.CooldownUntil, loc))
	}
	if s.EmergencyArmed {
		fmt.Fprintf(stdout, "Unanswered:    %d\n", s.SilenceCount)
	}
	if s.EscalationNeeded {
		fmt.Fprintln(stdout, "Escalation:    needed")
	}
	if due {
		fmt.Fprintln(stdout, "A check-in prompt is due now.")
	}
}

func printNextAsk(s core.State) {
	if s.NextAskAt == nil {
		return
	}
	fmt.Fprintf(stdout, "Next ask %s.\n", humanize.Time(*s.NextAskAt))
}

func formatInstant(t *time.Time, loc *time.Location) string {
	if t == nil {
		return "-"
	}
	return fmt.Sprintf("%s (%s)", t.In(loc).Format("Mon 2006-01-02 15:04"), humanize.Time(*t))
}

func displayLocation() *time.Location {
	cfg, _ := loadRuntimeConfig()
	loc, err := cfg.Location()
	if err != nil {
		return time.Local
	}
	return loc
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

// printEscalationNotice prints once each time the escalation flag turns on.
func printEscalationNotice(st *storage.Store, userID string) {
	ctx := context.Background()
	s, found, err := st.LoadState(ctx, userID)
	if err != nil || !found {
		return
	}
	if st.DidEscalationChange(ctx, userID, s.EscalationNeeded) && s.EscalationNeeded {
		fmt.Fprintf(stderr, "! %d check-ins went unanswered during an emergency. Run: pulse checkin <status> or pulse reset\n", s.SilenceCount)
	}
}

func cmdHelp(args []string) int {
	if len(args) == 0 {
		PrintHelp()
		return 0
	}

	filter := strings.TrimPrefix(args[0], "--")

	switch filter {
	case "checkin", "c":
		fmt.Fprint(stdout, `pulse checkin - report how you are

Description:
  Records a check-in and reschedules the next prompt.
  normal: asked again in the next daily window.
  tired: asked again after the tired interval (4h by default).
  emergency: asked every emergency interval (90m by default) until you check in again or reset.

Syntax:
  pulse checkin <normal|tired|emergency> [--sub text] [--source popup|widget|button]
  pulse c <status>

Examples:
  pulse checkin normal
  pulse checkin tired --sub "long shift"
  pulse c emergency --source button

`)

	case "shown", "s", "dismiss", "d":
		fmt.Fprint(stdout, `pulse shown / pulse dismiss - prompt episodes

Description:
  shown records that a check-in prompt was displayed and prints an episode id.
  dismiss records that the prompt with that id was closed without an answer.
  Without an id it dismisses the prompt that is currently open.
  Only the most recent prompt can be dismissed, and only once. During an
  emergency each dismissal counts as an unanswered check-in.

Syntax:
  pulse shown
  pulse dismiss [episode-id]

`)

	case "status", "st":
		fmt.Fprint(stdout, `pulse status - show the current state

Description:
  Prints the status, the next prompt time and whether a prompt is due now,
  assuming the app is in the foreground.

Syntax:
  pulse status
  pulse st

`)

	case "history":
		fmt.Fprint(stdout, `pulse history - show recent events

Syntax:
  pulse history [n]

Examples:
  pulse history
  pulse history 25

`)

	case "sync":
		fmt.Fprint(stdout, `pulse sync - reconcile with the remote authority

Description:
  Sends events recorded while offline, in order, then replaces the local
  state with the authority's. Requires remote.url in the config or PULSE_REMOTE_URL.

Syntax:
  pulse sync

`)

	case "config":
		fmt.Fprint(stdout, `pulse config - view and configure defaults

Description:
  View or update configuration settings like the user, timezone and remote authority.

Syntax:
  pulse config
  pulse config [user | timezone | remote] [value]

Examples:
  pulse config
  pulse config timezone Europe/Berlin
  pulse config remote http://localhost:8080

`)

	case "serve":
		fmt.Fprint(stdout, `pulse serve - run the remote authority

Description:
  Serves POST /users/{id}/events, GET /users/{id}/state and GET /healthz.
  State is kept in SQLite or Redis (authority.backend). The SQLite file
  is authority.db_path, never the local db_path.

Syntax:
  pulse serve

`)

	default:
		fmt.Fprintf(stderr, "No help available for: %s\n", args[0])
		PrintHelp()
		return 2
	}
	return 0
}

// run dispatches CLI commands to their corresponding handlers and returns the exit code.
func run(args []string) int {
	if len(args) == 0 {
		PrintHelp()
		return 0
	}

	cfg, cfgErr := loadRuntimeConfig()
	observability.Configure(stderr, cfg.LogLevel)
	if cfgErr != nil {
		fmt.Fprintf(stderr, "config: %v\n", cfgErr)
	}

	cmd := args[0]
	rest := args[1:]

	var code int
	switch cmd {
	case "help", "h":
		return cmdHelp(rest)

	case "version", "-v":
		fmt.Fprintln(stdout, "Pulse "+Version)
		return 0

	case "serve":
		return cmdServe(rest)

	case "checkin", "c":
		code = cmdCheckIn(rest)

	case "shown", "s":
		code = cmdShown(rest)

	case "dismiss", "d":
		code = cmdDismiss(rest)

	case "open", "o":
		code = cmdSimple("open", rest, (*orchestrator.Orchestrator).AppOpened)

	case "tick":
		code = cmdSimple("tick", rest, (*orchestrator.Orchestrator).Tick)

	case "reset":
		code = cmdSimple("reset", rest, (*orchestrator.Orchestrator).Reset)

	case "status", "st":
		code = cmdStatus(rest)

	case "history":
		code = cmdHistory(rest)

	case "sync":
		code = cmdSync(rest)

	case "configure", "config":
		return cmdConfigure(rest)

	default:
		fmt.Fprintf(stderr, "Unknown command: %s\n", cmd)
		PrintHelp()
		return 2
	}

	// Print only when the escalation flag changes.
	if st, closeDB, err := openStore(); err == nil {
		printEscalationNotice(st, currentUser())
		closeDB()
	}
	return code
}

func main() {
	os.Exit(run(os.Args[1:]))
}
