// clf is the operator client for the orchestrator's Unix socket API.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"cattle-orchestrator/internal/client"
	"cattle-orchestrator/internal/config"
	"cattle-orchestrator/internal/models"
)

const usage = `Usage: clf [--socket PATH] <command> [flags]

Commands:
  health                 check the orchestrator is up
  enqueue                submit a job
  list                   list jobs
  show <job-id>          print a job (--events adds its audit trail)
  cancel <job-id>        cancel a queued or running job
  watch                  stream job events
`

func main() {
	if err := run(os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string, out io.Writer) error {
	socketPath := os.Getenv("CLF_SOCKET_PATH")
	if socketPath == "" {
		socketPath = config.DefaultSocketPath
	}
	global := pflag.NewFlagSet("clf", pflag.ContinueOnError)
	global.StringVar(&socketPath, "socket", socketPath, "orchestrator socket path")
	global.SetInterspersed(false)
	global.Usage = func() { fmt.Fprint(os.Stderr, usage) }
	if err := global.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}
	rest := global.Args()
	if len(rest) == 0 {
		fmt.Fprint(os.Stderr, usage)
		return errors.New("missing command")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	c := client.New(socketPath)

	cmd, cmdArgs := rest[0], rest[1:]
	switch cmd {
	case "health":
		if err := c.Health(ctx); err != nil {
			return err
		}
		fmt.Fprintln(out, "ok")
		return nil
	case "enqueue":
		return runEnqueue(ctx, c, cmdArgs, out)
	case "list":
		return runList(ctx, c, cmdArgs, out)
	case "show":
		return runShow(ctx, c, cmdArgs, out)
	case "cancel":
		id, err := singleArg("cancel", cmdArgs)
		if err != nil {
			return err
		}
		res, err := c.Cancel(ctx, id)
		if err != nil {
			return err
		}
		return printJSON(out, res)
	case "watch":
		return runWatch(ctx, c, cmdArgs, out)
	}
	return fmt.Errorf("unknown command %q", cmd)
}

func runEnqueue(ctx context.Context, c *client.Client, args []string, out io.Writer) error {
	var (
		p       client.EnqueueParams
		payload string
		delay   time.Duration
	)
	fs := pflag.NewFlagSet("enqueue", pflag.ContinueOnError)
	fs.StringVar(&p.Kind, "kind", "", "job kind, e.g. cattle.spawn")
	fs.StringVar(&p.Requester, "requester", currentUser(), "requester recorded on the job")
	fs.StringVar(&p.IdempotencyKey, "key", "", "idempotency key")
	fs.StringVar(&payload, "payload", "{}", "JSON payload, or @file to read it from a file")
	fs.IntVar(&p.Priority, "priority", 0, "higher runs first")
	fs.IntVar(&p.MaxAttempts, "max-attempts", 0, "attempts before the job fails")
	fs.DurationVar(&delay, "delay", 0, "run no earlier than now+delay")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if p.Kind == "" {
		return errors.New("--kind is required")
	}
	raw, err := readPayload(payload)
	if err != nil {
		return err
	}
	p.Payload = raw
	if delay > 0 {
		p.RunAt = time.Now().Add(delay)
	}
	res, err := c.Enqueue(ctx, p)
	if err != nil {
		return err
	}
	return printJSON(out, res)
}

func runList(ctx context.Context, c *client.Client, args []string, out io.Writer) error {
	var (
		o        client.ListOptions
		statuses []string
	)
	fs := pflag.NewFlagSet("list", pflag.ContinueOnError)
	fs.StringVar(&o.Requester, "requester", "", "only jobs from this requester")
	fs.StringSliceVar(&statuses, "status", nil, "only these statuses")
	fs.StringSliceVar(&o.Kinds, "kind", nil, "only these kinds")
	fs.IntVar(&o.Limit, "limit", 0, "maximum number of jobs")
	if err := fs.Parse(args); err != nil {
		return err
	}
	for _, raw := range statuses {
		st, ok := models.ParseJobStatus(strings.TrimSpace(raw))
		if !ok {
			return fmt.Errorf("invalid status %q", raw)
		}
		o.Statuses = append(o.Statuses, st)
	}
	jobs, err := c.List(ctx, o)
	if err != nil {
		return err
	}
	return printJSON(out, jobs)
}

func runShow(ctx context.Context, c *client.Client, args []string, out io.Writer) error {
	var withEvents bool
	fs := pflag.NewFlagSet("show", pflag.ContinueOnError)
	fs.BoolVar(&withEvents, "events", false, "include the job's events")
	if err := fs.Parse(args); err != nil {
		return err
	}
	id, err := singleArg("show", fs.Args())
	if err != nil {
		return err
	}
	job, err := c.Show(ctx, id)
	if err != nil {
		return err
	}
	if !withEvents {
		return printJSON(out, job)
	}
	events, err := c.Events(ctx, id)
	if err != nil {
		return err
	}
	return printJSON(out, struct {
		Job    models.Job        `json:"job"`
		Events []models.JobEvent `json:"events"`
	}{job, events})
}

func runWatch(ctx context.Context, c *client.Client, args []string, out io.Writer) error {
	var after int64
	fs := pflag.NewFlagSet("watch", pflag.ContinueOnError)
	fs.Int64Var(&after, "after", -1, "resume after this event id (default: newest)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	enc := json.NewEncoder(out)
	err := c.Follow(ctx, after, func(ev models.JobEvent) error { return enc.Encode(ev) })
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func singleArg(cmd string, args []string) (string, error) {
	if len(args) != 1 || strings.TrimSpace(args[0]) == "" {
		return "", fmt.Errorf("%s expects exactly one job id", cmd)
	}
	return strings.TrimSpace(args[0]), nil
}

func readPayload(v string) (json.RawMessage, error) {
	raw := []byte(v)
	if strings.HasPrefix(v, "@") {
		b, err := os.ReadFile(v[1:])
		if err != nil {
			return nil, fmt.Errorf("read payload: %w", err)
		}
		raw = b
	}
	if !json.Valid(raw) {
		return nil, errors.New("payload is not valid JSON")
	}
	return json.RawMessage(raw), nil
}

func currentUser() string {
	for _, k := range []string{"CLF_REQUESTER", "USER"} {
		if v := strings.TrimSpace(os.Getenv(k)); v != "" {
			return v
		}
	}
	return "clf"
}

func printJSON(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
