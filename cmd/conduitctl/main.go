package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"time"

	"conduit/pkg/client"
	"conduit/pkg/deadletter"
	"conduit/pkg/envelope"

	"github.com/google/uuid"
)

// Testable variables for main()
var osExit = os.Exit

func main() {
	if err := run(os.Args[1:], os.Stdout); err != nil {
		log.Print(err)
		osExit(1)
	}
}

func run(args []string, out io.Writer) error {
	if len(args) == 0 {
		usage(out)
		return errors.New("command required")
	}
	switch args[0] {
	case "send":
		return send(args[1:], out)
	case "deadletters":
		return deadletters(args[1:], out)
	case "retry":
		return retry(args[1:], out)
	case "actions":
		return actions(args[1:], out)
	case "health":
		return health(args[1:], out)
	case "gen-secret":
		return genSecret(args[1:], out)
	case "gen-key":
		return genKey(args[1:], out)
	default:
		usage(out)
		return fmt.Errorf("unknown command: %s", args[0])
	}
}

func usage(out io.Writer) {
	fmt.Fprintln(out, "conduitctl commands:")
	fmt.Fprintln(out, "  send --action github.issue_create --payload '{\"title\":\"hi\"}' [--source cli] [--key k] [--file envelope.json]")
	fmt.Fprintln(out, "  deadletters [--admin-token t]")
	fmt.Fprintln(out, "  retry --id <entry-id> [--admin-token t]")
	fmt.Fprintln(out, "  actions")
	fmt.Fprintln(out, "  health")
	fmt.Fprintln(out, "  gen-secret [--bytes 32]")
	fmt.Fprintln(out, "  gen-key")
}

func newFlagSet(name string) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	return fs
}

func routerFlags(fs *flag.FlagSet) (router *string, timeout *time.Duration) {
	router = fs.String("router", envOr("ROUTER_URL", "http://127.0.0.1:8080"), "router base URL")
	timeout = fs.Duration("timeout", 30*time.Second, "request timeout")
	return router, timeout
}

func printJSON(out io.Writer, v interface{}) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func send(args []string, out io.Writer) error {
	fs := newFlagSet("send")
	router, timeout := routerFlags(fs)
	secret := fs.String("secret", os.Getenv("ROUTING_SECRET"), "signing secret")
	file := fs.String("file", "", "complete envelope JSON file")
	action := fs.String("action", "", "action as resource.operation")
	source := fs.String("source", envelope.SourceCLI, "client source")
	payload := fs.String("payload", "", "payload JSON")
	target := fs.String("target", "", "target JSON")
	key := fs.String("key", "", "idempotency key, generated when empty")
	correlation := fs.String("correlation", "", "correlation id")
	if err := fs.Parse(args); err != nil {
		return err
	}

	var body []byte
	switch {
	case *file != "":
		raw, err := os.ReadFile(*file)
		if err != nil {
			return fmt.Errorf("read envelope: %w", err)
		}
		body = raw
	case *action != "":
		env := envelope.Envelope{
			Version:        envelope.Version,
			Action:         *action,
			Source:         *source,
			Timestamp:      time.Now().UTC().Format(time.RFC3339),
			IdempotencyKey: *key,
			CorrelationID:  *correlation,
		}
		// A client-held key keeps a re-run of the same command deduplicable.
		if env.IdempotencyKey == "" {
			env.IdempotencyKey = uuid.NewString()
		}
		if *payload != "" {
			env.Payload = json.RawMessage(*payload)
		}
		if *target != "" {
			env.Target = json.RawMessage(*target)
		}
		encoded, err := json.Marshal(&env)
		if err != nil {
			return fmt.Errorf("encode envelope: %w", err)
		}
		body = encoded
	default:
		return errors.New("action or file required")
	}

	cl := client.New(*router, *timeout)
	cl.Secret = []byte(*secret)
	ctx, cancel := context.WithTimeout(context.Background(), *timeout+5*time.Second)
	defer cancel()
	res, status, err := cl.Route(ctx, body)
	if err != nil {
		return fmt.Errorf("send: %w", err)
	}
	if err := printJSON(out, res); err != nil {
		return err
	}
	if !res.Success {
		code := ""
		if res.Error != nil {
			code = res.Error.Code
		}
		return fmt.Errorf("action failed: %s (status %d)", code, status)
	}
	return nil
}

func deadletters(args []string, out io.Writer) error {
	fs := newFlagSet("deadletters")
	router, timeout := routerFlags(fs)
	adminToken := fs.String("admin-token", os.Getenv("ADMIN_TOKEN"), "admin bearer token")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cl := client.New(*router, *timeout)
	cl.AdminToken = *adminToken
	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()
	entries, err := cl.DeadLetters(ctx)
	if err != nil {
		return fmt.Errorf("deadletters: %w", err)
	}
	if entries == nil {
		entries = []deadletter.Entry{}
	}
	return printJSON(out, entries)
}

func retry(args []string, out io.Writer) error {
	fs := newFlagSet("retry")
	router, timeout := routerFlags(fs)
	adminToken := fs.String("admin-token", os.Getenv("ADMIN_TOKEN"), "admin bearer token")
	id := fs.String("id", "", "dead letter entry id")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *id == "" {
		return errors.New("id required")
	}

	cl := client.New(*router, *timeout)
	cl.AdminToken = *adminToken
	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()
	res, err := cl.RetryDeadLetter(ctx, *id)
	if err != nil {
		return fmt.Errorf("retry: %w", err)
	}
	if err := printJSON(out, res); err != nil {
		return err
	}
	if !res.Success {
		code := ""
		if res.Error != nil {
			code = res.Error.Code
		}
		return fmt.Errorf("retry failed: %s", code)
	}
	return nil
}

func actions(args []string, out io.Writer) error {
	fs := newFlagSet("actions")
	router, timeout := routerFlags(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}

	cl := client.New(*router, *timeout)
	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()
	rules, err := cl.Actions(ctx)
	if err != nil {
		return fmt.Errorf("actions: %w", err)
	}
	return printJSON(out, rules)
}

func health(args []string, out io.Writer) error {
	fs := newFlagSet("health")
	router, timeout := routerFlags(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}

	cl := client.New(*router, *timeout)
	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()
	if err := cl.Healthy(ctx); err != nil {
		return fmt.Errorf("router unhealthy: %w", err)
	}
	fmt.Fprintln(out, "ok")
	return nil
}

func genSecret(args []string, out io.Writer) error {
	fs := newFlagSet("gen-secret")
	size := fs.Int("bytes", 32, "secret length in bytes")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *size < 16 {
		return errors.New("secret must be at least 16 bytes")
	}
	buf := make([]byte, *size)
	if _, err := rand.Read(buf); err != nil {
		return fmt.Errorf("generate secret: %w", err)
	}
	fmt.Fprintln(out, hex.EncodeToString(buf))
	return nil
}

func genKey(args []string, out io.Writer) error {
	fs := newFlagSet("gen-key")
	if err := fs.Parse(args); err != nil {
		return err
	}
	fmt.Fprintln(out, uuid.NewString())
	return nil
}

func envOr(name, fallback string) string {
	if v := os.Getenv(name); v != "" {
		return v
	}
	return fallback
}
