package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"hostelpro/internal/exporter"
	"hostelpro/internal/gate"
	"hostelpro/internal/license"
	"hostelpro/internal/machineid"
)

func newFlagSet(c *cli, name string) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(c.stderr)
	return fs
}

func runIssue(ctx context.Context, c *cli, args []string) error {
	fs := newFlagSet(c, "issue")
	customer := fs.String("customer", "", "customer name (required)")
	hostel := fs.String("hostel", "", "hostel name (required)")
	expires := fs.String("expires", "", "expiry date, YYYY-MM-DD or RFC 3339")
	years := fs.Int("years", 0, "expire this many years from today")
	notes := fs.String("notes", "", "free-form notes")
	asJSON := fs.Bool("json", false, "print the record as JSON")
	if err := fs.Parse(args); err != nil {
		return errUsage
	}
	if *customer == "" || *hostel == "" {
		fmt.Fprintln(c.stderr, "issue: -customer and -hostel are required")
		return errUsage
	}
	if *expires != "" && *years > 0 {
		fmt.Fprintln(c.stderr, "issue: use either -expires or -years")
		return errUsage
	}

	expiry, err := license.ParseExpiry(*expires)
	if err != nil {
		return err
	}
	if *years > 0 {
		expiry = license.ExpiryAfterYears(time.Now(), *years)
	}

	engine, cfg, err := c.engine(ctx)
	if err != nil {
		return err
	}
	rec, err := engine.IssueWithRetry(ctx, license.IssueRequest{
		CustomerName: *customer,
		HostelName:   *hostel,
		ExpiryDate:   expiry,
		Notes:        *notes,
	}, cfg.License.IssueAttempts)
	if err != nil {
		return err
	}

	if *asJSON {
		return writeJSON(c, rec)
	}
	fmt.Fprintln(c.stdout, rec.LicenseKey)
	fmt.Fprintf(c.stdout, "Customer: %s\nHostel:   %s\nExpires:  %s\n", rec.CustomerName, rec.HostelName, formatExpiry(rec.ExpiryDate))
	return nil
}

func runList(ctx context.Context, c *cli, args []string) error {
	fs := newFlagSet(c, "list")
	statusFlag := fs.String("status", "", "only list licenses in this status")
	asJSON := fs.Bool("json", false, "print records as JSON")
	if err := fs.Parse(args); err != nil {
		return errUsage
	}
	status, err := parseStatus(*statusFlag)
	if err != nil {
		return err
	}

	engine, _, err := c.engine(ctx)
	if err != nil {
		return err
	}
	recs, err := engine.List(ctx, status)
	if err != nil {
		return err
	}

	if *asJSON {
		return writeJSON(c, recs)
	}

	tw := tabwriter.NewWriter(c.stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "KEY\tSTATUS\tBOUND\tCUSTOMER\tHOSTEL\tEXPIRES")
	for _, rec := range recs {
		fmt.Fprintf(tw, "%s\t%s\t%t\t%s\t%s\t%s\n",
			rec.LicenseKey, rec.Status, rec.Bound(), rec.CustomerName, rec.HostelName, formatExpiry(rec.ExpiryDate))
	}
	return tw.Flush()
}

func runSetStatus(status license.Status) func(context.Context, *cli, []string) error {
	return func(ctx context.Context, c *cli, args []string) error {
		fs := newFlagSet(c, string(status))
		keyFlag := fs.String("key", "", "license key")
		if err := fs.Parse(args); err != nil {
			return errUsage
		}
		key, err := keyArg(fs, *keyFlag)
		if err != nil {
			return err
		}

		engine, _, err := c.engine(ctx)
		if err != nil {
			return err
		}
		rec, err := engine.SetStatus(ctx, key, status)
		if err != nil {
			return err
		}
		fmt.Fprintf(c.stdout, "%s is now %s\n", rec.LicenseKey, rec.Status)
		return nil
	}
}

func runActivate(ctx context.Context, c *cli, args []string) error {
	fs := newFlagSet(c, "activate")
	keyFlag := fs.String("key", "", "license key")
	if err := fs.Parse(args); err != nil {
		return errUsage
	}
	key, err := keyArg(fs, *keyFlag)
	if err != nil {
		return err
	}

	engine, _, err := c.engine(ctx)
	if err != nil {
		return err
	}
	verdict, err := engine.Validate(ctx, key, "")
	if err != nil {
		return err
	}
	fmt.Fprintf(c.stdout, "%s: %s\n", verdict.Reason, verdict.Message)
	if !verdict.Valid {
		return fmt.Errorf("activation refused: %s", verdict.Reason)
	}
	return nil
}

func runDeactivate(ctx context.Context, c *cli, args []string) error {
	fs := newFlagSet(c, "deactivate")
	keyFlag := fs.String("key", "", "license key")
	if err := fs.Parse(args); err != nil {
		return errUsage
	}
	key, err := keyArg(fs, *keyFlag)
	if err != nil {
		return err
	}

	engine, _, err := c.engine(ctx)
	if err != nil {
		return err
	}
	if err := engine.Deactivate(ctx, key); err != nil {
		return err
	}
	fmt.Fprintf(c.stdout, "%s deactivated\n", key)
	return nil
}

func runExport(ctx context.Context, c *cli, args []string) (err error) {
	fs := newFlagSet(c, "export")
	formatFlag := fs.String("format", "xlsx", "xlsx or csv")
	statusFlag := fs.String("status", "", "only export licenses in this status")
	out := fs.String("out", "", "output file, - for stdout (default: a timestamped name)")
	if err := fs.Parse(args); err != nil {
		return errUsage
	}
	format, err := exporter.ParseFormat(*formatFlag)
	if err != nil {
		return err
	}
	status, err := parseStatus(*statusFlag)
	if err != nil {
		return err
	}

	engine, _, err := c.engine(ctx)
	if err != nil {
		return err
	}
	recs, err := engine.List(ctx, status)
	if err != nil {
		return err
	}

	ledger := exporter.NewLedger(time.Now)
	if *out == "-" {
		return ledger.Write(c.stdout, format, recs)
	}

	path := *out
	if path == "" {
		path = format.Filename(time.Now())
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", path, err)
	}
	defer func() {
		if cerr := f.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}()

	if err := ledger.Write(f, format, recs); err != nil {
		return err
	}
	fmt.Fprintf(c.stdout, "Exported %d licenses to %s\n", len(recs), path)
	return nil
}

func runSweep(ctx context.Context, c *cli, args []string) error {
	fs := newFlagSet(c, "sweep")
	if err := fs.Parse(args); err != nil {
		return errUsage
	}

	engine, _, err := c.engine(ctx)
	if err != nil {
		return err
	}
	n, err := engine.SweepExpired(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(c.stdout, "%d licenses expired\n", n)
	return nil
}

func runMachineID(ctx context.Context, c *cli, args []string) error {
	fs := newFlagSet(c, "machine-id")
	if err := fs.Parse(args); err != nil {
		return errUsage
	}

	id, err := c.resolver().Resolve(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintln(c.stdout, machineid.Normalize(id))
	return nil
}

// runGate drives a running server's gate flow the way the UI does: activate
// when unlicensed, create the admin when none exists, log in otherwise.
func runGate(ctx context.Context, c *cli, args []string) error {
	fs := newFlagSet(c, "gate")
	baseURL := fs.String("url", "http://127.0.0.1:5000", "server base URL")
	key := fs.String("key", "", "license key to activate with when unlicensed")
	user := fs.String("user", "", "admin username for setup or login")
	password := fs.String("password", "", "admin password for setup or login")
	timeout := fs.Duration("timeout", 30*time.Second, "give up after this long")
	if err := fs.Parse(args); err != nil {
		return errUsage
	}

	ctx, cancel := context.WithTimeout(ctx, *timeout)
	defer cancel()

	prober, err := gate.NewHTTPProber(*baseURL, 10*time.Second)
	if err != nil {
		return err
	}
	flow := gate.NewFlow(prober, gate.WithFlowLogger(c.logger))

	state, err := flow.Run(ctx)
	for err == nil {
		fmt.Fprintf(c.stdout, "gate: %s (%s)\n", state, state.Screen())

		switch state {
		case gate.StateReady:
			return nil

		case gate.StateUnlicensed:
			if *key == "" {
				return errors.New("no active license; pass -key to activate")
			}
			var id string
			if id, err = prober.MachineID(ctx); err != nil {
				return err
			}
			verdict, verr := prober.Activate(ctx, license.NormalizeKey(*key), id)
			if verr != nil {
				return verr
			}
			fmt.Fprintf(c.stdout, "activation: %s: %s\n", verdict.Reason, verdict.Message)
			if !verdict.Valid {
				return fmt.Errorf("activation refused: %s", verdict.Reason)
			}
			state, err = flow.Activated(ctx)

		case gate.StateNeedsAdminSetup:
			if *user == "" || *password == "" {
				return errors.New("no admin account; pass -user and -password to create one")
			}
			if err = prober.Setup(ctx, *user, *password); err != nil {
				return err
			}
			state, err = flow.SetupComplete(ctx)

		case gate.StateNeedsLogin:
			if *user == "" || *password == "" {
				return errors.New("login required; pass -user and -password")
			}
			if err = prober.Login(ctx, *user, *password); err != nil {
				return err
			}
			state, err = flow.LoginSucceeded(ctx)

		default:
			return fmt.Errorf("unexpected gate state %s", state)
		}
	}
	return fmt.Errorf("gate stuck in %s: %w", state, err)
}

func writeJSON(c *cli, v any) error {
	enc := json.NewEncoder(c.stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func formatExpiry(t *time.Time) string {
	if t == nil {
		return "never"
	}
	return t.UTC().Format(time.DateOnly)
}
