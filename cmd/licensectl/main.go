// Command licensectl administers HostelPro licenses.
//
// Most subcommands open the configured license store directly, so they run on
// the machine that hosts it. gate talks to a running server over HTTP.
//
//	licensectl issue -customer "Amina Yusuf" -hostel "Harbour View" -years 1
//	licensectl list -status active
//	licensectl -machine-id FRONTDESK01 activate HOSTELPRO-1A2B3C4D-...
//	licensectl suspend HOSTELPRO-1A2B3C4D-...
//	licensectl export -format csv -out ledger.csv
//	licensectl gate -url http://127.0.0.1:5000 -key HOSTELPRO-... -user manager -password ...
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"

	"hostelpro/internal/config"
	"hostelpro/internal/infrastructure"
	"hostelpro/internal/license"
	"hostelpro/internal/machineid"
	"hostelpro/internal/store"
)

var errUsage = errors.New("usage")

type command struct {
	summary string
	run     func(ctx context.Context, c *cli, args []string) error
}

var commands = map[string]command{
	"issue":      {"issue a new license", runIssue},
	"list":       {"list licenses, optionally by status", runList},
	"activate":   {"activate a license on this machine", runActivate},
	"suspend":    {"suspend a license", runSetStatus(license.StatusSuspended)},
	"revoke":     {"revoke a license permanently", runSetStatus(license.StatusRevoked)},
	"deactivate": {"release a license's machine binding", runDeactivate},
	"export":     {"write the license ledger as xlsx or csv", runExport},
	"sweep":      {"mark lapsed licenses as expired", runSweep},
	"machine-id": {"print this machine's normalized identity", runMachineID},
	"gate":       {"walk a running server through activation, setup and login", runGate},
}

// cli holds the global flags and lazily opened dependencies
type cli struct {
	stdout, stderr io.Writer
	configFile     string
	workDir        string
	machineID      string
	verbose        bool

	cfg    *config.Config
	logger *slog.Logger
	store  store.Backend
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	os.Exit(run(ctx, os.Args[1:], os.Stdout, os.Stderr))
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	c := &cli{stdout: stdout, stderr: stderr}

	fs := flag.NewFlagSet("licensectl", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.StringVar(&c.configFile, "config", "", "config file (default: config.yaml or $HOSTELPRO_CONFIG)")
	fs.StringVar(&c.workDir, "dir", "", "resolve relative paths against this directory")
	fs.StringVar(&c.machineID, "machine-id", "", "use this machine identity instead of the OS one")
	fs.BoolVar(&c.verbose, "v", false, "log at debug level")
	fs.Usage = func() { usage(fs) }

	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() == 0 {
		fs.Usage()
		return 2
	}

	name := fs.Arg(0)
	cmd, ok := commands[name]
	if !ok {
		fmt.Fprintf(stderr, "licensectl: unknown command %q\n", name)
		fs.Usage()
		return 2
	}

	err := cmd.run(ctx, c, fs.Args()[1:])
	if cerr := c.close(); cerr != nil && err == nil {
		err = cerr
	}
	switch {
	case err == nil:
		return 0
	case errors.Is(err, errUsage), errors.Is(err, flag.ErrHelp):
		return 2
	default:
		fmt.Fprintf(stderr, "licensectl %s: %v\n", name, err)
		return 1
	}
}

func usage(fs *flag.FlagSet) {
	fmt.Fprintf(fs.Output(), "Usage: licensectl [flags] <command> [command flags]\n\nCommands:\n")
	names := make([]string, 0, len(commands))
	for name := range commands {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Fprintf(fs.Output(), "  %-11s %s\n", name, commands[name].summary)
	}
	fmt.Fprintf(fs.Output(), "\nFlags:\n")
	fs.PrintDefaults()
}

func (c *cli) loadConfig() (*config.Config, error) {
	if c.cfg != nil {
		return c.cfg, nil
	}
	var (
		cfg *config.Config
		err error
	)
	if c.configFile != "" {
		cfg, err = config.LoadFrom(c.configFile)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return nil, err
	}

	cfg.Logging.Output = "console"
	cfg.Logging.Level = "warn"
	if c.verbose {
		cfg.Logging.Level = "debug"
	}
	logger, err := infrastructure.NewLogger(cfg.Logging, c.stderr)
	if err != nil {
		return nil, err
	}

	c.cfg, c.logger = cfg, logger
	return cfg, nil
}

func (c *cli) paths(cfg *config.Config) (*config.Paths, error) {
	if c.workDir != "" {
		return cfg.ResolvePathsFrom(c.workDir), nil
	}
	return cfg.ResolvePaths()
}

func (c *cli) resolver() machineid.Resolver {
	if c.machineID != "" {
		return machineid.Static(c.machineID)
	}
	return machineid.NewOSResolver(c.logger)
}

// engine opens the configured store and builds a license engine over it
func (c *cli) engine(ctx context.Context) (*license.Engine, *config.Config, error) {
	cfg, err := c.loadConfig()
	if err != nil {
		return nil, nil, err
	}
	paths, err := c.paths(cfg)
	if err != nil {
		return nil, nil, err
	}
	if err := paths.EnsureDirectories(); err != nil {
		return nil, nil, err
	}

	backend, err := store.Open(ctx, cfg, paths, c.logger)
	if err != nil {
		return nil, nil, err
	}
	c.store = backend

	cache := license.NewEncryptedCache(paths.CacheFile,
		license.WithCacheIterations(cfg.License.KDFIterations),
		license.WithCacheLogger(c.logger))

	return license.NewEngine(backend, c.resolver(),
		license.WithCache(cache),
		license.WithLogger(c.logger),
		license.WithKeyPrefix(config.LicenseKeyPrefix),
	), cfg, nil
}

func (c *cli) close() error {
	if c.store == nil {
		return nil
	}
	err := c.store.Close()
	c.store = nil
	return err
}

// keyArg takes the license key from -key or the first positional argument
func keyArg(fs *flag.FlagSet, flagValue string) (string, error) {
	key := flagValue
	if key == "" {
		key = fs.Arg(0)
	}
	key = license.NormalizeKey(key)
	if key == "" {
		fmt.Fprintf(fs.Output(), "%s: a license key is required\n", fs.Name())
		return "", errUsage
	}
	if !license.ValidKeyFormat(key) {
		return "", fmt.Errorf("%q is not a valid license key", key)
	}
	return key, nil
}

func parseStatus(s string) (license.Status, error) {
	status := license.Status(strings.ToLower(strings.TrimSpace(s)))
	if status != "" && !status.Valid() {
		return "", fmt.Errorf("unknown status %q", s)
	}
	return status, nil
}
