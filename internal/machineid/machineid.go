// Package machineid derives a stable identifier for the host the application runs on.
//
// The identifier is read from the operating system's own machine identity
// (systemd/dbus machine-id on Linux, IOPlatformUUID on macOS, MachineGuid on
// Windows, hostid/smbios UUID on FreeBSD). It is normalized to uppercase
// alphanumerics so that formatting differences between tools never change the
// value. There is no fallback: if the mechanism cannot be read the resolver
// fails with ErrIdentityUnavailable.
package machineid

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"runtime"
	"strings"
	"sync"
	"unicode"
)

// ErrIdentityUnavailable is returned when the host identity cannot be determined
var ErrIdentityUnavailable = errors.New("machine identity unavailable")

// Resolver returns the normalized identity of the current host
type Resolver interface {
	Resolve(ctx context.Context) (string, error)
}

// Normalize uppercases id and strips every character that is not a letter or digit.
func Normalize(id string) string {
	var b strings.Builder
	b.Grow(len(id))
	for _, r := range id {
		if r < unicode.MaxASCII && (unicode.IsLetter(r) || unicode.IsDigit(r)) {
			b.WriteRune(unicode.ToUpper(r))
		}
	}
	return b.String()
}

// Static is a fixed identity, used by tests and by tooling that acts on
// behalf of another host.
type Static string

// Resolve returns the normalized static identity
func (s Static) Resolve(context.Context) (string, error) {
	id := Normalize(string(s))
	if id == "" {
		return "", ErrIdentityUnavailable
	}
	return id, nil
}

// commandRunner executes an external program and returns its stdout
type commandRunner func(ctx context.Context, name string, args ...string) ([]byte, error)

func runCommand(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).Output()
}

// OSResolver reads the identity from the operating system. A successful
// result is memoized for the lifetime of the resolver.
type OSResolver struct {
	goos     string
	readFile func(string) ([]byte, error)
	run      commandRunner
	logger   *slog.Logger

	mu     sync.Mutex
	cached string
}

// NewOSResolver creates a resolver for the running operating system
func NewOSResolver(logger *slog.Logger) *OSResolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &OSResolver{
		goos:     runtime.GOOS,
		readFile: os.ReadFile,
		run:      runCommand,
		logger:   logger.With("component", "machineid"),
	}
}

// Resolve returns the normalized host identity
func (r *OSResolver) Resolve(ctx context.Context) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.cached != "" {
		return r.cached, nil
	}

	var (
		raw string
		err error
	)
	switch r.goos {
	case "linux":
		raw, err = r.firstFile("/etc/machine-id", "/var/lib/dbus/machine-id")
	case "darwin":
		raw, err = r.darwin(ctx)
	case "windows":
		raw, err = r.windows(ctx)
	case "freebsd":
		raw, err = r.freebsd(ctx)
	default:
		err = fmt.Errorf("unsupported platform %s", r.goos)
	}
	if err != nil {
		r.logger.WarnContext(ctx, "Machine identity lookup failed",
			slog.String("os", r.goos),
			slog.String("error", err.Error()))
		return "", fmt.Errorf("%w: %v", ErrIdentityUnavailable, err)
	}

	id := Normalize(raw)
	if id == "" {
		return "", fmt.Errorf("%w: empty identifier", ErrIdentityUnavailable)
	}

	r.logger.DebugContext(ctx, "Machine identity resolved", slog.String("os", r.goos))
	r.cached = id
	return id, nil
}

func (r *OSResolver) firstFile(paths ...string) (string, error) {
	var lastErr error
	for _, path := range paths {
		data, err := r.readFile(path)
		if err != nil {
			lastErr = err
			continue
		}
		if id := strings.TrimSpace(string(data)); id != "" {
			return id, nil
		}
		lastErr = fmt.Errorf("%s is empty", path)
	}
	return "", lastErr
}

func (r *OSResolver) darwin(ctx context.Context) (string, error) {
	out, err := r.run(ctx, "ioreg", "-rd1", "-c", "IOPlatformExpertDevice")
	if err != nil {
		return "", fmt.Errorf("ioreg: %w", err)
	}
	return parseIORegUUID(out)
}

func (r *OSResolver) windows(ctx context.Context) (string, error) {
	out, err := r.run(ctx, "reg", "query", `HKEY_LOCAL_MACHINE\SOFTWARE\Microsoft\Cryptography`, "/v", "MachineGuid")
	if err != nil {
		return "", fmt.Errorf("reg query: %w", err)
	}
	return parseRegMachineGUID(out)
}

func (r *OSResolver) freebsd(ctx context.Context) (string, error) {
	if id, err := r.firstFile("/etc/hostid"); err == nil {
		return id, nil
	}
	out, err := r.run(ctx, "kenv", "-q", "smbios.system.uuid")
	if err != nil {
		return "", fmt.Errorf("kenv: %w", err)
	}
	return strings.TrimSpace(string(out)), nil
}

// parseIORegUUID extracts the value of "IOPlatformUUID" = "..." from ioreg output
func parseIORegUUID(out []byte) (string, error) {
	scanner := bufio.NewScanner(bytes.NewReader(out))
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.Contains(line, "IOPlatformUUID") {
			continue
		}
		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			continue
		}
		return strings.Trim(strings.TrimSpace(parts[1]), `"`), nil
	}
	return "", errors.New("IOPlatformUUID not found")
}

// parseRegMachineGUID extracts the REG_SZ value of MachineGuid from reg query output
func parseRegMachineGUID(out []byte) (string, error) {
	scanner := bufio.NewScanner(bytes.NewReader(out))
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) == 3 && fields[0] == "MachineGuid" && fields[1] == "REG_SZ" {
			return fields[2], nil
		}
	}
	return "", errors.New("MachineGuid not found")
}
