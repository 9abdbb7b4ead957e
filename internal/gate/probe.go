package gate

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"strings"
	"time"

	"hostelpro/internal/auth"
	"hostelpro/internal/license"
)

// LicenseSource reports the installation's current license
type LicenseSource interface {
	Current(ctx context.Context) (license.Record, error)
}

// AuthSource reports admin-account and session state
type AuthSource interface {
	Status(ctx context.Context, token string) (auth.Status, error)
}

// LocalProber answers probes in-process for one session token
type LocalProber struct {
	Licenses LicenseSource
	Auth     AuthSource
	Token    string
}

func (p LocalProber) LicenseStatus(ctx context.Context) LicenseObservation {
	_, err := p.Licenses.Current(ctx)
	switch {
	case err == nil:
		return LicenseObservation{Active: true}
	case errors.Is(err, license.ErrNoActiveLicense):
		return LicenseObservation{Active: false}
	default:
		return LicenseObservation{Err: err}
	}
}

func (p LocalProber) AuthStatus(ctx context.Context) AuthObservation {
	st, err := p.Auth.Status(ctx, p.Token)
	if err != nil {
		return AuthObservation{Err: err}
	}
	return AuthObservation{HasAdminAccount: st.HasAdminAccount, IsAuthenticated: st.IsAuthenticated}
}

// StatusError is a non-success HTTP response
type StatusError struct {
	Method string
	Path   string
	Code   int
	Detail string
}

func (e *StatusError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s %s: %d %s", e.Method, e.Path, e.Code, e.Detail)
	}
	return fmt.Sprintf("%s %s: %d", e.Method, e.Path, e.Code)
}

// HTTPProber talks to a HostelPro server. Its cookie jar carries the session
// between calls, like a browser would.
type HTTPProber struct {
	baseURL string
	client  *http.Client
}

// NewHTTPProber creates a prober for the server at baseURL
func NewHTTPProber(baseURL string, timeout time.Duration) (*HTTPProber, error) {
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, err
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPProber{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Jar: jar, Timeout: timeout},
	}, nil
}

func (p *HTTPProber) LicenseStatus(ctx context.Context) LicenseObservation {
	err := p.do(ctx, http.MethodGet, "/api/license", nil, nil)
	var se *StatusError
	switch {
	case err == nil:
		return LicenseObservation{Active: true}
	case errors.As(err, &se) && se.Code == http.StatusNotFound:
		return LicenseObservation{Active: false}
	default:
		return LicenseObservation{Err: err}
	}
}

func (p *HTTPProber) AuthStatus(ctx context.Context) AuthObservation {
	var st auth.Status
	if err := p.do(ctx, http.MethodGet, "/api/auth/status", nil, &st); err != nil {
		return AuthObservation{Err: err}
	}
	return AuthObservation{HasAdminAccount: st.HasAdminAccount, IsAuthenticated: st.IsAuthenticated}
}

// MachineID returns the server's machine identity
func (p *HTTPProber) MachineID(ctx context.Context) (string, error) {
	var out struct {
		MachineID string `json:"machine_id"`
	}
	if err := p.do(ctx, http.MethodGet, "/api/machine-id", nil, &out); err != nil {
		return "", err
	}
	return out.MachineID, nil
}

// Activate submits a license key for this machine
func (p *HTTPProber) Activate(ctx context.Context, licenseKey, machineID string) (license.Verdict, error) {
	var resp license.VerdictResponse
	body := map[string]string{"license_key": licenseKey, "machine_id": machineID}
	if err := p.do(ctx, http.MethodPost, "/api/license/validate", body, &resp); err != nil {
		return license.Verdict{}, err
	}
	return resp.Verdict(), nil
}

// Setup creates the first admin account and keeps its session
func (p *HTTPProber) Setup(ctx context.Context, username, password string) error {
	return p.do(ctx, http.MethodPost, "/api/auth/setup", credentials(username, password), nil)
}

// Login starts a session
func (p *HTTPProber) Login(ctx context.Context, username, password string) error {
	return p.do(ctx, http.MethodPost, "/api/auth/login", credentials(username, password), nil)
}

// Logout ends the session
func (p *HTTPProber) Logout(ctx context.Context) error {
	return p.do(ctx, http.MethodPost, "/api/auth/logout", nil, nil)
}

func credentials(username, password string) map[string]string {
	return map[string]string{"username": username, "password": password}
}

func (p *HTTPProber) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		buf, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, p.baseURL+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var problem struct {
			Detail string `json:"detail"`
		}
		_ = json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(&problem)
		return &StatusError{Method: method, Path: path, Code: resp.StatusCode, Detail: problem.Detail}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode %s response: %w", path, err)
	}
	return nil
}
