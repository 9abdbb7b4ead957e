// Package gate sequences the checks that stand between a user and the main
// application: an active license, then an admin account, then a session.
//
// Transitions are pure functions over State. An observation that carries an
// error never moves the flow forward; the flow stays in its checking state
// until a definite answer arrives.
package gate

// State is a step of the gate flow
type State string

// Gate states
const (
	StateCheckingLicense State = "checking_license"
	StateUnlicensed      State = "unlicensed"
	StateCheckingAuth    State = "checking_auth"
	StateNeedsAdminSetup State = "needs_admin_setup"
	StateNeedsLogin      State = "needs_login"
	StateReady           State = "ready"
)

// Initial is the state a fresh flow starts in
const Initial = StateCheckingLicense

// Checking reports whether s waits on a probe
func (s State) Checking() bool {
	return s == StateCheckingLicense || s == StateCheckingAuth
}

// Screen returns the screen rendered in s, or "loading" while checking
func (s State) Screen() string {
	switch s {
	case StateUnlicensed:
		return "activation"
	case StateNeedsAdminSetup:
		return "setup"
	case StateNeedsLogin:
		return "login"
	case StateReady:
		return "app"
	default:
		return "loading"
	}
}

// LicenseObservation is the answer to "is there an active license here"
type LicenseObservation struct {
	Active bool
	Err    error
}

// AuthObservation is the answer to "is there an admin, and is this session theirs"
type AuthObservation struct {
	HasAdminAccount bool
	IsAuthenticated bool
	Err             error
}

// AfterLicenseCheck moves out of CheckingLicense
func AfterLicenseCheck(obs LicenseObservation) State {
	switch {
	case obs.Err != nil:
		return StateCheckingLicense
	case obs.Active:
		return StateCheckingAuth
	default:
		return StateUnlicensed
	}
}

// AfterAuthCheck moves out of CheckingAuth
func AfterAuthCheck(obs AuthObservation) State {
	switch {
	case obs.Err != nil:
		return StateCheckingAuth
	case !obs.HasAdminAccount:
		return StateNeedsAdminSetup
	case !obs.IsAuthenticated:
		return StateNeedsLogin
	default:
		return StateReady
	}
}

// OnActivated re-checks the license after a successful activation
func OnActivated(s State) State {
	if s == StateUnlicensed {
		return StateCheckingLicense
	}
	return s
}

// OnSetupComplete re-checks auth after the first admin was created
func OnSetupComplete(s State) State {
	if s == StateNeedsAdminSetup {
		return StateCheckingAuth
	}
	return s
}

// OnLoginSucceeded re-checks auth after a login
func OnLoginSucceeded(s State) State {
	if s == StateNeedsLogin {
		return StateCheckingAuth
	}
	return s
}

// OnLogout drops a ready session back to the login screen. License and
// admin-account state are not re-checked.
func OnLogout(s State) State {
	if s == StateReady {
		return StateNeedsLogin
	}
	return s
}

// OnNavigate keeps the flow where it is; Ready is re-entered, not left
func OnNavigate(s State) State {
	return s
}
