package license

import (
	"time"
)

// Status is the lifecycle state of a license record
type Status string

// License statuses
const (
	StatusPending   Status = "pending"
	StatusActive    Status = "active"
	StatusSuspended Status = "suspended"
	StatusRevoked   Status = "revoked"
	StatusExpired   Status = "expired"
)

// Valid reports whether s is a known status
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusActive, StatusSuspended, StatusRevoked, StatusExpired:
		return true
	}
	return false
}

// Record is one issued license key and its machine binding
type Record struct {
	LicenseKey    string     `json:"license_key"`
	MachineIDHash string     `json:"-"`
	MachineIDSalt string     `json:"-"`
	CustomerName  string     `json:"customer_name"`
	HostelName    string     `json:"hostel_name"`
	IssueDate     time.Time  `json:"issue_date"`
	ExpiryDate    *time.Time `json:"expiry_date,omitempty"`
	Status        Status     `json:"status"`
	Notes         string     `json:"notes,omitempty"`
	ActivatedAt   *time.Time `json:"activated_at,omitempty"`
}

// Bound reports whether the record carries a machine binding
func (r Record) Bound() bool {
	return r.MachineIDHash != ""
}

// ExpiredAt reports whether the expiry date has passed at now
func (r Record) ExpiredAt(now time.Time) bool {
	return r.ExpiryDate != nil && now.After(*r.ExpiryDate)
}

// Metadata returns the caller-visible part of the record
func (r Record) Metadata() *Metadata {
	return &Metadata{
		LicenseKey:   r.LicenseKey,
		CustomerName: r.CustomerName,
		HostelName:   r.HostelName,
		IssueDate:    r.IssueDate,
		ExpiryDate:   r.ExpiryDate,
		ActivatedAt:  r.ActivatedAt,
		Status:       r.Status,
	}
}

// Binding is the result of a first successful activation
type Binding struct {
	MachineIDHash string
	MachineIDSalt string
	ActivatedAt   time.Time
}

// Metadata is license information safe to show to the caller.
// It never carries the machine binding.
type Metadata struct {
	LicenseKey   string     `json:"license_key"`
	CustomerName string     `json:"customer_name"`
	HostelName   string     `json:"hostel_name"`
	IssueDate    time.Time  `json:"issue_date"`
	ExpiryDate   *time.Time `json:"expiry_date,omitempty"`
	ActivatedAt  *time.Time `json:"activated_at,omitempty"`
	Status       Status     `json:"status"`
}

// Reason is the machine-readable cause of a verdict
type Reason string

// Verdict reasons
const (
	ReasonActivated          Reason = "activated"
	ReasonAlreadyValid       Reason = "already_valid"
	ReasonInvalidKey         Reason = "invalid_key"
	ReasonSuspendedOrRevoked Reason = "suspended_or_revoked"
	ReasonExpired            Reason = "expired"
	ReasonMachineMismatch    Reason = "machine_mismatch"
)

// Verdict is the engine's accept or reject decision.
// License is set only when Valid is true.
type Verdict struct {
	Valid   bool      `json:"valid"`
	Reason  Reason    `json:"reason"`
	Message string    `json:"message"`
	License *Metadata `json:"license,omitempty"`
}

// VerdictResponse is the wire form of a Verdict with the metadata inlined
type VerdictResponse struct {
	Valid   bool   `json:"valid"`
	Reason  Reason `json:"reason"`
	Message string `json:"message"`
	*Metadata
}

// Response flattens v for the HTTP API
func (v Verdict) Response() VerdictResponse {
	return VerdictResponse{Valid: v.Valid, Reason: v.Reason, Message: v.Message, Metadata: v.License}
}

// Verdict converts a decoded response back
func (r VerdictResponse) Verdict() Verdict {
	return Verdict{Valid: r.Valid, Reason: r.Reason, Message: r.Message, License: r.Metadata}
}

func accept(reason Reason, rec Record) Verdict {
	return Verdict{Valid: true, Reason: reason, Message: messageFor(reason, rec.Status), License: rec.Metadata()}
}

func reject(reason Reason, status Status) Verdict {
	return Verdict{Valid: false, Reason: reason, Message: messageFor(reason, status)}
}

func messageFor(reason Reason, status Status) string {
	switch reason {
	case ReasonActivated:
		return "License activated successfully"
	case ReasonAlreadyValid:
		return "License is valid for this machine"
	case ReasonInvalidKey:
		return "Invalid license key"
	case ReasonSuspendedOrRevoked:
		if status == StatusRevoked {
			return "This license has been revoked"
		}
		return "This license has been suspended"
	case ReasonExpired:
		return "This license has expired"
	case ReasonMachineMismatch:
		return "License is already activated on a different machine"
	}
	return "License validation failed"
}

// IssueRequest describes a license to create
type IssueRequest struct {
	CustomerName string
	HostelName   string
	ExpiryDate   *time.Time
	Notes        string
}
