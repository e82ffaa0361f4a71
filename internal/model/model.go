// Package model defines the domain types shared across the mireapprove backend:
// users, session cookies, pending second-factor challenges, mass-marking
// sessions, and the broker error taxonomy.
package model

import (
	"time"
)

// Admin levels. Higher levels include the permissions of lower ones.
const (
	AdminLevelNone     = 0 // regular user
	AdminLevelBasic    = 1 // can mark others in their group
	AdminLevelModerate = 2
	AdminLevelSuper    = 3 // full access
	AdminLevelMax      = 5
)

// User is a registered Telegram user with optional Upstream credentials.
// Login and Password are either both set or both empty; Password and TOTPSeed
// are stored encrypted and only ever decrypted at the secrets boundary.
type User struct {
	TelegramID       int64
	Login            string
	Password         string // decrypted form; empty when no credentials stored
	Group            string
	UserAgent        string
	FIO              string
	AllowConfirm     bool
	AdminLevel       int
	TOTPSeed         string // base32, decrypted form
	TOTPCredentialID string
	CreatedAt        time.Time
}

// HasCredentials reports whether the user has a stored login/password pair.
func (u User) HasCredentials() bool {
	return u.Login != "" && u.Password != ""
}

// Cookie is one entry of an Upstream session cookie jar. The broker treats
// the jar as opaque: cookies are persisted and replayed verbatim, never
// inspected individually.
type Cookie struct {
	Name   string     `json:"name"`
	Value  string     `json:"value"`
	Domain string     `json:"domain"`
	Path   string     `json:"path"`
	Secure bool       `json:"secure,omitempty"`
	Expiry *time.Time `json:"expiry,omitempty"`
}

// ChallengeKind discriminates the second factor Upstream is asking for.
type ChallengeKind string

const (
	ChallengeTOTP      ChallengeKind = "totp"
	ChallengeEmailCode ChallengeKind = "email_code"
)

// ChallengeOrigin records which flow raised a challenge. Interactive logins
// never trigger out-of-band notifications; background refreshes do.
type ChallengeOrigin string

const (
	OriginLogin    ChallengeOrigin = "login"
	OriginRefresh  ChallengeOrigin = "refresh"
	OriginExternal ChallengeOrigin = "external"
)

// OTPCredential is one second-factor credential offered by the Upstream
// challenge page (label as shown to the user, plus the opaque id).
type OTPCredential struct {
	Label string `json:"label"`
	ID    string `json:"id"`
}

// PendingChallenge is the persisted continuation state of a half-finished SSO
// exchange. At most one non-expired row exists per user.
type PendingChallenge struct {
	TelegramID           int64
	Kind                 ChallengeKind
	Origin               ChallengeOrigin
	ContinuationCookies  []Cookie
	SubmitURL            string
	CredentialID         string
	AvailableCredentials []OTPCredential
	UserAgent            string
	CreatedAt            time.Time
	ExpiresAt            time.Time
	LastNotifiedAt       *time.Time
}

// Expired reports whether the challenge is past its deadline at now.
func (c PendingChallenge) Expired(now time.Time) bool {
	return !c.ExpiresAt.After(now)
}

// MarkingStatus is the lifecycle state of a mass-marking session.
type MarkingStatus string

const (
	MarkingStarting           MarkingStatus = "starting"
	MarkingProcessing         MarkingStatus = "processing"
	MarkingContinuing         MarkingStatus = "continuing"
	MarkingPartiallyCompleted MarkingStatus = "partially_completed"
	MarkingCompleted          MarkingStatus = "completed"
	MarkingError              MarkingStatus = "error"
)

// Terminal reports whether no further work will happen without operator input.
func (s MarkingStatus) Terminal() bool {
	return s == MarkingCompleted || s == MarkingError
}

// MarkOutcome is the per-target result of one self-approve attempt.
type MarkOutcome struct {
	TelegramID int64  `json:"tg_id"`
	FIO        string `json:"fio,omitempty"`
	Success    bool   `json:"success"`
	Group      string `json:"group,omitempty"`
	Subject    string `json:"subject,omitempty"`
	Error      string `json:"error,omitempty"`
}

// MarkingSession aggregates a batched self-approve run over many targets.
// All mutable fields are owned by the engine goroutine for the session;
// readers get snapshots.
type MarkingSession struct {
	ID         string
	OwnerID    int64
	Token      string
	Status     MarkingStatus
	Total      int
	Processed  int
	Successful int
	Failed     int
	Remaining  []int64
	Results    []MarkOutcome
	Group      string
	Discipline string
	StartedAt  time.Time
	Error      string
}

// ExternalToken is a third-party service token awaiting user approval.
type ExternalToken struct {
	Token      string
	TelegramID int64
	Status     string // pending, approved, rejected
	CreatedAt  time.Time
	ExpiresAt  time.Time
}
