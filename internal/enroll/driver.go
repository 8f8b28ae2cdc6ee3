package enroll

import (
	"context"
	"errors"
)

var (
	// ErrSessionNotFound means the reference does not point at a lesson.
	ErrSessionNotFound = errors.New("session not found")
	// ErrParse means the lesson page existed but its metadata could not be read,
	// typically after a site redesign.
	ErrParse = errors.New("failed to parse session page")
)

// RegisterStatus classifies one registration attempt.
type RegisterStatus string

const (
	RegisterEnrolled   RegisterStatus = "enrolled"
	RegisterNoCapacity RegisterStatus = "no_capacity"
	// RegisterSlotTaken is the transient race: capacity was observed but the
	// spot was gone by the time the click landed.
	RegisterSlotTaken    RegisterStatus = "slot_taken"
	RegisterLoginExpired RegisterStatus = "login_expired"
)

// PageDriver is the external capability that talks to the scheduling site.
// Implementations own login/session handling; every call is blocking and
// honors ctx cancellation.
type PageDriver interface {
	// ResolveSession loads a lesson's metadata from its reference.
	ResolveSession(ctx context.Context, ref string) (Session, error)

	// VerifyCredentials performs a login round-trip and reports whether the
	// credentials are accepted. The bool is only meaningful when err is nil.
	VerifyCredentials(ctx context.Context, creds Credentials) (bool, error)

	// AttemptRegister performs exactly one registration click. A non-nil error
	// means an unexpected driver failure; expected conditions come back as a
	// RegisterStatus.
	AttemptRegister(ctx context.Context, sess Session, creds Credentials) (RegisterStatus, error)
}
