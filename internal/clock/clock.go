// Package clock supplies the time source and id generator, kept as narrow
// interfaces so tests can substitute fakes without touching business logic.
package clock

import (
	"time"

	"github.com/google/uuid"
)

// Clock abstracts time.Now so scheduler and validator tests can advance
// time deterministically.
type Clock interface {
	Now() time.Time
}

// Real is the production Clock, backed by the OS clock.
type Real struct{}

// Now returns the current UTC time.
func (Real) Now() time.Time { return time.Now().UTC() }

// Fake is a test Clock with a settable, advanceable instant.
type Fake struct {
	now time.Time
}

// NewFake returns a Fake pinned at t.
func NewFake(t time.Time) *Fake {
	return &Fake{now: t}
}

// Now returns the fake's current instant.
func (f *Fake) Now() time.Time { return f.now }

// Advance moves the fake clock forward by d.
func (f *Fake) Advance(d time.Duration) {
	f.now = f.now.Add(d)
}

// Set pins the fake clock to t.
func (f *Fake) Set(t time.Time) {
	f.now = t
}

// IDGen generates client and token identifiers.
type IDGen interface {
	NewID() string
}

// UUIDGen is the production IDGen.
type UUIDGen struct{}

// NewID returns a new random UUID string.
func (UUIDGen) NewID() string { return uuid.New().String() }
