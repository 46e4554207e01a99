// Package transform implements the per-row transformation program: simple
// column mappings plus the nine declarative transformation variants, compiled
// once per table and applied to each source row.
//
// Apply is pure with respect to its inputs. The only ambient effects (clock,
// GUID generation, process user) enter through the Environment port so tests
// and the dry-run validator can pin them.
package transform

import (
	"os/user"
	"time"

	"github.com/google/uuid"
)

// Environment supplies the ambient values the static transformation functions
// read.
type Environment interface {
	NowLocal() time.Time
	NowUTC() time.Time
	NewGUID() string
	CurrentUser() string
}

// SystemEnvironment is the production Environment: real clock, real UUIDs,
// the process owner as current user.
type SystemEnvironment struct{}

func (SystemEnvironment) NowLocal() time.Time { return time.Now() }
func (SystemEnvironment) NowUTC() time.Time   { return time.Now().UTC() }
func (SystemEnvironment) NewGUID() string     { return uuid.NewString() }

func (SystemEnvironment) CurrentUser() string {
	u, err := user.Current()
	if err != nil {
		return "unknown"
	}
	return u.Username
}
