package tenant

import (
	"errors"
	"fmt"
	"strings"
)

// Role is the access level a caller holds for one unit of work.
type Role string

const (
	RoleUser  Role = "user"
	RoleAdmin Role = "admin"
)

// ErrInvalidContext reports a caller identity that must be rejected before
// any transaction opens.
var ErrInvalidContext = errors.New("invalid tenant context")

const maxCallerIDLen = 128

// Context carries the caller identity and role for exactly one scoped unit
// of work. It lives for the duration of a single transaction and is never
// stored or shared between concurrent transactions.
type Context struct {
	CallerID string
	Role     Role
}

// Validate rejects identities that are empty, oversized, carry control
// characters, or name an unknown role. The caller id is later bound as a
// transaction-local setting, so anything that could smuggle statement text
// is refused here rather than escaped downstream.
func (c Context) Validate() error {
	id := c.CallerID
	if strings.TrimSpace(id) == "" {
		return fmt.Errorf("%w: empty caller id", ErrInvalidContext)
	}
	if len(id) > maxCallerIDLen {
		return fmt.Errorf("%w: caller id exceeds %d bytes", ErrInvalidContext, maxCallerIDLen)
	}
	for _, r := range id {
		if r < 0x20 || r == 0x7f {
			return fmt.Errorf("%w: caller id contains control characters", ErrInvalidContext)
		}
	}
	switch c.Role {
	case RoleUser, RoleAdmin:
		return nil
	default:
		return fmt.Errorf("%w: unknown role %q", ErrInvalidContext, string(c.Role))
	}
}

// IsAdmin reports whether the context bypasses owner comparison.
func (c Context) IsAdmin() bool { return c.Role == RoleAdmin }
