// Package auth carries the engine's pre-filter refusals. The ledger still
// makes the final decision on every write.
package auth

import (
	"errors"
	"fmt"

	"mdcn/internal/access"
	"mdcn/internal/domain"
)

// ForbiddenError means the caller's tier is not offered the action.
type ForbiddenError struct {
	Action access.Action
	Kind   domain.Kind
	Role   domain.Role
}

func (e ForbiddenError) Error() string {
	if e.Kind != "" {
		return fmt.Sprintf("%s %s not offered to role %s", e.Action, e.Kind, e.Role)
	}
	return fmt.Sprintf("%s not offered to role %s", e.Action, e.Role)
}

// IsForbidden reports whether err is a ForbiddenError.
func IsForbidden(err error) bool {
	var fe ForbiddenError
	return errors.As(err, &fe)
}

// Require returns a ForbiddenError unless ok.
func Require(ok bool, g access.Guard, action access.Action, kind domain.Kind) error {
	if ok {
		return nil
	}
	return ForbiddenError{Action: action, Kind: kind, Role: g.Role}
}
