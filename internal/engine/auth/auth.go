package auth

import (
	"context"
	"fmt"
	"strings"
)

// RoleOperator may read and retry operations of any user.
const RoleOperator = "operator"

// ForbiddenError indicates missing permission.
type ForbiddenError struct {
	Permission string
}

func (e ForbiddenError) Error() string {
	return fmt.Sprintf("permission %s required", e.Permission)
}

// Principal is the authenticated caller of an engine operation.
type Principal struct {
	UserID string
	// DeviceID is set when the credential is pinned to one device.
	DeviceID string
	Roles    []string
	Source   string
}

func (p Principal) HasRole(role string) bool {
	for _, r := range p.Roles {
		if strings.EqualFold(strings.TrimSpace(r), role) {
			return true
		}
	}
	return false
}

func (p Principal) IsOperator() bool { return p.HasRole(RoleOperator) }

// CanAccess reports whether p may see data owned by userID.
func (p Principal) CanAccess(userID string) bool {
	return p.UserID != "" && (p.UserID == userID || p.IsOperator())
}

// RequireAccess returns ForbiddenError unless p may act on behalf of userID.
func (p Principal) RequireAccess(userID, permission string) error {
	if p.CanAccess(userID) {
		return nil
	}
	return ForbiddenError{Permission: permission}
}

// DeviceError reports a batch sent under a credential pinned to another device.
type DeviceError struct {
	Bound, Claimed string
}

func (e DeviceError) Error() string {
	return fmt.Sprintf("credential is bound to device %s, not %s", e.Bound, e.Claimed)
}

// RequireDevice rejects deviceID unless p is unpinned or pinned to it.
func (p Principal) RequireDevice(deviceID string) error {
	if p.DeviceID == "" || p.DeviceID == deviceID {
		return nil
	}
	return DeviceError{Bound: p.DeviceID, Claimed: deviceID}
}

type principalKey struct{}

func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

func FromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(Principal)
	return p, ok && p.UserID != ""
}
