package guard

import (
	"strings"

	"github.com/Suhaibinator/SEngine/pkg/common"
	"github.com/Suhaibinator/SEngine/pkg/envelope"
)

func withClaims(name string, fn func(c *common.Claims) Result) Node {
	return Check(name, func(req *envelope.Request) Result {
		claims, ok := req.Claims()
		if !ok || claims == nil {
			return Unauthorized()
		}
		return fn(claims)
	})
}

// Authenticated allows any request carrying claims.
func Authenticated() Node {
	return withClaims("authenticated", func(*common.Claims) Result { return Allowed })
}

// Role allows callers holding at least one of roles.
func Role(roles ...string) Node {
	return withClaims("role("+strings.Join(roles, ",")+")", func(c *common.Claims) Result {
		for _, r := range roles {
			if c.HasRole(r) {
				return Allowed
			}
		}
		return Forbidden("Requires one of roles: " + strings.Join(roles, ", "))
	})
}

// AllRoles allows callers holding every one of roles.
func AllRoles(roles ...string) Node {
	return withClaims("all_roles("+strings.Join(roles, ",")+")", func(c *common.Claims) Result {
		var missing []string
		for _, r := range roles {
			if !c.HasRole(r) {
				missing = append(missing, r)
			}
		}
		if len(missing) > 0 {
			return Forbidden("Missing required roles: " + strings.Join(missing, ", "))
		}
		return Allowed
	})
}

// Permission allows callers holding every one of perms.
func Permission(perms ...string) Node {
	return withClaims("permission("+strings.Join(perms, ",")+")", func(c *common.Claims) Result {
		var missing []string
		for _, p := range perms {
			if !c.HasPermission(p) {
				missing = append(missing, p)
			}
		}
		if len(missing) > 0 {
			return Forbidden("Missing required permissions: " + strings.Join(missing, ", "))
		}
		return Allowed
	})
}

// AnyPermission allows callers holding at least one of perms.
func AnyPermission(perms ...string) Node {
	return withClaims("any_permission("+strings.Join(perms, ",")+")", func(c *common.Claims) Result {
		for _, p := range perms {
			if c.HasPermission(p) {
				return Allowed
			}
		}
		return Forbidden("Requires one of permissions: " + strings.Join(perms, ", "))
	})
}
