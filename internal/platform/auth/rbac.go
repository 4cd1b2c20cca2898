package auth

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
)

// RequireRole admits requests whose claims carry at least one of the given
// roles. The admin role passes every check.
func RequireRole(roles ...string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			userRoles := RolesFromContext(c.Request().Context())
			for _, required := range roles {
				for _, has := range userRoles {
					if has == required || has == "admin" {
						return next(c)
					}
				}
			}
			return echo.NewHTTPError(http.StatusForbidden,
				fmt.Sprintf("required role: %s", strings.Join(roles, " or ")))
		}
	}
}

// RequireScope admits requests whose claims grant the given SMART-style
// scope, e.g. "user/Patient.read". Granted scopes may use wildcards in the
// resource-type or operation position: "user/*.read" covers any type,
// "user/Patient.*" covers any operation.
func RequireScope(scope string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			for _, granted := range ScopesFromContext(c.Request().Context()) {
				if matchScope(granted, scope) {
					return next(c)
				}
			}
			return echo.NewHTTPError(http.StatusForbidden,
				fmt.Sprintf("required scope: %s", scope))
		}
	}
}

// matchScope reports whether a granted scope covers the required one. Scopes
// have the form context/ResourceType.operation; the granted side may hold *
// in the type or operation position.
func matchScope(granted, required string) bool {
	if granted == required {
		return true
	}

	gCtx, gRest, ok := strings.Cut(granted, "/")
	if !ok {
		return false
	}
	rCtx, rRest, ok := strings.Cut(required, "/")
	if !ok {
		return false
	}
	if gCtx != rCtx {
		return false
	}

	gType, gOp, ok := strings.Cut(gRest, ".")
	if !ok {
		return false
	}
	rType, rOp, ok := strings.Cut(rRest, ".")
	if !ok {
		return false
	}

	typeMatch := gType == rType || gType == "*"
	opMatch := gOp == rOp || gOp == "*"
	return typeMatch && opMatch
}
