package auth

import (
	"github.com/labstack/echo/v4"
)

// publicPaths lists endpoints that must answer without credentials: liveness
// and readiness probes, the database health check, and the FHIR capability
// statement, which clients fetch before they can authenticate.
var publicPaths = map[string]bool{
	"/health":        true,
	"/health/db":     true,
	"/ready":         true,
	"/fhir/metadata": true,
}

// AuthSkipper reports whether the request path bypasses authentication. Wire
// it as the Skipper on JWTConfig, and skip tenant resolution for the same
// paths.
func AuthSkipper(c echo.Context) bool {
	return publicPaths[c.Path()]
}

// IsPublicPath reports whether the path is a public infrastructure endpoint.
func IsPublicPath(path string) bool {
	return publicPaths[path]
}
