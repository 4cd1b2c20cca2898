package middleware

import (
	"context"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/medledger/medledger/internal/platform/fhir"
)

// RequestTimeout sets a context deadline on each request. When the deadline
// passes before the handler completes, the request context is cancelled and
// a 504 with an OperationOutcome body is returned. Handlers that need more
// time can derive their own context from the request context.
func RequestTimeout(timeout time.Duration) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			ctx, cancel := context.WithTimeout(c.Request().Context(), timeout)
			defer cancel()

			c.SetRequest(c.Request().WithContext(ctx))

			// Run the handler in a goroutine so we can select on the deadline.
			done := make(chan error, 1)
			go func() {
				done <- next(c)
			}()

			select {
			case err := <-done:
				return err
			case <-ctx.Done():
				if ctx.Err() == context.DeadlineExceeded {
					if !c.Response().Committed {
						return c.JSON(http.StatusGatewayTimeout,
							fhir.NewOperationOutcome(fhir.IssueSeverityError, fhir.IssueTypeTimeout,
								"request processing exceeded the allowed time limit"))
					}
					return nil
				}
				return ctx.Err()
			}
		}
	}
}
