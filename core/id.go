package core

import "github.com/google/uuid"

// newRequestID mints a correlation ID for one git action request.
func newRequestID() string {
	return uuid.NewString()
}
