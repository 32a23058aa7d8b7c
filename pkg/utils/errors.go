// Package utils collects small stateless helpers (error wrapping, cached
// environment lookups) shared by the config loader, driver, and server.
package utils

import "fmt"

// Wrap adds context to an error message. It returns nil if err is nil.
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}
