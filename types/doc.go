// Package types defines the shared error taxonomy and usage accounting used
// across the flow engine. All engine packages report failures as *types.Error
// so callers can branch on stable codes and retryability instead of message
// text.
package types
