package ids

import "github.com/segmentio/ksuid"

// New returns a sortable, URL-safe identifier used for client-side
// correlation of operations in logs.
func New() string {
	return ksuid.New().String()
}
