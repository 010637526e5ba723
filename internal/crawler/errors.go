package crawler

import "errors"

// ErrBlocked is returned when policy (robots.txt or a domain blocklist)
// forbids a request. It is never retried.
var ErrBlocked = errors.New("fetch blocked by policy")
