package qos

import "fmt"

// Compatible is the request/offer gate: a writer offering `offered` can serve
// a reader requesting `requested`. On mismatch the second result names the
// offending policy.
func Compatible(offered, requested Endpoint) (bool, string) {
	if offered.Reliability.Kind < requested.Reliability.Kind {
		return false, fmt.Sprintf("reliability: offered %s, requested %s",
			offered.Reliability.Kind, requested.Reliability.Kind)
	}
	if offered.Durability.Kind < requested.Durability.Kind {
		return false, fmt.Sprintf("durability: offered %s, requested %s",
			offered.Durability.Kind, requested.Durability.Kind)
	}
	return true, ""
}
