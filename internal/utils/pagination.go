// Package utils provides tiny helpers with no domain knowledge. Currently
// that is just the lenient integer parsing used by the paginated list
// endpoints (conversations, messages, appeals).
package utils

import "strconv"

// AtoiDefault parses s as an int, returning def when s is empty or not a
// valid integer. Handlers use it so a malformed ?page= or ?page_size= falls
// back to the default instead of failing the request.
//
//	utils.AtoiDefault("42", 0) // 42
//	utils.AtoiDefault("", 10)  // 10
//	utils.AtoiDefault("x", 5)  // 5
func AtoiDefault(s string, def int) int {
	if s == "" {
		return def
	}
	if n, err := strconv.Atoi(s); err == nil {
		return n
	}
	return def
}
