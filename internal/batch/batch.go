// Package batch runs an operation over many items, logging failures and
// carrying on so one bad item never stalls the rest.
package batch

import "log/slog"

// ForEach applies fn to every item. Failures are logged under op with the
// item's description and swallowed; the return value is how many failed.
func ForEach[T any](op string, items []T, describe func(T) string, fn func(T) error) int {
	failed := 0
	for _, item := range items {
		if err := fn(item); err != nil {
			slog.Error("batch item failed", "op", op, "item", describe(item), "err", err)
			failed++
		}
	}
	return failed
}
