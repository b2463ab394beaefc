package mcpserver

import "strconv"

// Page is one page of a listing plus the cursor of the next page, if any.
type Page[T any] struct {
	Items      []T
	NextCursor string
}

// PageSlice paginates all using a decimal offset cursor. Unparseable or out of
// range cursors restart from the beginning. Items is never nil.
func PageSlice[T any](all []T, pageSize int, cursor string) Page[T] {
	start := 0
	if cursor != "" {
		if n, err := strconv.Atoi(cursor); err == nil && n >= 0 && n <= len(all) {
			start = n
		}
	}
	end := min(start+pageSize, len(all))

	items := make([]T, end-start)
	copy(items, all[start:end])

	p := Page[T]{Items: items}
	if end < len(all) {
		p.NextCursor = strconv.Itoa(end)
	}
	return p
}
