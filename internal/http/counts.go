package http

// Counter reports the size of a table, such as the session store or the
// lock table.
type Counter interface {
	Len() int
}

// countOf returns -1 if c is nil.
func countOf(c Counter) int {
	if c == nil {
		return -1
	}
	return c.Len()
}
