// Package page holds the pagination request/response shapes shared by the
// list queries of every domain.
package page

const (
	DefaultSize = 20
	MaxSize     = 100
)

// Request selects a zero-based page.
type Request struct {
	Number int
	Size   int
}

// Normalize clamps the request to valid bounds.
func (r Request) Normalize() Request {
	if r.Number < 0 {
		r.Number = 0
	}
	switch {
	case r.Size <= 0:
		r.Size = DefaultSize
	case r.Size > MaxSize:
		r.Size = MaxSize
	}
	return r
}

// Offset is the number of rows to skip.
func (r Request) Offset() int {
	return r.Number * r.Size
}

// Result is one page of items plus the total number of matching items.
type Result[T any] struct {
	Items  []T
	Total  int
	Number int
	Size   int
}

// NewResult builds a Result for req.
func NewResult[T any](items []T, total int, req Request) Result[T] {
	if items == nil {
		items = []T{}
	}
	return Result[T]{Items: items, Total: total, Number: req.Number, Size: req.Size}
}

// TotalPages is the number of pages needed to hold Total items.
func (r Result[T]) TotalPages() int {
	if r.Size <= 0 {
		return 0
	}
	return (r.Total + r.Size - 1) / r.Size
}
