package pagination

import (
	"strconv"

	"github.com/gin-gonic/gin"
)

const (
	DefaultLimit = 20
	MaxLimit     = 100
)

// Page is a 1-based page request.
type Page struct {
	Number int
	Limit  int
}

// Offset returns the number of rows to skip.
func (p Page) Offset() int {
	return (p.Number - 1) * p.Limit
}

// FromQuery reads ?page= and ?limit= with sane bounds.
func FromQuery(c *gin.Context) Page {
	p := Page{Number: 1, Limit: DefaultLimit}
	if n, err := strconv.Atoi(c.Query("page")); err == nil && n > 0 {
		p.Number = n
	}
	if l, err := strconv.Atoi(c.Query("limit")); err == nil && l > 0 {
		p.Limit = l
	}
	if p.Limit > MaxLimit {
		p.Limit = MaxLimit
	}
	return p
}

// Result is the envelope returned by paged admin listings.
type Result[T any] struct {
	Items       []T `json:"items"`
	TotalPages  int `json:"totalPages"`
	CurrentPage int `json:"currentPage"`
	Total       int `json:"total"`
}

// NewResult builds a Result from one page of items and the full row count.
func NewResult[T any](items []T, total int, p Page) Result[T] {
	if items == nil {
		items = []T{}
	}
	pages := 0
	if p.Limit > 0 {
		pages = (total + p.Limit - 1) / p.Limit
	}
	return Result[T]{Items: items, TotalPages: pages, CurrentPage: p.Number, Total: total}
}

// Slice returns the window of items covered by p.
func Slice[T any](items []T, p Page) []T {
	start := p.Offset()
	if start >= len(items) {
		return []T{}
	}
	end := start + p.Limit
	if end > len(items) {
		end = len(items)
	}
	return items[start:end]
}
