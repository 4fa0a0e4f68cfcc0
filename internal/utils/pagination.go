// Package utils holds the paging rules shared by the local API handlers and
// the chat history store.
package utils

import "strconv"

// Paging limits for list endpoints.
const (
	DefaultPageSize = 20
	MaxPageSize     = 100
)

// AtoiDefault parses s as a decimal int, or returns def when s is empty or
// not a number. Surrounding spaces are not trimmed.
func AtoiDefault(s string, def int) int {
	if s == "" {
		return def
	}
	if n, err := strconv.Atoi(s); err == nil {
		return n
	}
	return def
}

// ParsePage reads raw page and page_size query values. Page is at least 1
// and size lies in [1, MaxPageSize], DefaultPageSize when absent.
func ParsePage(page, size string) (int, int) {
	return ClampPage(AtoiDefault(page, 1), AtoiDefault(size, DefaultPageSize))
}

// ClampPage forces page and size into range. A non-positive size becomes
// DefaultPageSize.
func ClampPage(page, size int) (int, int) {
	if page < 1 {
		page = 1
	}
	switch {
	case size <= 0:
		size = DefaultPageSize
	case size > MaxPageSize:
		size = MaxPageSize
	}
	return page, size
}

// Offset is the number of rows before page.
func Offset(page, size int) int {
	return (page - 1) * size
}

// TotalPages rounds total/size up.
func TotalPages(total int64, size int) int {
	if size <= 0 || total <= 0 {
		return 0
	}
	return int((total + int64(size) - 1) / int64(size))
}
