package tgui

import "fmt"

// Page is one window over a list. Number is 0-based.
type Page[T any] struct {
	Items   []T
	Number  int
	Pages   int
	From    int
	To      int
	Total   int
	HasNext bool
}

// Paginate returns page number page of items. Out of range pages clamp to
// the last one; size <= 0 means 10.
func Paginate[T any](items []T, page, size int) Page[T] {
	if size <= 0 {
		size = 10
	}
	total := len(items)
	pages := (total + size - 1) / size
	if pages == 0 {
		pages = 1
	}
	page = min(max(page, 0), pages-1)
	start := min(page*size, total)
	end := min(start+size, total)
	return Page[T]{
		Items:   items[start:end],
		Number:  page,
		Pages:   pages,
		From:    start,
		To:      end,
		Total:   total,
		HasNext: end < total,
	}
}

// Label renders "page 2/3, 11-20 of 25".
func (p Page[T]) Label() string {
	if p.Total == 0 {
		return "page 1/1"
	}
	return fmt.Sprintf("page %d/%d, %d-%d of %d", p.Number+1, p.Pages, p.From+1, p.To, p.Total)
}
