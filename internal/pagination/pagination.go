// Package pagination computes page windows for list endpoints.
package pagination

const (
	// DefaultPerPage is used when a caller passes a non-positive page size.
	DefaultPerPage = 10
	// MaxPerPage caps the page size a caller may request.
	MaxPerPage = 100
)

// Window describes one page of a list of Total items.
type Window struct {
	Page       int `json:"page"`
	PerPage    int `json:"per_page"`
	Total      int `json:"total"`
	TotalPages int `json:"total_pages"`
	Offset     int `json:"-"`
}

// Paginate clamps page and perPage to sane values. TotalPages is
// ceil(total/perPage); a page past the end is clamped to the last page, and
// to page 1 when the list is empty.
func Paginate(total, page, perPage int) Window {
	if total < 0 {
		total = 0
	}
	page, perPage = Normalize(page, perPage)

	totalPages := (total + perPage - 1) / perPage
	switch {
	case totalPages == 0:
		page = 1
	case page > totalPages:
		page = totalPages
	}

	return Window{
		Page:       page,
		PerPage:    perPage,
		Total:      total,
		TotalPages: totalPages,
		Offset:     (page - 1) * perPage,
	}
}

// Normalize clamps page and perPage without knowing the total.
func Normalize(page, perPage int) (int, int) {
	if perPage <= 0 {
		perPage = DefaultPerPage
	}
	if perPage > MaxPerPage {
		perPage = MaxPerPage
	}
	if page < 1 {
		page = 1
	}
	return page, perPage
}

// Bounds returns the [start, end) slice indices of the window.
func (w Window) Bounds() (int, int) {
	start := w.Offset
	if start > w.Total {
		start = w.Total
	}
	end := start + w.PerPage
	if end > w.Total {
		end = w.Total
	}
	return start, end
}
