package models

const (
	DefaultPage     = 1
	DefaultPageSize = 10
	MaxPageSize     = 100
)

type Page struct {
	Number int
	Size   int
}

// Normalize applies defaults and caps the page size.
func (p Page) Normalize() Page {
	if p.Number <= 0 {
		p.Number = DefaultPage
	}
	if p.Size <= 0 {
		p.Size = DefaultPageSize
	}
	if p.Size > MaxPageSize {
		p.Size = MaxPageSize
	}
	return p
}

func (p Page) Offset() int {
	return (p.Number - 1) * p.Size
}

type PaginationMetadata struct {
	Total       int `json:"total"`
	CurrentPage int `json:"current_page"`
	TotalPages  int `json:"total_pages"`
	PageSize    int `json:"page_size"`
}

type PaginatedResult[T any] struct {
	Data     []T                `json:"data"`
	Metadata PaginationMetadata `json:"metadata"`
}

func NewPaginatedResult[T any](data []T, total int, page Page) PaginatedResult[T] {
	if data == nil {
		data = []T{}
	}
	totalPages := 0
	if page.Size > 0 {
		totalPages = (total + page.Size - 1) / page.Size
	}
	return PaginatedResult[T]{
		Data: data,
		Metadata: PaginationMetadata{
			Total:       total,
			CurrentPage: page.Number,
			TotalPages:  totalPages,
			PageSize:    page.Size,
		},
	}
}
