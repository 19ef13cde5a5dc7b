package pagination

import (
	"net/url"
	"strconv"

	"github.com/labstack/echo/v4"
)

const (
	DefaultLimit = 50
	MaxLimit     = 500
)

// Params holds pagination parameters extracted from a request.
type Params struct {
	Limit  int
	Offset int
}

// FromContext reads limit and offset from the query string. A missing or
// invalid limit becomes DefaultLimit and is capped at MaxLimit.
func FromContext(c echo.Context) Params {
	limit, err := strconv.Atoi(c.QueryParam("limit"))
	if err != nil || limit <= 0 {
		limit = DefaultLimit
	}
	offset, err := strconv.Atoi(c.QueryParam("offset"))
	if err != nil {
		offset = 0
	}
	return Params{Limit: min(limit, MaxLimit), Offset: max(offset, 0)}
}

// Response is the envelope of every list endpoint.
type Response struct {
	Data    interface{} `json:"data"`
	Total   int         `json:"total"`
	Limit   int         `json:"limit"`
	Offset  int         `json:"offset"`
	HasMore bool        `json:"has_more"`
	Links   []Link      `json:"links,omitempty"`
}

func NewResponse(data interface{}, total, limit, offset int) *Response {
	return &Response{
		Data:    data,
		Total:   total,
		Limit:   limit,
		Offset:  offset,
		HasMore: offset+limit < total,
	}
}

// Slice returns the page of items selected by p. Collections here live in
// memory, so paging is a bounds-checked reslice.
func Slice[T any](items []T, p Params) []T {
	if p.Offset >= len(items) {
		return []T{}
	}
	end := p.Offset + p.Limit
	if end > len(items) {
		end = len(items)
	}
	return items[p.Offset:end]
}

// HasNext reports whether results remain after this page.
func (p Params) HasNext(total int) bool {
	return p.Offset+p.Limit < total
}

func (p Params) HasPrevious() bool {
	return p.Offset > 0
}

func (p Params) NextOffset() int {
	return p.Offset + p.Limit
}

// PreviousOffset never goes below zero.
func (p Params) PreviousOffset() int {
	return max(p.Offset-p.Limit, 0)
}

// Links builds self/next/previous links for a list result. filters are
// carried into every link; their offset and limit are overwritten.
func (p Params) Links(basePath string, total int, filters url.Values) []Link {
	link := func(rel string, offset int) Link {
		q := url.Values{}
		for k, v := range filters {
			q[k] = v
		}
		q.Set("offset", strconv.Itoa(offset))
		q.Set("limit", strconv.Itoa(p.Limit))
		return Link{Relation: rel, URL: basePath + "?" + q.Encode()}
	}

	links := []Link{link("self", p.Offset)}
	if p.HasNext(total) {
		links = append(links, link("next", p.NextOffset()))
	}
	if p.HasPrevious() {
		links = append(links, link("previous", p.PreviousOffset()))
	}
	return links
}

type Link struct {
	Relation string `json:"relation"`
	URL      string `json:"url"`
}
