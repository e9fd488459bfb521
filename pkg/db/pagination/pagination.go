package pagination

import (
	"encoding/base64"
	"encoding/json"
	"errors"
)

const (
	DefaultPageSize = 20
	MaxPageSize     = 250
)

var ErrInvalidPageToken = errors.New("invalid_page_token")

type Pagination struct {
	PageToken string `form:"page_token"`
	PageSize  int    `form:"page_size"`
}

// Normalize clamps the page size into [1, MaxPageSize].
func (p Pagination) Normalize() Pagination {
	switch {
	case p.PageSize <= 0:
		p.PageSize = DefaultPageSize
	case p.PageSize > MaxPageSize:
		p.PageSize = MaxPageSize
	}
	return p
}

type Cursor struct {
	ID        string `json:"id,omitempty"`
	CreatedAt string `json:"created_at,omitempty"`
}

type PageInfo struct {
	NextPageToken string `json:"next_page_token,omitempty"`
	HasMore       bool   `json:"has_more"`
}

func EncodeCursor(data Cursor) (string, error) {
	b, err := json.Marshal(data)
	if err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

func DecodeCursor(data string) (*Cursor, error) {
	b, err := base64.RawURLEncoding.DecodeString(data)
	if err != nil {
		return nil, ErrInvalidPageToken
	}

	var cursor Cursor
	if err := json.Unmarshal(b, &cursor); err != nil {
		return nil, ErrInvalidPageToken
	}
	return &cursor, nil
}

// Trim fetches limit+1 rows upstream; Trim drops the probe row and builds the page info.
func Trim[T any](data []T, limit int, extractCursor func(T) Cursor) ([]T, PageInfo, error) {
	if len(data) <= limit {
		return data, PageInfo{}, nil
	}
	data = data[:limit]
	token, err := EncodeCursor(extractCursor(data[len(data)-1]))
	if err != nil {
		return nil, PageInfo{}, err
	}
	return data, PageInfo{NextPageToken: token, HasMore: true}, nil
}
