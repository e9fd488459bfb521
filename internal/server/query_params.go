package server

import (
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/smallbiznis/tenancy/pkg/db/pagination"
)

func parseOptionalBool(value string) (*bool, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return nil, nil
	}
	parsed, err := strconv.ParseBool(trimmed)
	if err != nil {
		return nil, err
	}
	return &parsed, nil
}

func parseBoolQuery(c *gin.Context, key string, def bool) (bool, error) {
	parsed, err := parseOptionalBool(c.Query(key))
	if err != nil {
		return false, newValidationError(key, "invalid", key+" must be a boolean")
	}
	if parsed == nil {
		return def, nil
	}
	return *parsed, nil
}

func parsePagination(c *gin.Context) (pagination.Pagination, error) {
	page := pagination.Pagination{PageToken: strings.TrimSpace(c.Query("page_token"))}
	if raw := strings.TrimSpace(c.Query("page_size")); raw != "" {
		size, err := strconv.Atoi(raw)
		if err != nil || size < 0 {
			return page, newValidationError("page_size", "invalid", "page_size must be a positive integer")
		}
		page.PageSize = size
	}
	return page, nil
}
