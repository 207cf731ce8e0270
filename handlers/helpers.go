package handlers

import (
	"fmt"
	"time"

	"github.com/gin-gonic/gin"
)

// tenantIDFrom reads the tenant id from the x-tenant-id header or the
// tenantId query parameter.
func tenantIDFrom(c *gin.Context) string {
	if id := c.GetHeader("x-tenant-id"); id != "" {
		return id
	}
	return c.Query("tenantId")
}

// dateRange parses optional start/end query parameters, accepting RFC3339 or
// plain calendar dates.
func dateRange(c *gin.Context) (*time.Time, *time.Time, error) {
	var start, end *time.Time

	if s := c.Query("start"); s != "" {
		t, err := parseDate(s)
		if err != nil {
			return nil, nil, fmt.Errorf("invalid start date: %s", s)
		}
		start = &t
	}
	if s := c.Query("end"); s != "" {
		t, err := parseDate(s)
		if err != nil {
			return nil, nil, fmt.Errorf("invalid end date: %s", s)
		}
		end = &t
	}

	return start, end, nil
}

func parseDate(s string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	return time.Parse("2006-01-02", s)
}
