package server

import (
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
)

func TestSanitizeBase(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"", ""},
		{"/", ""},
		{"api", "/api"},
		{"/api", "/api"},
		{"/api/", "/api"},
		{" api ", "/api"},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, sanitizeBase(c.in), "sanitizeBase(%q)", c.in)
	}
}

func TestParseLimit(t *testing.T) {
	gin.SetMode(gin.TestMode)
	cases := []struct {
		query string
		want  int
		ok    bool
	}{
		{"", 7, true},
		{"?limit=3", 3, true},
		{"?limit=0", 0, true},
		{"?limit=5000", maxLimit, true},
		{"?limit=-1", 0, false},
		{"?limit=abc", 0, false},
	}
	for _, tc := range cases {
		c, _ := gin.CreateTestContext(httptest.NewRecorder())
		c.Request = httptest.NewRequest("GET", "/logs"+tc.query, nil)
		got, ok := parseLimit(c, 7)
		assert.Equal(t, tc.ok, ok, tc.query)
		if tc.ok {
			assert.Equal(t, tc.want, got, tc.query)
		}
	}
}
