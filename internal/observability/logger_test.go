package observability

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
)

func TestRequestLoggerAssignsID(t *testing.T) {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(RequestLogger())
	var seen string
	router.GET("/ping", func(c *gin.Context) {
		seen = RequestIDFromContext(c.Request.Context())
		c.Status(http.StatusNoContent)
	})

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ping", nil))
	if seen == "" {
		t.Fatalf("expected generated request id")
	}
	if rec.Header().Get(RequestIDHeader) != seen {
		t.Fatalf("response header mismatch: %q vs %q", rec.Header().Get(RequestIDHeader), seen)
	}

	req := httptest.NewRequest(http.MethodGet, "/ping", nil)
	req.Header.Set(RequestIDHeader, "fixed-id")
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if seen != "fixed-id" {
		t.Fatalf("expected caller supplied id, got %q", seen)
	}
}

func TestLoggerFromContextWithoutID(t *testing.T) {
	if LoggerFromContext(context.Background()) == nil {
		t.Fatalf("expected default logger")
	}
	if RequestIDFromContext(nil) != "" {
		t.Fatalf("nil context should have no id")
	}
}
