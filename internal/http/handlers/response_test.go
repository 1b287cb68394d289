package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/streamvault/go-media-cache/internal/domain"
	"github.com/streamvault/go-media-cache/internal/services"
	"github.com/streamvault/go-media-cache/internal/upstream"
)

func Test_fail_500_LogsAndBody(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()

	// capture logs from LoggerFrom(c)
	var buf bytes.Buffer
	logger := zerolog.New(&buf)

	// simulate RequestID + request-scoped logger
	r.Use(func(c *gin.Context) {
		c.Writer.Header().Set("X-Request-ID", "rid-500")
		c.Set("logger", &logger)
		c.Next()
	})

	r.GET("/boom", func(c *gin.Context) {
		fail(c, http.StatusInternalServerError, "internal_error", "kaboom")
	})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/boom", nil))

	if w.Code != http.StatusInternalServerError {
		t.Fatalf("status=%d", w.Code)
	}

	var resp ErrorResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("json: %v", err)
	}
	if resp.RequestID != "rid-500" || resp.Code != "internal_error" || resp.Message != "kaboom" {
		t.Fatalf("unexpected body: %+v", resp)
	}

	// ensure something was logged at error level
	if !strings.Contains(buf.String(), `"level":"error"`) {
		t.Fatalf("expected error log, got: %s", buf.String())
	}
}

func Test_Fail_404_EnvelopeAndOkHelper(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(func(c *gin.Context) {
		c.Writer.Header().Set("X-Request-ID", "rid-404")
		c.Next()
	})

	r.GET("/missing", func(c *gin.Context) {
		Fail(c, http.StatusNotFound, ErrCodeNotCached, "content is not cached")
	})
	r.GET("/ok", func(c *gin.Context) {
		ok(c, http.StatusOK, gin.H{"cached": true})
	})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/missing", nil))
	var resp ErrorResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("json: %v", err)
	}
	if w.Code != http.StatusNotFound || resp.RequestID != "rid-404" || resp.Code != ErrCodeNotCached {
		t.Fatalf("unexpected: code=%d body=%+v", w.Code, resp)
	}

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/ok", nil))
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), `"cached":true`) {
		t.Fatalf("ok helper: code=%d body=%s", w.Code, w.Body.String())
	}
}

// errMedia returns a fixed error from every operation.
type errMedia struct{ err error }

func (m errMedia) Resolve(context.Context, string, string, string, string) (*services.Resolution, error) {
	return nil, m.err
}
func (m errMedia) Info(context.Context, string) (*services.Resolution, error) { return nil, m.err }
func (m errMedia) StreamSource(context.Context, string, string, string) (*domain.CacheRecord, string, error) {
	return nil, "", m.err
}

func TestContentHandlers_ErrorTaxonomy(t *testing.T) {
	gin.SetMode(gin.TestMode)

	cases := []struct {
		name     string
		err      error
		wantCode int
		wantBody string
	}{
		{"invalid url", upstream.ErrInvalidSourceURL, http.StatusBadRequest, ErrCodeInvalidURL},
		{"upstream down", upstream.ErrUpstreamUnavailable, http.StatusBadGateway, ErrCodeUpstreamUnavailable},
		{"unknown error", errors.New("boom"), http.StatusInternalServerError, ErrCodeInternal},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := NewContentHandlers(errMedia{err: tc.err})
			r := gin.New()
			r.GET("/content/video", h.ResolveVideo)

			w := httptest.NewRecorder()
			r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/content/video?url=https://youtu.be/abc123def", nil))
			if w.Code != tc.wantCode {
				t.Fatalf("status = %d, want %d", w.Code, tc.wantCode)
			}
			var resp ErrorResponse
			if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
				t.Fatalf("json: %v", err)
			}
			if resp.Code != tc.wantBody {
				t.Fatalf("code = %q, want %q", resp.Code, tc.wantBody)
			}
		})
	}
}

func TestContentHandlers_MissingURLParam(t *testing.T) {
	gin.SetMode(gin.TestMode)
	h := NewContentHandlers(errMedia{err: errors.New("unused")})
	r := gin.New()
	r.GET("/content/info", h.Info)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/content/info", nil))
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", w.Code)
	}
}
