package middleware

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"duck-async/internal/domain"
)

// serveWithRequestID runs one request through RequestID and returns the id
// the handler saw and the response header.
func serveWithRequestID(t *testing.T, inbound string) (seen, header string) {
	t.Helper()
	h := RequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = RequestIDFromContext(r.Context())
		w.WriteHeader(http.StatusAccepted)
	}))
	req := httptest.NewRequest(http.MethodPost, "/async_query", nil)
	if inbound != "" {
		req.Header.Set("X-Request-ID", inbound)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	require.Equal(t, http.StatusAccepted, rec.Code)
	return seen, rec.Header().Get("X-Request-ID")
}

func TestRequestID(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		inbound string
		keep    bool
	}{
		{name: "none sent", inbound: ""},
		{name: "upstream uuid", inbound: "3f1c2e9a-7b44-4f0e-9a51-2d6f0c8e1b77", keep: true},
		{name: "async query id", inbound: domain.NewAsyncQueryID("glue"), keep: true},
		{name: "128 chars", inbound: strings.Repeat("q", 128), keep: true},
		{name: "129 chars", inbound: strings.Repeat("q", 129)},
		{name: "newline forges a log line", inbound: "req-1\nlevel=ERROR msg=forged"},
		{name: "spaces", inbound: "req 1"},
		{name: "colon separated", inbound: "glue:req-1"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			seen, header := serveWithRequestID(t, tt.inbound)
			assert.Equal(t, seen, header)
			if tt.keep {
				assert.Equal(t, tt.inbound, seen)
				return
			}
			_, err := uuid.Parse(seen)
			assert.NoError(t, err, "replacement id should be a uuid, got %q", seen)
		})
	}
}

func TestRequestID_UniquePerRequest(t *testing.T) {
	t.Parallel()
	first, _ := serveWithRequestID(t, "")
	second, _ := serveWithRequestID(t, "")
	assert.NotEqual(t, first, second)
}

func TestRequestIDFromContext_Unset(t *testing.T) {
	t.Parallel()
	assert.Empty(t, RequestIDFromContext(httptest.NewRequest(http.MethodGet, "/", nil).Context()))
}
