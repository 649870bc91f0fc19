package metadata

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"

	"gatekeeper/pkg/requestcontext"
)

func TestClientIPFromRequest(t *testing.T) {
	tests := []struct {
		name   string
		setup  func(r *http.Request)
		expect string
	}{
		{"first forwarded address wins", func(r *http.Request) { r.Header.Set("X-Forwarded-For", "1.2.3.4, 10.0.0.1") }, "1.2.3.4"},
		{"real ip header", func(r *http.Request) { r.Header.Set("X-Real-IP", " 5.6.7.8 ") }, "5.6.7.8"},
		{"ipv4 remote addr", func(r *http.Request) { r.RemoteAddr = "127.0.0.1:5555" }, "127.0.0.1"},
		{"ipv6 remote addr", func(r *http.Request) { r.RemoteAddr = "[::1]:5555" }, "::1"},
		{"empty remote addr", func(r *http.Request) { r.RemoteAddr = "" }, "unknown"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/", nil)
			tt.setup(r)
			assert.Equal(t, tt.expect, ClientIPFromRequest(r))
		})
	}
}

func TestClientMetadataMiddleware(t *testing.T) {
	var ip, ua string
	h := ClientMetadata(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip = requestcontext.ClientIP(r.Context())
		ua = requestcontext.UserAgent(r.Context())
	}))
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.RemoteAddr = "192.168.1.1:1234"
	r.Header.Set("User-Agent", "Mozilla/5.0")
	h.ServeHTTP(httptest.NewRecorder(), r)
	assert.Equal(t, "192.168.1.1", ip)
	assert.Equal(t, "Mozilla/5.0", ua)
}
