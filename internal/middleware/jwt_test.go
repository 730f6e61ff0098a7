package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func newRouter(secret string) *gin.Engine {
	r := gin.New()
	r.GET("/me", JWTAuth(secret), func(c *gin.Context) {
		c.String(http.StatusOK, UserID(c))
	})
	return r
}

func TestJWTAuth(t *testing.T) {
	const secret = "s3cret"
	r := newRouter(secret)

	token, err := IssueToken(secret, "alice", time.Hour)
	require.NoError(t, err)

	cases := []struct {
		name   string
		header string
		query  string
		status int
		body   string
	}{
		{name: "bearer", header: "Bearer " + token, status: http.StatusOK, body: "alice"},
		{name: "query token", query: "?token=" + token, status: http.StatusOK, body: "alice"},
		{name: "missing", status: http.StatusUnauthorized},
		{name: "wrong scheme", header: "Basic " + token, status: http.StatusUnauthorized},
		{name: "garbage", header: "Bearer abc.def.ghi", status: http.StatusUnauthorized},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/me"+tc.query, nil)
			if tc.header != "" {
				req.Header.Set("Authorization", tc.header)
			}
			w := httptest.NewRecorder()
			r.ServeHTTP(w, req)

			assert.Equal(t, tc.status, w.Code)
			if tc.body != "" {
				assert.Equal(t, tc.body, w.Body.String())
			} else {
				assert.Contains(t, w.Body.String(), "AUTH_REQUIRED")
			}
		})
	}
}

func TestParseTokenRejectsOtherSecretAndExpired(t *testing.T) {
	token, err := IssueToken("one", "alice", time.Hour)
	require.NoError(t, err)
	_, err = ParseToken("two", token)
	require.Error(t, err)

	expired, err := IssueToken("one", "alice", -time.Minute)
	require.NoError(t, err)
	_, err = ParseToken("one", expired)
	require.Error(t, err)
}
