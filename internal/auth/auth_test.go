package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func TestParseKeyring(t *testing.T) {
	a, err := GenerateKey()
	require.NoError(t, err)
	b, err := GenerateKey()
	require.NoError(t, err)

	k, err := ParseKeyring("watcher:" + a + ", " + b)
	require.NoError(t, err)
	assert.Equal(t, 2, k.Len())

	caller, err := k.Validate(a)
	require.NoError(t, err)
	assert.Equal(t, "watcher", caller.Name)

	caller, err = k.Validate("Bearer " + b)
	require.NoError(t, err)
	assert.Equal(t, "intake", caller.Name)

	_, err = k.Validate("")
	assert.ErrorIs(t, err, ErrNoAPIKey)
	_, err = k.Validate(KeyPrefix + "nope")
	assert.ErrorIs(t, err, ErrInvalidAPIKey)
}

func TestParseKeyring_Rejects(t *testing.T) {
	_, err := ParseKeyring("watcher:short")
	assert.Error(t, err)

	k, err := ParseKeyring("")
	require.NoError(t, err)
	assert.Equal(t, 0, k.Len())
}

func newRouter(k *Keyring) *gin.Engine {
	r := gin.New()
	r.POST("/gifts", RequireKey(k), func(c *gin.Context) {
		name := ""
		if caller, ok := GetCaller(c); ok {
			name = caller.Name
		}
		c.JSON(http.StatusCreated, gin.H{"caller": name})
	})
	return r
}

func TestRequireKey(t *testing.T) {
	raw, err := GenerateKey()
	require.NoError(t, err)
	k := &Keyring{}
	k.Add("watcher", raw)
	r := newRouter(k)

	tests := []struct {
		name   string
		header string
		value  string
		want   int
	}{
		{"missing", "", "", http.StatusUnauthorized},
		{"wrong", "Authorization", "Bearer " + KeyPrefix + "0000", http.StatusUnauthorized},
		{"bearer", "Authorization", "Bearer " + raw, http.StatusCreated},
		{"x-api-key", "X-API-Key", raw, http.StatusCreated},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("POST", "/gifts", nil)
			if tt.header != "" {
				req.Header.Set(tt.header, tt.value)
			}
			w := httptest.NewRecorder()
			r.ServeHTTP(w, req)
			assert.Equal(t, tt.want, w.Code)
			if tt.want == http.StatusCreated {
				assert.Contains(t, w.Body.String(), `"caller":"watcher"`)
			}
		})
	}
}

func TestRequireKey_EmptyKeyringAdmits(t *testing.T) {
	r := newRouter(&Keyring{})
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("POST", "/gifts", nil))
	assert.Equal(t, http.StatusCreated, w.Code)
}
