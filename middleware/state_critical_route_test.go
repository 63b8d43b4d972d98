package middleware

import (
	"net/http"
	"net/http/httptest"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

func TestStateCriticalRouteExitsOnPanic(t *testing.T) {
	code := -1
	exit = func(c int) { code = c }
	defer func() { exit = os.Exit }()

	h := StateCriticalRoute(func(w http.ResponseWriter, r *http.Request) {
		panic("terminate delivered twice")
	}, zap.NewNop())

	h(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/join/", nil))
	assert.Equal(t, 1, code)
}

func TestStateCriticalRoutePassesThrough(t *testing.T) {
	called := false
	exit = func(int) { t.Fatal("exit called") }
	defer func() { exit = os.Exit }()

	h := StateCriticalRoute(func(w http.ResponseWriter, r *http.Request) {
		called = true
		w.WriteHeader(http.StatusAccepted)
	}, zap.NewNop())

	rec := httptest.NewRecorder()
	h(rec, httptest.NewRequest(http.MethodGet, "/state/", nil))
	assert.True(t, called)
	assert.Equal(t, http.StatusAccepted, rec.Code)
}
