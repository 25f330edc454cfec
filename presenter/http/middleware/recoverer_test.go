package middleware_test

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/omni/tokenbridge-relayer/presenter/http/middleware"
)

func TestRecoverer(t *testing.T) {
	t.Parallel()

	t.Run("panic becomes internal error", func(t *testing.T) {
		t.Parallel()

		h := middleware.Recoverer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
			panic(errors.New("store exploded"))
		}))
		w := httptest.NewRecorder()
		h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/records", nil))
		require.Equal(t, http.StatusInternalServerError, w.Code)
	})

	t.Run("aborted handler keeps panicking", func(t *testing.T) {
		t.Parallel()

		h := middleware.Recoverer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
			panic(http.ErrAbortHandler)
		}))
		require.PanicsWithValue(t, http.ErrAbortHandler, func() {
			h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/records", nil))
		})
	})
}
