package common

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPathParam(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		path       string
		want       string
		wantErrMsg string
	}{
		{name: "plain name", path: "units", want: "units"},
		{name: "dashes and underscores", path: "sub_units-2", want: "sub_units-2"},
		{name: "encoded colon", path: "a%3Ab", want: "a:b"},
		{name: "encoded space only", path: "%20", wantErrMsg: "partition cannot be empty"},
		{name: "encoded tab only", path: "%09", wantErrMsg: "partition cannot be empty"},
		{name: "space in middle", path: "sub%20units", wantErrMsg: "partition cannot contain whitespace"},
		{name: "encoded slash", path: "a%2Fb", wantErrMsg: "partition cannot contain '/'"},
		{name: "double encoded slash", path: "a%252Fb", wantErrMsg: "partition cannot contain '/'"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			var (
				got    string
				gotErr error
			)
			r := chi.NewRouter()
			r.Get("/status/{partition}", func(_ http.ResponseWriter, req *http.Request) {
				got, gotErr = PathParam(req, "partition")
			})

			rec := httptest.NewRecorder()
			r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/status/"+tt.path, nil))

			if tt.wantErrMsg != "" {
				require.Error(t, gotErr)
				assert.Equal(t, tt.wantErrMsg, gotErr.Error())
				return
			}
			require.NoError(t, gotErr)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestPathParam_Missing(t *testing.T) {
	t.Parallel()

	_, err := PathParam(httptest.NewRequest(http.MethodGet, "/", nil), "partition")
	require.Error(t, err)
	assert.Equal(t, "partition cannot be empty", err.Error())
}

func TestWriteErrorResponse(t *testing.T) {
	t.Parallel()

	rec := httptest.NewRecorder()
	WriteErrorResponse(rec, "boom", http.StatusConflict)

	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	assert.JSONEq(t, `{"error":"boom"}`, rec.Body.String())
}
