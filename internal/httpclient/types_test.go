package httpclient_test

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/digdir/erproxy-sync/internal/httpclient"
)

func TestHTTPError(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name          string
		statusCode    int
		url           string
		message       string
		expectedError string
	}{
		{
			name:          "not found",
			statusCode:    404,
			url:           "https://data.brreg.no/enhetsregisteret/api/enheter/123456789",
			message:       "Not Found",
			expectedError: "HTTP 404 for URL https://data.brreg.no/enhetsregisteret/api/enheter/123456789: Not Found",
		},
		{
			name:          "server error",
			statusCode:    500,
			url:           "http://example.com",
			message:       "Internal Server Error",
			expectedError: "HTTP 500 for URL http://example.com: Internal Server Error",
		},
		{
			name:          "empty message",
			statusCode:    503,
			url:           "http://example.com",
			expectedError: "HTTP 503 for URL http://example.com: ",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			err := httpclient.NewHTTPError(tt.statusCode, tt.url, tt.message)
			require.Error(t, err)
			assert.Equal(t, tt.expectedError, err.Error())

			var httpErr *httpclient.HTTPError
			require.ErrorAs(t, err, &httpErr)
			assert.Equal(t, tt.statusCode, httpErr.StatusCode)
			assert.Equal(t, tt.url, httpErr.URL)
			assert.Equal(t, tt.message, httpErr.Message)
		})
	}
}

func TestIsNotFound(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		want bool
	}{
		{name: "nil", err: nil, want: false},
		{name: "plain error", err: errors.New("boom"), want: false},
		{name: "404", err: httpclient.NewHTTPError(http.StatusNotFound, "u", ""), want: true},
		{name: "410", err: httpclient.NewHTTPError(http.StatusGone, "u", ""), want: true},
		{name: "wrapped 404", err: fmt.Errorf("fetch: %w", httpclient.NewHTTPError(http.StatusNotFound, "u", "")), want: true},
		{name: "403", err: httpclient.NewHTTPError(http.StatusForbidden, "u", ""), want: false},
		{name: "500", err: httpclient.NewHTTPError(http.StatusInternalServerError, "u", ""), want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, httpclient.IsNotFound(tt.err))
		})
	}
}
