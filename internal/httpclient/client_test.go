package httpclient_test

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/digdir/erproxy-sync/internal/httpclient"
)

func TestHTTPClient(t *testing.T) {
	t.Parallel()
	RegisterFailHandler(Fail)
	RunSpecs(t, "HTTPClient Suite")
}

// newTestServer creates a new test server with keep-alives disabled.
// This prevents flaky tests when the server is closed while the shared
// transport still holds idle connections.
func newTestServer(handler http.Handler) *httptest.Server {
	server := httptest.NewServer(handler)
	server.Config.SetKeepAlivesEnabled(false)
	return server
}

func fastClient(opts ...httpclient.Option) *httpclient.DefaultClient {
	base := []httpclient.Option{
		httpclient.WithTimeout(5 * time.Second),
		httpclient.WithRetryInterval(time.Millisecond, 5*time.Millisecond),
	}
	return httpclient.NewDefaultClient(append(base, opts...)...)
}

var _ = Describe("DefaultClient", func() {
	var (
		client     httpclient.Client
		mockServer *httptest.Server
		ctx        context.Context
		hits       atomic.Int32
	)

	BeforeEach(func() {
		ctx = context.Background()
		hits.Store(0)
	})

	AfterEach(func() {
		if mockServer != nil {
			mockServer.Close()
			mockServer = nil
		}
	})

	Describe("Get", func() {
		Context("Successful requests", func() {
			BeforeEach(func() {
				mockServer = newTestServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
					Expect(r.Header.Get("User-Agent")).To(Equal(httpclient.UserAgent))
					Expect(r.Header.Get("Accept")).To(Equal("application/json"))

					w.WriteHeader(http.StatusOK)
					_, _ = w.Write([]byte(`{"organisasjonsnummer": "123456789"}`))
				}))
				client = fastClient()
			})

			It("should return the body", func() {
				data, err := client.Get(ctx, mockServer.URL)
				Expect(err).NotTo(HaveOccurred())
				Expect(data).To(Equal([]byte(`{"organisasjonsnummer": "123456789"}`)))
			})
		})

		Context("Custom user agent", func() {
			It("should send the configured user agent", func() {
				mockServer = newTestServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
					Expect(r.Header.Get("User-Agent")).To(Equal("digdir-test/2.0"))
					w.WriteHeader(http.StatusOK)
				}))
				client = fastClient(httpclient.WithUserAgent("digdir-test/2.0"))

				_, err := client.Get(ctx, mockServer.URL)
				Expect(err).NotTo(HaveOccurred())
			})
		})

		Context("Non-retryable errors", func() {
			It("should return an HTTPError for 404 without retrying", func() {
				mockServer = newTestServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
					hits.Add(1)
					w.WriteHeader(http.StatusNotFound)
				}))
				client = fastClient()

				_, err := client.Get(ctx, mockServer.URL)
				Expect(err).To(HaveOccurred())

				var httpErr *httpclient.HTTPError
				Expect(errors.As(err, &httpErr)).To(BeTrue())
				Expect(httpErr.StatusCode).To(Equal(http.StatusNotFound))
				Expect(httpclient.IsNotFound(err)).To(BeTrue())
				Expect(hits.Load()).To(Equal(int32(1)))
			})
		})

		Context("Retryable errors", func() {
			It("should retry 503 until success", func() {
				mockServer = newTestServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
					if hits.Add(1) < 3 {
						w.WriteHeader(http.StatusServiceUnavailable)
						return
					}
					_, _ = w.Write([]byte(`ok`))
				}))
				client = fastClient(httpclient.WithMaxRetries(3))

				data, err := client.Get(ctx, mockServer.URL)
				Expect(err).NotTo(HaveOccurred())
				Expect(string(data)).To(Equal("ok"))
				Expect(hits.Load()).To(Equal(int32(3)))
			})

			It("should give up after the configured retries", func() {
				mockServer = newTestServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
					hits.Add(1)
					w.WriteHeader(http.StatusTooManyRequests)
				}))
				client = fastClient(httpclient.WithMaxRetries(2))

				_, err := client.Get(ctx, mockServer.URL)
				Expect(err).To(HaveOccurred())

				var httpErr *httpclient.HTTPError
				Expect(errors.As(err, &httpErr)).To(BeTrue())
				Expect(httpErr.StatusCode).To(Equal(http.StatusTooManyRequests))
				Expect(hits.Load()).To(Equal(int32(3)))
			})

			It("should not retry when retries are disabled", func() {
				mockServer = newTestServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
					hits.Add(1)
					w.WriteHeader(http.StatusBadGateway)
				}))
				client = fastClient(httpclient.WithMaxRetries(0))

				_, err := client.Get(ctx, mockServer.URL)
				Expect(err).To(HaveOccurred())
				Expect(hits.Load()).To(Equal(int32(1)))
			})
		})

		Context("Context cancellation", func() {
			It("should fail on a cancelled context", func() {
				mockServer = newTestServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
					w.WriteHeader(http.StatusOK)
				}))
				client = fastClient()

				cancelled, cancel := context.WithCancel(ctx)
				cancel()

				_, err := client.Get(cancelled, mockServer.URL)
				Expect(err).To(HaveOccurred())
				Expect(errors.Is(err, context.Canceled)).To(BeTrue())
			})
		})

		Context("Invalid URLs", func() {
			It("should fail to build the request", func() {
				client = fastClient()

				_, err := client.Get(ctx, "://bad")
				Expect(err).To(HaveOccurred())
				Expect(err.Error()).To(ContainSubstring("failed to create request"))
			})
		})

		Context("Response size limits", func() {
			It("should reject a declared content length over the limit", func() {
				mockServer = newTestServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
					w.Header().Set("Content-Length", "209715200")
					w.WriteHeader(http.StatusOK)
				}))
				client = fastClient()

				_, err := client.Get(ctx, mockServer.URL)
				Expect(err).To(HaveOccurred())
				Expect(err.Error()).To(ContainSubstring("exceeds maximum allowed size"))
			})
		})
	})

	Describe("Fetch", func() {
		It("should return non-200 statuses without an error", func() {
			mockServer = newTestServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.Header().Set("X-Test", "gone")
				w.WriteHeader(http.StatusGone)
				_, _ = w.Write([]byte(`{"slettedato":"2024-01-01"}`))
			}))
			client = fastClient()

			resp, err := client.Fetch(ctx, mockServer.URL)
			Expect(err).NotTo(HaveOccurred())
			Expect(resp.StatusCode).To(Equal(http.StatusGone))
			Expect(resp.Header.Get("X-Test")).To(Equal("gone"))
			Expect(string(resp.Body)).To(ContainSubstring("slettedato"))
		})

		It("should return the last 5xx once retries are spent", func() {
			mockServer = newTestServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				hits.Add(1)
				w.WriteHeader(http.StatusInternalServerError)
			}))
			client = fastClient(httpclient.WithMaxRetries(1))

			resp, err := client.Fetch(ctx, mockServer.URL)
			Expect(err).NotTo(HaveOccurred())
			Expect(resp.StatusCode).To(Equal(http.StatusInternalServerError))
			Expect(hits.Load()).To(Equal(int32(2)))
		})
	})

	Describe("Stream", func() {
		It("should hand over the open body", func() {
			payload := strings.Repeat("x", 1<<16)
			mockServer = newTestServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				_, _ = w.Write([]byte(payload))
			}))
			client = fastClient()

			body, err := client.Stream(ctx, mockServer.URL)
			Expect(err).NotTo(HaveOccurred())
			defer func() { _ = body.Close() }()

			data, err := io.ReadAll(body)
			Expect(err).NotTo(HaveOccurred())
			Expect(data).To(HaveLen(len(payload)))
		})

		It("should accept compressed exports instead of JSON", func() {
			var accept atomic.Value
			mockServer = newTestServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				accept.Store(r.Header.Get("Accept"))
				w.Header().Set("Content-Type", "application/gzip")
				_, _ = w.Write([]byte("gz"))
			}))
			client = fastClient()

			body, err := client.Stream(ctx, mockServer.URL)
			Expect(err).NotTo(HaveOccurred())
			_ = body.Close()

			Expect(accept.Load()).To(Equal(httpclient.AcceptStream))
			Expect(accept.Load()).NotTo(Equal(httpclient.AcceptJSON))
		})

		It("should return an HTTPError for non-200 statuses", func() {
			mockServer = newTestServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(http.StatusForbidden)
			}))
			client = fastClient()

			body, err := client.Stream(ctx, mockServer.URL)
			Expect(err).To(HaveOccurred())
			Expect(body).To(BeNil())

			var httpErr *httpclient.HTTPError
			Expect(errors.As(err, &httpErr)).To(BeTrue())
			Expect(httpErr.StatusCode).To(Equal(http.StatusForbidden))
		})
	})

	Describe("Rate limiting", func() {
		It("should space requests beyond the burst", func() {
			mockServer = newTestServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(http.StatusOK)
			}))
			client = fastClient(httpclient.WithRateLimit(20, 1))

			start := time.Now()
			for range 3 {
				_, err := client.Get(ctx, mockServer.URL)
				Expect(err).NotTo(HaveOccurred())
			}
			Expect(time.Since(start)).To(BeNumerically(">=", 90*time.Millisecond))
		})
	})
})
