package helpers

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/onsi/gomega"

	syncapp "github.com/digdir/erproxy-sync/internal/app"
	"github.com/digdir/erproxy-sync/internal/config"
	"github.com/digdir/erproxy-sync/internal/status"
	"github.com/digdir/erproxy-sync/internal/sync/coordinator"
)

// Container is the sink container used by the integration config
const Container = "mirror"

// ServerTestHelper manages the sync API server lifecycle for testing
type ServerTestHelper struct {
	ctx        context.Context
	configPath string
	baseURL    string
	httpClient *http.Client
	app        *syncapp.SyncApp
	errChan    chan error
}

// NewServerTestHelper creates a new server test helper
func NewServerTestHelper(ctx context.Context, configPath string) *ServerTestHelper {
	return &ServerTestHelper{
		ctx:        ctx,
		configPath: configPath,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		errChan: make(chan error, 1),
	}
}

// StartServer starts the sync API server on a free local port
func (s *ServerTestHelper) StartServer() error {
	cfg, err := config.LoadConfig(config.WithConfigPath(s.configPath))
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	app, err := syncapp.NewSyncApp(s.ctx, syncapp.WithConfig(cfg))
	if err != nil {
		return fmt.Errorf("failed to build app: %w", err)
	}
	s.app = app

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	s.baseURL = "http://" + listener.Addr().String()

	go func() {
		s.errChan <- app.Serve(listener)
	}()
	return nil
}

// StopServer gracefully stops the sync API server
func (s *ServerTestHelper) StopServer() error {
	if s.app == nil {
		return nil
	}
	return s.app.Stop(5 * time.Second)
}

// WaitForServerReady waits for the server to answer health checks
func (s *ServerTestHelper) WaitForServerReady(timeout time.Duration) {
	gomega.Eventually(func() error {
		resp, err := s.httpClient.Get(s.baseURL + "/health")
		if err != nil {
			return err
		}
		defer func() {
			_ = resp.Body.Close()
		}()
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("server returned status %d", resp.StatusCode)
		}
		return nil
	}, timeout, 100*time.Millisecond).Should(gomega.Succeed(), "Server should be ready")
}

// Get makes a GET request relative to the server root
func (s *ServerTestHelper) Get(path string) (int, []byte) {
	resp, err := s.httpClient.Get(s.baseURL + path)
	gomega.Expect(err).NotTo(gomega.HaveOccurred())
	return readResponse(resp)
}

// TriggerSync posts to /api/v1/sync and decodes the run report
func (s *ServerTestHelper) TriggerSync(force bool) (int, *coordinator.Report) {
	url := s.baseURL + "/api/v1/sync"
	if force {
		url += "?force=true"
	}
	resp, err := s.httpClient.Post(url, "application/json", nil)
	gomega.Expect(err).NotTo(gomega.HaveOccurred())

	code, body := readResponse(resp)
	var report coordinator.Report
	gomega.Expect(json.Unmarshal(body, &report)).To(gomega.Succeed(), string(body))
	return code, &report
}

// Status fetches /api/v1/status
func (s *ServerTestHelper) Status() map[string]*status.SyncStatus {
	code, body := s.Get("/api/v1/status")
	gomega.Expect(code).To(gomega.Equal(http.StatusOK))

	var resp struct {
		Partitions map[string]*status.SyncStatus `json:"partitions"`
	}
	gomega.Expect(json.Unmarshal(body, &resp)).To(gomega.Succeed())
	return resp.Partitions
}

func readResponse(resp *http.Response) (int, []byte) {
	defer func() {
		_ = resp.Body.Close()
	}()
	body, err := io.ReadAll(resp.Body)
	gomega.Expect(err).NotTo(gomega.HaveOccurred())
	return resp.StatusCode, body
}

// WriteConfigYAML writes a configuration mirroring the fake registry into sinkDir
func WriteConfigYAML(dir, registryURL, sinkDir string) string {
	configContent := fmt.Sprintf(`registry:
  baseURL: %s
  timeout: 5s
  maxRetries: 0

sink:
  type: file
  container: %s
  file:
    path: %s

sync:
  pageSize: 100
  concurrency: 4
  interval: 0s
`, registryURL, Container, sinkDir)

	configPath := filepath.Join(dir, "config.yaml")
	err := os.WriteFile(configPath, []byte(configContent), 0600)
	gomega.Expect(err).NotTo(gomega.HaveOccurred())
	return configPath
}

// ReadRecord reads a mirrored record from the file sink
func ReadRecord(sinkDir, tag, id string) (string, error) {
	data, err := os.ReadFile(filepath.Join(sinkDir, Container, tag, id))
	return string(data), err
}
