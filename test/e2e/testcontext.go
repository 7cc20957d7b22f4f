package e2e

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	promdto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"
	"github.com/vladimirvivien/gexe/exec"
	"gopkg.in/yaml.v3"

	"github.com/eventwatch/eventwatch/internal/reader/jsonl"
	"github.com/eventwatch/eventwatch/internal/stats"
	"github.com/eventwatch/eventwatch/pkg/watch"
)

const (
	binary = "../../build/eventwatch"

	maxSizeName = 12
)

var ErrNotStarted = errors.New("eventwatch not started")

type TestConfig struct {
	Name        string
	Directory   string
	LogDir      string
	StatsDir    string
	ConfigFile  string
	Watchlist   string
	MetricsPort int
	MaxFailures int
}

type TestContext struct {
	Config TestConfig

	proc   *exec.Proc
	stdout *syncBuffer
	stderr *syncBuffer
}

var random *rand.Rand

func init() {
	now := time.Now()

	random = rand.New(rand.NewSource(now.UnixMilli()))
}

// Build compiles the binary under test.
func Build() error {
	return runMakefileCommand("build", nil)
}

func CreateTestConfig(test string) (TestConfig, error) {
	prefix := test
	if len(test) > maxSizeName {
		prefix = test[:maxSizeName]
	}

	name := fmt.Sprintf("%s-%x", prefix, random.Int31())

	dir, err := os.MkdirTemp("", name)
	if err != nil {
		return TestConfig{}, fmt.Errorf("failed to create test directory: %w", err)
	}

	port, err := freePort()
	if err != nil {
		return TestConfig{}, err
	}

	return TestConfig{
		Name:        name,
		Directory:   dir,
		LogDir:      filepath.Join(dir, "logs"),
		StatsDir:    filepath.Join(dir, "stats"),
		ConfigFile:  filepath.Join(dir, "config.yaml"),
		Watchlist:   filepath.Join(dir, "watchlist.yaml"),
		MetricsPort: port,
		MaxFailures: 3,
	}, nil
}

func CreateTestContext(conf TestConfig) (TestContext, error) {
	ret := TestContext{
		Config: conf,
	}

	err := os.MkdirAll(conf.LogDir, 0o755)
	if err != nil {
		return ret, fmt.Errorf("failed to create log directory: %w", err)
	}

	err = ret.writeConfig()
	if err != nil {
		return ret, err
	}

	return ret, nil
}

func (tc TestContext) writeConfig() error {
	conf := map[string]any{
		"gracefulDuration": "5s",
		"watchlist":        tc.Config.Watchlist,
		"logs":             map[string]any{"level": 1, "encoder": "console"},
		"metrics":          map[string]any{"port": tc.Config.MetricsPort, "namespace": "eventwatch"},
		"watch": map[string]any{
			"pollInterval": "100ms",
			"baseDelay":    "50ms",
			"maxDelay":     "200ms",
			"maxFailures":  tc.Config.MaxFailures,
		},
		"reader": map[string]any{
			"driver":    "jsonl",
			"timeout":   "5s",
			"rateLimit": 0,
			"jsonl":     map[string]any{"directory": tc.Config.LogDir},
		},
		"sinks": map[string]any{
			"console": map[string]any{"enabled": true, "format": "json"},
		},
		"stats": map[string]any{
			"enabled":   true,
			"interval":  "1h",
			"directory": tc.Config.StatsDir,
		},
	}

	return writeYAML(tc.Config.ConfigFile, conf)
}

// Shutdown stops the process if needed and removes every file of the test.
func (tc *TestContext) Shutdown(ctx context.Context) error {
	if tc.proc != nil && tc.proc.Command().ProcessState == nil {
		_, err := tc.Stop(ctx)
		if err != nil {
			return err
		}
	}

	err := os.RemoveAll(tc.Config.Directory)
	if err != nil {
		return fmt.Errorf("failed to remove test directory: %w", err)
	}

	return nil
}

// Watch list func

func (tc TestContext) WriteWatchlist(servers map[string]map[string][]int, descriptions map[string]map[string]string) error {
	return writeYAML(tc.Config.Watchlist, map[string]any{
		"Servers":            servers,
		"Event Descriptions": descriptions,
	})
}

func (tc TestContext) Validate() error {
	return runCommand(fmt.Sprintf("%s validate --watchlist %s", binary, tc.Config.Watchlist), nil)
}

// Event log func

func (tc TestContext) CreateLog(machine, log string) error {
	path := jsonl.Path(tc.Config.LogDir, machine, log)

	err := os.MkdirAll(filepath.Dir(path), 0o755)
	if err != nil {
		return fmt.Errorf("failed to create machine directory: %w", err)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("failed to create log: %w", err)
	}

	return f.Close()
}

func (tc TestContext) AppendEvents(machine, log string, records ...jsonl.Record) error {
	path := jsonl.Path(tc.Config.LogDir, machine, log)

	b := strings.Builder{}

	for _, record := range records {
		line, err := json.Marshal(record)
		if err != nil {
			return fmt.Errorf("failed to marshal record: %w", err)
		}

		b.Write(line)
		b.WriteByte('\n')
	}

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open log: %w", err)
	}

	defer f.Close()

	_, err = f.WriteString(b.String())
	if err != nil {
		return fmt.Errorf("failed to append events: %w", err)
	}

	return nil
}

// Process func

func (tc *TestContext) Start() error {
	proc, stdout, stderr, err := startCommand(fmt.Sprintf("%s run --config %s", binary, tc.Config.ConfigFile))
	if err != nil {
		return err
	}

	tc.proc = proc
	tc.stdout = stdout
	tc.stderr = stderr

	return nil
}

// Stop sends SIGTERM and returns the exit code.
func (tc *TestContext) Stop(ctx context.Context) (int, error) {
	if tc.proc == nil {
		return 0, ErrNotStarted
	}

	err := tc.proc.Command().Process.Signal(syscall.SIGTERM)
	if err != nil && !errors.Is(err, os.ErrProcessDone) {
		return 0, fmt.Errorf("failed to stop eventwatch: %w", err)
	}

	return tc.Wait(ctx)
}

// Wait waits for the process to exit and returns the exit code.
func (tc *TestContext) Wait(ctx context.Context) (int, error) {
	if tc.proc == nil {
		return 0, ErrNotStarted
	}

	done := make(chan struct{})

	go func() {
		defer close(done)

		tc.proc.Wait()
	}()

	select {
	case <-done:
		return tc.proc.Command().ProcessState.ExitCode(), nil
	case <-ctx.Done():
		_ = tc.proc.Command().Process.Kill()

		return 0, fmt.Errorf("eventwatch did not exit: %w", ctx.Err())
	}
}

func (tc TestContext) Output() string {
	if tc.stdout == nil {
		return ""
	}

	return tc.stdout.String() + tc.stderr.String()
}

// Notifications returns the notifications printed so far by the console sink.
func (tc TestContext) Notifications() ([]watch.Notification, error) {
	if tc.stdout == nil {
		return nil, ErrNotStarted
	}

	ret := make([]watch.Notification, 0)

	scanner := bufio.NewScanner(strings.NewReader(tc.stdout.String()))
	for scanner.Scan() {
		line := scanner.Bytes()

		// log lines share stdout
		if !strings.Contains(string(line), `"kind":`) {
			continue
		}

		notification := watch.Notification{}

		err := json.Unmarshal(line, &notification)
		if err != nil {
			return nil, fmt.Errorf("failed to unmarshal notification %s: %w", string(line), err)
		}

		ret = append(ret, notification)
	}

	return ret, nil
}

// HTTP func

func (tc TestContext) Status(ctx context.Context) ([]map[string]any, int, error) {
	resp, err := tc.get(ctx, "/status")
	if err != nil {
		return nil, 0, err
	}

	defer resp.Body.Close()

	ret := make([]map[string]any, 0)

	err = json.NewDecoder(resp.Body).Decode(&ret)
	if err != nil {
		return nil, resp.StatusCode, fmt.Errorf("failed to decode status: %w", err)
	}

	return ret, resp.StatusCode, nil
}

func (tc TestContext) Metrics(ctx context.Context) (map[string]*promdto.MetricFamily, error) {
	resp, err := tc.get(ctx, "/metrics")
	if err != nil {
		return nil, err
	}

	defer resp.Body.Close()

	parser := expfmt.TextParser{}

	ret, err := parser.TextToMetricFamilies(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to parse metrics: %w", err)
	}

	return ret, nil
}

func (tc TestContext) get(ctx context.Context, path string) (*http.Response, error) {
	url := fmt.Sprintf("http://localhost:%d%s", tc.Config.MetricsPort, path)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to get %s: %w", url, err)
	}

	return resp, nil
}

// Stats func

func (tc TestContext) StatsReports() ([]stats.Report, error) {
	entries, err := os.ReadDir(tc.Config.StatsDir)
	if err != nil {
		return nil, fmt.Errorf("failed to list stats: %w", err)
	}

	ret := make([]stats.Report, 0, len(entries))

	for _, entry := range entries {
		b, err := os.ReadFile(filepath.Join(tc.Config.StatsDir, entry.Name()))
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", entry.Name(), err)
		}

		report := stats.Report{}

		err = json.Unmarshal(b, &report)
		if err != nil {
			return nil, fmt.Errorf("failed to unmarshal %s: %w", entry.Name(), err)
		}

		ret = append(ret, report)
	}

	return ret, nil
}

// Helper

func writeYAML(path string, content any) error {
	b, err := yaml.Marshal(content)
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", path, err)
	}

	err = os.WriteFile(path, b, 0o644)
	if err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}

	return nil
}

func freePort() (int, error) {
	l, err := net.Listen("tcp", "localhost:0")
	if err != nil {
		return 0, fmt.Errorf("failed to find a free port: %w", err)
	}

	defer l.Close()

	return l.Addr().(*net.TCPAddr).Port, nil
}
