package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"image/png"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"testing"
	"time"

	"idealsize/core"
	"idealsize/db"
	"idealsize/imageprep"
	"idealsize/logging"
	"idealsize/metrics"
	"idealsize/node"
	"idealsize/sizing"

	"github.com/fatih/color"
	"github.com/kardianos/service"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

func init() {
	color.NoColor = true
}

// testEnv points configuration at a temp directory and returns it.
func testEnv(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	for key, value := range map[string]string{
		"DEV_MODE":                      "false",
		"LOG_LEVEL":                     "error",
		"LOG_FILE":                      filepath.Join(dir, "test.log"),
		"DB_PATH":                       filepath.Join(dir, "test.db"),
		"IDEAL_SIZE_DEFAULT_WIDTH":      "",
		"IDEAL_SIZE_DEFAULT_HEIGHT":     "",
		"IDEAL_SIZE_DEFAULT_MULTIPLIER": "",
		"IDEAL_SIZE_FAMILY_TABLE":       "",
		"HISTORY_ENABLED":               "",
		"HISTORY_RETENTION_DAYS":        "",
		"API_TOKEN_HASH":                "",
		"TRUSTED_PROXIES":               "",
	} {
		t.Setenv(key, value)
	}
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"), nil, 0644))
	return dir
}

func runApp(t *testing.T, dir, stdin string, args ...string) (string, error) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	app := newApp(&stdout, &stderr)
	app.Reader = strings.NewReader(stdin)

	argv := append([]string{appName, "--env-file", filepath.Join(dir, ".env")}, args...)
	err := app.Run(contextWithEnv(context.Background()), argv)
	return stdout.String(), err
}

func TestCompute(t *testing.T) {
	dir := testEnv(t)

	tests := []struct {
		name string
		args []string
		want sizing.Size
	}{
		{"defaults", nil, sizing.Size{Width: 680, Height: 384}},
		{"square sdxl", []string{"--width", "1024", "--height", "1024", "--family", "sdxl"}, sizing.Size{Width: 1024, Height: 1024}},
		{"portrait", []string{"--width", "576", "--height", "1024"}, sizing.Size{Width: 384, Height: 680}},
		{"landscape sdxl", []string{"-W", "1920", "-H", "1080", "-f", "StableDiffusionXL"}, sizing.Size{Width: 1360, Height: 768}},
		{"multiplier", []string{"--width", "1024", "--height", "1024", "--multiplier", "2"}, sizing.Size{Width: 1024, Height: 1024}},
		{"version 1.0.0 ignores multiplier", []string{"--width", "1024", "--height", "1024", "--multiplier", "2", "--node-version", "1.0.0"}, sizing.Size{Width: 512, Height: 512}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			args := append([]string{"compute", "--json"}, tt.args...)
			out, err := runApp(t, dir, "", args...)
			require.NoError(t, err)

			var result node.IdealSizeOutput
			require.NoError(t, json.Unmarshal([]byte(out), &result))
			assert.Equal(t, node.IdealSizeOutputType, result.Type)
			assert.Equal(t, tt.want.Width, result.Width)
			assert.Equal(t, tt.want.Height, result.Height)
		})
	}
}

func TestCompute_TextOutput(t *testing.T) {
	dir := testEnv(t)

	out, err := runApp(t, dir, "", "compute")
	require.NoError(t, err)
	assert.Equal(t, "ideal size: 680x384\n", out)
}

func TestCompute_DefaultsFromEnvironment(t *testing.T) {
	dir := testEnv(t)
	t.Setenv("IDEAL_SIZE_DEFAULT_WIDTH", "1024")
	t.Setenv("IDEAL_SIZE_DEFAULT_HEIGHT", "1024")

	out, err := runApp(t, dir, "", "compute")
	require.NoError(t, err)
	assert.Contains(t, out, "512x512")
}

func TestCompute_FamilyTableFile(t *testing.T) {
	dir := testEnv(t)
	table := filepath.Join(dir, "families.yaml")
	require.NoError(t, os.WriteFile(table, []byte("families:\n  flux: 1024\n"), 0644))
	t.Setenv("IDEAL_SIZE_FAMILY_TABLE", table)

	out, err := runApp(t, dir, "", "compute", "--width", "1024", "--height", "1024", "--family", "flux")
	require.NoError(t, err)
	assert.Contains(t, out, "1024x1024")
}

func TestCompute_Errors(t *testing.T) {
	dir := testEnv(t)

	_, err := runApp(t, dir, "", "compute", "--width", "0", "--multiplier", "0")
	assert.ErrorIs(t, err, node.ErrInvalidInput)
	assert.Equal(t, core.ExitCodeError, exitCodeFor(err, nil))

	_, err = runApp(t, dir, "", "compute", "--width", "abc")
	require.Error(t, err)
	assert.Equal(t, core.ExitCodeUsage, exitCodeFor(err, nil))

	_, err = runApp(t, dir, "", "compute", "--model", "missing")
	assert.ErrorIs(t, err, node.ErrUnknownModel)
}

func TestModelsCommands(t *testing.T) {
	dir := testEnv(t)

	out, err := runApp(t, dir, "", "models", "add", "--name", "Juggernaut XL", "juggernaut", "StableDiffusionXL")
	require.NoError(t, err)
	assert.Equal(t, "juggernaut -> sdxl\n", out)

	out, err = runApp(t, dir, "", "models", "list", "--json")
	require.NoError(t, err)
	var models []db.ModelRecord
	require.NoError(t, json.Unmarshal([]byte(out), &models))
	require.Len(t, models, 1)
	assert.Equal(t, "Juggernaut XL", models[0].Name)
	assert.Equal(t, "main", models[0].ModelType)

	out, err = runApp(t, dir, "", "compute", "--model", "juggernaut", "--width", "1920", "--height", "1080")
	require.NoError(t, err)
	assert.Contains(t, out, "1360x768")

	out, err = runApp(t, dir, "", "models", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "juggernaut")

	_, err = runApp(t, dir, "", "models", "rm", "juggernaut")
	require.NoError(t, err)

	_, err = runApp(t, dir, "", "models", "remove", "juggernaut")
	assert.ErrorIs(t, err, db.ErrNotFound)

	_, err = runApp(t, dir, "", "models", "add", "only-key")
	assert.Equal(t, core.ExitCodeUsage, exitCodeFor(err, nil))
}

func TestFamiliesCommand(t *testing.T) {
	dir := testEnv(t)

	out, err := runApp(t, dir, "", "families", "--json")
	require.NoError(t, err)

	var table struct {
		DefaultDimension int                  `json:"default_dimension"`
		Families         []sizing.FamilyEntry `json:"families"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &table))
	assert.Equal(t, 512, table.DefaultDimension)
	assert.Len(t, table.Families, 3)

	out, err = runApp(t, dir, "", "families")
	require.NoError(t, err)
	assert.Contains(t, out, "sdxl")
	assert.Contains(t, out, "(other)")
}

func TestHistoryCommands(t *testing.T) {
	dir := testEnv(t)

	out, err := runApp(t, dir, "", "history")
	require.NoError(t, err)
	assert.Equal(t, "no invocations recorded\n", out)

	database, err := db.Open(filepath.Join(dir, "test.db"))
	require.NoError(t, err)
	repo := db.NewRepository(database, nil)
	for _, age := range []time.Duration{time.Hour, 90 * 24 * time.Hour} {
		require.NoError(t, repo.RecordInvocation(context.Background(), node.HistoryEntry{
			InvocationID: "inv",
			NodeType:     node.IdealSizeType,
			NodeVersion:  node.IdealSizeVersion,
			TargetWidth:  1024,
			TargetHeight: 576,
			Family:       sizing.Unknown,
			Multiplier:   1,
			Output:       &node.IdealSizeOutput{Type: node.IdealSizeOutputType, Width: 680, Height: 384},
			StartedAt:    time.Now().Add(-age),
		}))
	}
	require.NoError(t, database.Close())

	out, err = runApp(t, dir, "", "history", "--json")
	require.NoError(t, err)
	var records []db.InvocationRecord
	require.NoError(t, json.Unmarshal([]byte(out), &records))
	assert.Len(t, records, 2)

	out, err = runApp(t, dir, "", "history", "prune", "--days", "30")
	require.NoError(t, err)
	assert.Contains(t, out, "deleted 1 invocation(s)")

	out, err = runApp(t, dir, "", "history")
	require.NoError(t, err)
	assert.Contains(t, out, "680x384")

	_, err = runApp(t, dir, "", "history", "--limit", "0")
	assert.Equal(t, core.ExitCodeUsage, exitCodeFor(err, nil))
}

func TestPrepareCommand(t *testing.T) {
	dir := testEnv(t)
	input := filepath.Join(dir, "in.png")
	output := filepath.Join(dir, "out.png")

	f, err := os.Create(input)
	require.NoError(t, err)
	require.NoError(t, png.Encode(f, image.NewRGBA(image.Rect(0, 0, 1920, 1080))))
	require.NoError(t, f.Close())

	out, err := runApp(t, dir, "", "prepare", "--family", "sdxl", "--mode", "fit", input, output)
	require.NoError(t, err)
	assert.Contains(t, out, "1360x768")

	f, err = os.Open(output)
	require.NoError(t, err)
	defer f.Close()
	cfg, err := png.DecodeConfig(f)
	require.NoError(t, err)
	assert.Equal(t, 1360, cfg.Width)
	assert.Equal(t, 768, cfg.Height)

	_, err = runApp(t, dir, "", "prepare", input)
	assert.Equal(t, core.ExitCodeUsage, exitCodeFor(err, nil))

	_, err = runApp(t, dir, "", "prepare", "--mode", "zoom", input, output)
	assert.Equal(t, core.ExitCodeUsage, exitCodeFor(err, nil))

	_, err = runApp(t, dir, "", "prepare", "--multiplier", "0", input, output)
	assert.ErrorIs(t, err, imageprep.ErrInvalidMultiplier)
}

func TestHashTokenCommand(t *testing.T) {
	dir := testEnv(t)

	out, err := runApp(t, dir, "", "hash-token", "--cost", "4", "s3cret")
	require.NoError(t, err)
	hash := strings.TrimSpace(out)
	assert.NoError(t, bcrypt.CompareHashAndPassword([]byte(hash), []byte("s3cret")))

	out, err = runApp(t, dir, "from-stdin\n", "hash-token", "--cost", "4")
	require.NoError(t, err)
	assert.NoError(t, bcrypt.CompareHashAndPassword([]byte(strings.TrimSpace(out)), []byte("from-stdin")))

	_, err = runApp(t, dir, "", "hash-token")
	assert.Equal(t, core.ExitCodeUsage, exitCodeFor(err, nil))
}

func TestExitCodeFor(t *testing.T) {
	tests := []struct {
		name string
		err  error
		sig  os.Signal
		want int
	}{
		{"success", nil, nil, core.ExitCodeSuccess},
		{"error", errors.New("boom"), nil, core.ExitCodeError},
		{"usage", usagef("bad flag"), nil, core.ExitCodeUsage},
		{"wrapped usage", errors.Join(errors.New("ctx"), usagef("bad")), nil, core.ExitCodeUsage},
		{"bad configuration", fmt.Errorf("unable to load configuration: %w", core.ErrOutOfRange("PORT", 0, "between 1 and 65535")), nil, core.ExitCodeUsage},
		{"interrupt", nil, os.Interrupt, core.ExitCodeSIGINT},
		{"terminate wins over error", errors.New("boom"), syscall.SIGTERM, core.ExitCodeSIGTERM},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, exitCodeFor(tt.err, tt.sig))
		})
	}
}

func TestProgram_StartStop(t *testing.T) {
	started := make(chan struct{})
	prg := &program{
		log: logging.NewNop(),
		run: func(ctx context.Context) error {
			close(started)
			<-ctx.Done()
			return nil
		},
	}

	require.NoError(t, prg.Start(nil))
	<-started
	assert.NoError(t, prg.Stop(nil))
}

func TestProgram_StopReturnsRunError(t *testing.T) {
	prg := &program{
		log: logging.NewNop(),
		run: func(ctx context.Context) error {
			<-ctx.Done()
			return errors.New("listen failed")
		},
	}

	require.NoError(t, prg.Start(nil))
	assert.EqualError(t, prg.Stop(nil), "listen failed")
}

func TestServiceConfig(t *testing.T) {
	cfg := serviceConfig()
	assert.Equal(t, appName, cfg.Name)
	assert.Equal(t, []string{"service", "run"}, cfg.Arguments)

	assert.Equal(t, "running", statusName(service.StatusRunning))
	assert.Equal(t, "stopped", statusName(service.StatusStopped))
	assert.Equal(t, "unknown", statusName(service.StatusUnknown))
}

func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	return ln.Addr().(*net.TCPAddr).Port
}

func TestRunServe(t *testing.T) {
	dir := testEnv(t)
	cfg := core.DefaultConfig()
	cfg.DBPath = filepath.Join(dir, "serve.db")
	cfg.Host = "127.0.0.1"
	cfg.Port = freePort(t)
	cfg.RateLimitRPS = 0

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- runServe(ctx, cfg, logging.NewNop()) }()

	client := &http.Client{Transport: &http.Transport{DisableKeepAlives: true}, Timeout: time.Second}
	base := "http://" + cfg.Address()

	require.Eventually(t, func() bool {
		resp, err := client.Get(base + "/health")
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 5*time.Second, 20*time.Millisecond)

	resp, err := client.Post(base+"/api/nodes/ideal_size/invoke", "application/json",
		strings.NewReader(`{"width":1920,"height":1080,"unet":{"unet":{"key":"k","base_model":"sdxl"}}}`))
	require.NoError(t, err)
	var out node.IdealSizeOutput
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	resp.Body.Close()
	assert.Equal(t, 1360, out.Width)
	assert.Equal(t, 768, out.Height)

	resp, err = client.Get(base + "/api/metrics")
	require.NoError(t, err)
	var snap metrics.Snapshot
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&snap))
	resp.Body.Close()
	assert.Equal(t, int64(1), snap.Invocations.TotalInvocations)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("runServe did not return")
	}

	// the history writer drained before the database closed
	database, err := db.Open(cfg.DBPath)
	require.NoError(t, err)
	defer database.Close()
	records, err := db.NewRepository(database, nil).ListHistory(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, 1360, records[0].IdealWidth)
}
