package main

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	charmLog "github.com/charmbracelet/log"

	"github.com/hylla/trellis/internal/adapters/server/common"
	"github.com/hylla/trellis/internal/adapters/storage/sqlite"
	"github.com/hylla/trellis/internal/app"
	"github.com/hylla/trellis/internal/config"
	"github.com/hylla/trellis/internal/domain"
)

// cliEnv isolates one CLI run from the process environment and user dirs.
type cliEnv struct {
	dir        string
	configPath string
	dbPath     string
}

func newCLIEnv(t *testing.T) cliEnv {
	t.Helper()
	for _, key := range []string{config.EnvConfigPath, config.EnvDBPath, config.EnvHTTPAddr, config.EnvLogLevel, config.EnvJWTSecret, config.EnvTracing} {
		t.Setenv(key, "")
	}
	dir := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", filepath.Join(dir, "config"))
	t.Setenv("XDG_DATA_HOME", filepath.Join(dir, "data"))
	return cliEnv{
		dir:        dir,
		configPath: filepath.Join(dir, "config.toml"),
		dbPath:     filepath.Join(dir, "trellis.db"),
	}
}

func (e cliEnv) run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	full := append([]string{"--dev=false", "--config", e.configPath, "--db", e.dbPath}, args...)
	err := run(context.Background(), full, &stdout, &stderr)
	return stdout.String(), err
}

func (e cliEnv) writeConfig(t *testing.T, body string) {
	t.Helper()
	if err := os.WriteFile(e.configPath, []byte(body), 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
}

func TestRunPaths(t *testing.T) {
	env := newCLIEnv(t)
	out, err := env.run(t, "paths")
	if err != nil {
		t.Fatalf("run(paths) error = %v", err)
	}
	for _, want := range []string{"app: trellis", "dev_mode: false", "config: " + env.configPath, "db: " + env.dbPath} {
		if !strings.Contains(out, want) {
			t.Fatalf("expected %q in output %q", want, out)
		}
	}
	if _, err := os.Stat(env.dbPath); !os.IsNotExist(err) {
		t.Fatalf("paths must not create the database, stat err = %v", err)
	}
}

func TestRunMigrateReportsSchemaVersion(t *testing.T) {
	env := newCLIEnv(t)
	out, err := env.run(t, "migrate")
	if err != nil {
		t.Fatalf("run(migrate) error = %v", err)
	}
	if !strings.Contains(out, "schema_version: ") || !strings.Contains(out, "dirty: false") {
		t.Fatalf("unexpected migrate output %q", out)
	}
	if strings.Contains(out, "schema_version: 0\n") {
		t.Fatalf("expected applied migrations, got %q", out)
	}
}

func TestRunStageEnsureAndList(t *testing.T) {
	env := newCLIEnv(t)
	env.writeConfig(t, "[stages]\nsystem = [\"Open\", \"Completed\"]\n")

	out, err := env.run(t, "stage", "ensure", "Blocked")
	if err != nil {
		t.Fatalf("run(stage ensure) error = %v", err)
	}
	if !strings.Contains(out, `"Blocked"`) || !strings.Contains(out, `"Open"`) {
		t.Fatalf("unexpected ensure output %q", out)
	}

	out, err = env.run(t, "stage", "list")
	if err != nil {
		t.Fatalf("run(stage list) error = %v", err)
	}
	if strings.Count(out, `"code"`) != 3 {
		t.Fatalf("expected three stages, got %q", out)
	}
}

func TestRunViewBoard(t *testing.T) {
	env := newCLIEnv(t)
	rootID := seedFolderWithTask(t, env.dbPath)

	out, err := env.run(t, "view", "board", "--root", rootID, "--as", "u1")
	if err != nil {
		t.Fatalf("run(view board) error = %v", err)
	}
	if !strings.Contains(out, `"columns"`) || !strings.Contains(out, "Write release notes") {
		t.Fatalf("unexpected board output %q", out)
	}

	out, err = env.run(t, "view", "list", "--root", rootID, "--as", "u1", "--filter", "importance=critical")
	if err != nil {
		t.Fatalf("run(view list) error = %v", err)
	}
	if strings.Contains(out, "Write release notes") {
		t.Fatalf("expected importance filter to hide the task, got %q", out)
	}

	if _, err := env.run(t, "view", "list", "--root", rootID, "--as", "u1", "--filter", "importance"); err == nil {
		t.Fatal("expected malformed filter error")
	}
	if _, err := env.run(t, "view", "board", "--root", rootID, "--as", "u2"); err == nil {
		t.Fatal("expected error for a caller without access to the root folder")
	}
}

// seedFolderWithTask writes one workflow, folder and placed task owned by u1.
func seedFolderWithTask(t *testing.T, dbPath string) string {
	t.Helper()
	repo, err := sqlite.Open(dbPath)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer func() {
		_ = repo.Close()
	}()
	ctx := context.Background()
	ids := 0
	svc := app.NewService(repo, repo, repo, func() string {
		ids++
		return fmt.Sprintf("seed-%d", ids)
	}, nil, app.ServiceConfig{})
	stages, err := svc.EnsureSystemStages(ctx, "Open")
	if err != nil {
		t.Fatalf("EnsureSystemStages() error = %v", err)
	}
	wf, err := svc.CreateWorkflow(ctx, app.CreateWorkflowInput{
		Title:   "Release",
		Active:  true,
		OwnerID: "u1",
		States: []domain.StateInput{
			{Ref: "open", Title: "Open", SystemStageID: stages[0].ID},
		},
	})
	if err != nil {
		t.Fatalf("CreateWorkflow() error = %v", err)
	}
	folder, err := svc.CreateFolder(ctx, app.CreateFolderInput{Title: "Launch", OwnerID: "u1", WorkflowID: wf.ID})
	if err != nil {
		t.Fatalf("CreateFolder() error = %v", err)
	}
	if _, err := svc.CreateTask(ctx, app.CreateTaskInput{
		Title:    "Write release notes",
		OwnerID:  "u1",
		FolderID: folder.ID,
		StateID:  wf.States[0].ID,
	}); err != nil {
		t.Fatalf("CreateTask() error = %v", err)
	}
	return folder.ID
}

func TestRunGrantPermission(t *testing.T) {
	env := newCLIEnv(t)
	out, err := env.run(t, "grant", "permission", "u7", "purge")
	if err != nil {
		t.Fatalf("run(grant permission) error = %v", err)
	}
	if !strings.Contains(out, "granted purge on task * to u7") {
		t.Fatalf("unexpected grant output %q", out)
	}

	repo, err := sqlite.Open(env.dbPath)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer func() {
		_ = repo.Close()
	}()
	ok, err := repo.HasPermission(context.Background(), "u7", domain.ActionPurge, domain.EntityTask, "task-1")
	if err != nil {
		t.Fatalf("HasPermission() error = %v", err)
	}
	if !ok {
		t.Fatal("expected wildcard purge grant to apply to task-1")
	}

	out, err = env.run(t, "grant", "permission", "u8", "manage_stages")
	if err != nil {
		t.Fatalf("run(grant manage_stages) error = %v", err)
	}
	if !strings.Contains(out, "granted manage_stages on stage * to u8") {
		t.Fatalf("unexpected grant output %q", out)
	}
	out, err = env.run(t, "grant", "permission", "u8", "manage_workflow", "--entity-id", "wf-9")
	if err != nil {
		t.Fatalf("run(grant manage_workflow) error = %v", err)
	}
	if !strings.Contains(out, "granted manage_workflow on workflow wf-9 to u8") {
		t.Fatalf("unexpected grant output %q", out)
	}
	ok, err = repo.HasPermission(context.Background(), "u8", domain.ActionManageStages, domain.EntityStage, domain.AnyEntity)
	if err != nil {
		t.Fatalf("HasPermission() error = %v", err)
	}
	if !ok {
		t.Fatal("expected manage_stages grant on the stage registry")
	}

	if _, err := env.run(t, "grant", "permission", "u7", "fly"); err == nil {
		t.Fatal("expected unknown action error")
	}
	if _, err := env.run(t, "grant", "access", "u7", "folder-1", "OWNER"); err == nil {
		t.Fatal("expected invalid access level error")
	}
}

func TestRunToken(t *testing.T) {
	env := newCLIEnv(t)
	if _, err := env.run(t, "token", "u1"); err == nil {
		t.Fatal("expected error without a configured secret")
	}

	secret := "0123456789abcdef0123"
	env.writeConfig(t, "[auth]\njwt_secret = \""+secret+"\"\njwt_issuer = \"trellis-test\"\n")
	out, err := env.run(t, "token", "u1", "--ttl", "1h")
	if err != nil {
		t.Fatalf("run(token) error = %v", err)
	}
	subject, err := common.ParseSubject(common.IdentityConfig{JWTSecret: secret, JWTIssuer: "trellis-test"}, strings.TrimSpace(out))
	if err != nil {
		t.Fatalf("ParseSubject() error = %v", err)
	}
	if subject != "u1" {
		t.Fatalf("subject = %q, want u1", subject)
	}
}

func TestRunRejectsUnknownCommand(t *testing.T) {
	env := newCLIEnv(t)
	if _, err := env.run(t, "explode"); err == nil {
		t.Fatal("expected unknown command error")
	}
}

func TestParseFilters(t *testing.T) {
	values, err := parseFilters([]string{"importance=high", "tag=ops", "tag= infra "})
	if err != nil {
		t.Fatalf("parseFilters() error = %v", err)
	}
	if values.Get("importance") != "high" || len(values["tag"]) != 2 || values["tag"][1] != "infra" {
		t.Fatalf("unexpected values %#v", values)
	}
	if _, err := parseFilters([]string{"=x"}); err == nil {
		t.Fatal("expected empty key error")
	}
}

func TestRuntimeLoggerWritesDevFile(t *testing.T) {
	dir := t.TempDir()
	var stderr bytes.Buffer
	now := func() time.Time { return time.Date(2026, 3, 9, 12, 0, 0, 0, time.UTC) }
	logger, err := newRuntimeLogger(&stderr, "trellis", true, config.LoggingConfig{
		Level:   "debug",
		DevFile: config.DevFileConfig{Enabled: true, Dir: dir},
	}, now)
	if err != nil {
		t.Fatalf("newRuntimeLogger() error = %v", err)
	}
	want := filepath.Join(dir, "trellis-20260309.log")
	if logger.DevLogPath() != want {
		t.Fatalf("DevLogPath() = %q, want %q", logger.DevLogPath(), want)
	}

	logger.Info("sqlite repository ready", "db_path", "/tmp/x.db")
	logger.SetConsoleEnabled(false)
	logger.Warn("file only")
	logger.Component("http").Info("http request", "status", 200)
	if err := logger.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	content, err := os.ReadFile(want)
	if err != nil {
		t.Fatalf("ReadFile() error = %v", err)
	}
	for _, line := range []string{"sqlite repository ready", "file only", "http request"} {
		if !strings.Contains(string(content), line) {
			t.Fatalf("expected %q in dev log %q", line, string(content))
		}
	}
	if strings.Contains(stderr.String(), "file only") || strings.Contains(stderr.String(), "http request") {
		t.Fatalf("console sink should be muted, got %q", stderr.String())
	}
	if !strings.Contains(stderr.String(), "sqlite repository ready") {
		t.Fatalf("expected console output before muting, got %q", stderr.String())
	}
}

func TestRuntimeLoggerRejectsInvalidLevel(t *testing.T) {
	if _, err := newRuntimeLogger(nil, "trellis", false, config.LoggingConfig{Level: "loud"}, nil); err == nil {
		t.Fatal("expected invalid level error")
	}
}

func TestRuntimeLoggerConsoleLevel(t *testing.T) {
	var stderr bytes.Buffer
	logger, err := newRuntimeLogger(&stderr, "trellis", false, config.LoggingConfig{Level: "warn"}, nil)
	if err != nil {
		t.Fatalf("newRuntimeLogger() error = %v", err)
	}
	if logger.DevLogPath() != "" {
		t.Fatalf("expected no dev log outside dev mode, got %q", logger.DevLogPath())
	}
	logger.Info("hidden")
	logger.Error("shown")
	if strings.Contains(stderr.String(), "hidden") || !strings.Contains(stderr.String(), "shown") {
		t.Fatalf("unexpected console output %q", stderr.String())
	}
	if logger.Component("app").GetLevel() != charmLog.WarnLevel {
		t.Fatal("component logger must inherit the configured level")
	}
}

func TestSanitizeLogFileStem(t *testing.T) {
	cases := map[string]string{
		"":               "trellis",
		" trellis-dev ":  "trellis-dev",
		"team/app:local": "team-app-local",
		"//":             "trellis",
	}
	for in, want := range cases {
		if got := sanitizeLogFileStem(in); got != want {
			t.Fatalf("sanitizeLogFileStem(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestWorkspaceRootFromFindsMarker(t *testing.T) {
	root := t.TempDir()
	if err := os.WriteFile(filepath.Join(root, "go.mod"), []byte("module example\n"), 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	nested := filepath.Join(root, "a", "b")
	if err := os.MkdirAll(nested, 0o755); err != nil {
		t.Fatalf("MkdirAll() error = %v", err)
	}
	if got := workspaceRootFrom(nested); got != root {
		t.Fatalf("workspaceRootFrom() = %q, want %q", got, root)
	}
}
