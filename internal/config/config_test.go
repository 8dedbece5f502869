package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/caseharvest/internal/coordinator"
	"github.com/JakeFAU/caseharvest/internal/harvest"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadDefaults(t *testing.T) {
	t.Parallel()

	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, 4, cfg.Scheduler.WorkerBudget)
	require.Equal(t, 3, cfg.Scheduler.MaxAttempts)
	require.Equal(t, 45*time.Second, cfg.Traversal.PageTimeout)
	require.Equal(t, DriverChromedp, cfg.Driver.Kind)
	require.Equal(t, "output", cfg.Store.RootDir)
	require.Equal(t, string(coordinator.CorruptAbort), cfg.Store.OnCorrupt)
	require.True(t, cfg.Retrieval.Enabled)
	require.False(t, cfg.Server.Enabled)

	scope, err := cfg.ScopeSpec()
	require.NoError(t, err)
	require.Equal(t, harvest.KnownRegistries, scope.Registries)
	require.Equal(t, harvest.KnownCaseTypes, scope.CaseTypes)
	require.Equal(t, harvest.DefaultYearRanges, scope.YearRanges)
}

func TestLoadWithFileOverrides(t *testing.T) {
	t.Parallel()

	path := writeConfig(t, `
scope:
  registries: [Lahore, K]
  case_types: ["Crl.Sh.P.", "1"]
  year_ranges: ["2020-2024", "2025"]
scheduler:
  worker_budget: 6
  allocation:
    "2024": 3
    "2023": 1
  max_attempts: 2
  restart_backoff: 5s
traversal:
  page_timeout: 30s
  max_pages: 40
store:
  root_dir: /var/lib/caseharvest
  on_corrupt: quarantine
driver:
  kind: replay
  fixtures: fixtures.json
  selectors:
    results: "#gvCases"
storage:
  kind: gcs
  gcs_bucket: case-docs
  prefix: harvest
pubsub:
  project_id: proj
  topic: runs
server:
  enabled: true
  port: 9090
logging:
  development: true
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, 6, cfg.Scheduler.WorkerBudget)
	require.Equal(t, 5*time.Second, cfg.Scheduler.RestartBackoff)
	require.Equal(t, 30*time.Second, cfg.Traversal.PageTimeout)
	require.Equal(t, 40, cfg.Traversal.MaxPages)
	require.Equal(t, "quarantine", cfg.Store.OnCorrupt)
	require.Equal(t, DriverReplay, cfg.Driver.Kind)
	require.Equal(t, "#gvCases", cfg.Driver.Selectors.Results)
	require.Equal(t, "case-docs", cfg.Storage.GCSBucket)
	require.Equal(t, 9090, cfg.Server.Port)
	require.True(t, cfg.Logging.Development)

	alloc, err := cfg.AllocationByYear()
	require.NoError(t, err)
	require.Equal(t, map[int]int{2024: 3, 2023: 1}, alloc)

	scope, err := cfg.ScopeSpec()
	require.NoError(t, err)
	require.Equal(t, []harvest.Registry{harvest.RegistryLahore, harvest.RegistryKarachi}, scope.Registries)
	require.Equal(t, []string{"9", "1"}, []string{scope.CaseTypes[0].Value, scope.CaseTypes[1].Value})
	require.Equal(t, []harvest.YearRange{{From: 2020, To: 2024}, {From: 2025, To: 2025}}, scope.YearRanges)

	hc := cfg.HeadlessConfig()
	require.Equal(t, cfg.Driver.BaseURL, hc.BaseURL)
	require.Equal(t, "#gvCases", hc.Selectors.Results)
}

func TestLoadRejectsInvalid(t *testing.T) {
	t.Parallel()

	cases := map[string]string{
		"budget":     "scheduler:\n  worker_budget: 0\n",
		"corrupt":    "store:\n  on_corrupt: ignore\n",
		"driver":     "driver:\n  kind: selenium\n",
		"replay":     "driver:\n  kind: replay\n",
		"storage":    "storage:\n  kind: s3\n",
		"gcs":        "storage:\n  kind: gcs\n",
		"pubsub":     "pubsub:\n  topic: runs\n",
		"registry":   "scope:\n  registries: [Mars]\n",
		"case type":  "scope:\n  case_types: [X.Y.]\n",
		"year range": "scope:\n  year_ranges: [2024-2020]\n",
		"overlap":    "scope:\n  year_ranges: [2023-2024, \"2024\"]\n",
		"allocation": "scheduler:\n  allocation:\n    next: 2\n",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			_, err := Load(writeConfig(t, body))
			require.Error(t, err)
		})
	}
}

func TestScopeSpecDropsDuplicateYearRanges(t *testing.T) {
	t.Parallel()

	cfg, err := Load(writeConfig(t, "scope:\n  year_ranges: [2020-2024, \"2025\", 2020-2024]\n"))
	require.NoError(t, err)
	scope, err := cfg.ScopeSpec()
	require.NoError(t, err)
	require.Equal(t, []harvest.YearRange{{From: 2020, To: 2024}, {From: 2025, To: 2025}}, scope.YearRanges)
}

func TestLoadMissingFile(t *testing.T) {
	t.Parallel()

	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("CASEHARVEST_SCHEDULER_WORKER_BUDGET", "9")

	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, 9, cfg.Scheduler.WorkerBudget)
}
