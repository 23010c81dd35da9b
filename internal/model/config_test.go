package model_test

import (
	"strings"
	"testing"
	"time"

	"github.com/ofeklabautomations/scraperd/internal/model"
	"github.com/stretchr/testify/require"
)

func TestLoadConfig(t *testing.T) {
	yml := `
version: 0
service:
  listen: 127.0.0.1:8080
  log: stdout
  log_format: text
worker:
  root: /srv/scraper
  python: /usr/bin/python3.12
  timeout: 30m
  max_workers: 2
janitor:
  cron: "*/10 * * * *"
`
	cfg, err := model.LoadConfig(strings.NewReader(yml))
	require.NoError(t, err)
	require.Equal(t, "127.0.0.1:8080", cfg.Service.Listen)
	require.Equal(t, model.LogStdout, cfg.Service.Log)
	require.Equal(t, model.LogFormatText, cfg.Service.LogFormat)
	require.Equal(t, "/srv/scraper", cfg.Worker.Root)
	require.Equal(t, "/srv/scraper/output/jobs", cfg.Worker.JobsDir())
	require.Equal(t, "/usr/bin/python3.12", cfg.Worker.Python)
	require.Equal(t, 30*time.Minute, cfg.Worker.Timeout.D())
	require.Equal(t, 2, cfg.Worker.MaxWorkers)

	// untouched sections keep their defaults
	require.Equal(t, []string{"-m", "src.crawl"}, cfg.Worker.Args)
	require.Equal(t, 2*time.Second, cfg.Stream.Interval.D())
	require.Equal(t, time.Second, cfg.Download.CleanupDelay.D())

	interval, err := cfg.Janitor.Interval()
	require.NoError(t, err)
	require.Equal(t, 10*time.Minute, interval)
}

func TestLoadConfig_Defaults(t *testing.T) {
	cfg, err := model.LoadConfig(strings.NewReader("version: 0\n"))
	require.NoError(t, err)

	def := model.DefaultConfig(t.Context())
	require.Equal(t, def, cfg)
	require.Equal(t, ":3001", cfg.Service.Listen)
	require.Equal(t, model.LogFormatJSON, cfg.Service.LogFormat)
	require.Equal(t, 2*time.Hour, cfg.Worker.Timeout.D())
	require.Equal(t, 50, cfg.Worker.DefaultLimit)
	require.Equal(t, 3, cfg.Stream.MissingGrace)
	require.Equal(t,
		[]string{"products.csv", "documents.csv", "normalized_products.csv"},
		cfg.Download.Files)
	require.True(t, cfg.Janitor.Enabled)
	require.Equal(t, time.Hour, cfg.Janitor.RecordTTL.D())
}

func TestLoadConfig_Fail(t *testing.T) {
	t.Parallel()
	var testCases = []struct {
		scenario string
		yml      string
	}{
		{
			scenario: "unknown log format",
			yml:      "version: 0\nservice:\n  log_format: xml\n",
		},
		{
			scenario: "zero workers",
			yml:      "version: 0\nworker:\n  max_workers: 0\n",
		},
		{
			scenario: "bad duration",
			yml:      "version: 0\nworker:\n  timeout: forever\n",
		},
		{
			scenario: "unknown field",
			yml:      "version: 0\nservice:\n  mode: manual\n",
		},
		{
			scenario: "bad janitor interval",
			yml:      "version: 0\njanitor:\n  every: 5 minutes\n",
		},
	}

	for _, tc := range testCases {
		t.Run(tc.scenario, func(t *testing.T) {
			t.Parallel()
			_, err := model.LoadConfig(strings.NewReader(tc.yml))
			require.Error(t, err)
			details := model.CueErrDetails(err)
			require.NotEmpty(t, details)
			require.NotEmpty(t, details[0].Message)
		})
	}
}

func TestParseISODuration(t *testing.T) {
	t.Parallel()
	var testCases = []struct {
		scenario string
		given    string
		then     time.Duration
	}{
		{"minutes", "PT5M", 5 * time.Minute},
		{"hours and minutes", "PT1H30M", 90 * time.Minute},
		{"day and hours", "P1DT12H", 36 * time.Hour},
		{"fraction", "PT0.5S", 500 * time.Millisecond},
		{"comma fraction", "PT1,25S", 1250 * time.Millisecond},
	}

	for _, tc := range testCases {
		t.Run(tc.scenario, func(t *testing.T) {
			t.Parallel()
			d, err := model.ParseISODuration(tc.given)
			require.NoError(t, err)
			require.Equal(t, tc.then, d)
		})
	}
}

func TestParseISODuration_Fail(t *testing.T) {
	t.Parallel()
	for _, given := range []string{"", "P", "PT", "P1DT", "5m", "P1W", "PT1.5M"} {
		t.Run(given, func(t *testing.T) {
			t.Parallel()
			_, err := model.ParseISODuration(given)
			require.ErrorIs(t, err, model.ErrISOFormat)
		})
	}
}

func TestParseCron(t *testing.T) {
	t.Parallel()
	var testCases = []struct {
		scenario string
		given    string
		then     time.Duration
	}{
		{"every minute", "* * * * *", time.Minute},
		{"every ten minutes", "*/10 * * * *", 10 * time.Minute},
		{"hourly macro", "@hourly", time.Hour},
	}

	for _, tc := range testCases {
		t.Run(tc.scenario, func(t *testing.T) {
			t.Parallel()
			d, err := model.ParseCron(tc.given)
			require.NoError(t, err)
			require.Equal(t, tc.then, d)
		})
	}

	_, err := model.ParseCron("")
	require.Error(t, err)
	_, err = model.ParseCron("61 * * * *")
	require.Error(t, err)
}
