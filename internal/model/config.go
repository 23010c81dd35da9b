package model

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/encoding/yaml"

	_ "embed"
)

const (
	LogStderr  = "stderr"
	LogStdout  = "stdout"
	LogDiscard = "discard"

	LogFormatJSON = "json"
	LogFormatText = "text"
)

//go:embed config.cue
var cueSource []byte

var (
	cueCtx *cue.Context
	schema cue.Value
)

func init() {
	if len(cueSource) == 0 {
		panic("variable cueSource is empty")
	}
	cueCtx = cuecontext.New()
	compiled := cueCtx.CompileBytes(cueSource)
	if compiled.Err() != nil {
		panic(compiled.Err())
	}

	schema = compiled.LookupPath(cue.ParsePath("#Config"))
	if schema.Err() != nil {
		panic(schema.Err())
	}
}

type Config struct {
	Version  int      `json:"version" yaml:"version"` // fixed 0 for now
	Service  Service  `json:"service" yaml:"service"`
	Worker   Worker   `json:"worker" yaml:"worker"`
	Stream   Stream   `json:"stream" yaml:"stream"`
	Download Download `json:"download" yaml:"download"`
	Janitor  Janitor  `json:"janitor" yaml:"janitor"`
}

// Service holds the HTTP listener and logging settings.
type Service struct {
	Listen         string   `json:"listen" yaml:"listen"`
	Verbose        bool     `json:"verbose" yaml:"verbose"`
	Log            string   `json:"log" yaml:"log"` // "stderr"|"stdout"|"discard"|path
	LogFormat      string   `json:"log_format" yaml:"log_format"`
	AllowedOrigins []string `json:"allowed_origins" yaml:"allowed_origins"`
}

// Worker describes how the external extraction program is launched.
type Worker struct {
	Root         string   `json:"root" yaml:"root"`     // working directory, output/jobs lives below it
	Python       string   `json:"python" yaml:"python"` // interpreter or any executable
	Args         []string `json:"args" yaml:"args"`     // prepended to the per-job arguments
	Timeout      Duration `json:"timeout" yaml:"timeout"`
	MaxWorkers   int      `json:"max_workers" yaml:"max_workers"`
	DefaultLimit int      `json:"default_limit" yaml:"default_limit"`
	MaxLimit     int      `json:"max_limit" yaml:"max_limit"`
}

// JobsDir is the parent directory of every job output directory.
func (w Worker) JobsDir() string {
	return filepath.Join(w.Root, "output", "jobs")
}

type Stream struct {
	Interval     Duration `json:"interval" yaml:"interval"`
	MissingGrace int      `json:"missing_grace" yaml:"missing_grace"`
}

type Download struct {
	CleanupDelay  Duration `json:"cleanup_delay" yaml:"cleanup_delay"`
	Files         []string `json:"files" yaml:"files"`
	ResultsDir    string   `json:"results_dir" yaml:"results_dir"`
	ArchivePrefix string   `json:"archive_prefix" yaml:"archive_prefix"`
}

// Janitor configures eviction of finished jobs. Every is an ISO8601
// duration, Cron a 5 field expression; Cron wins when both are set.
type Janitor struct {
	Enabled   bool     `json:"enabled" yaml:"enabled"`
	Every     string   `json:"every" yaml:"every"`
	Cron      string   `json:"cron" yaml:"cron"`
	RecordTTL Duration `json:"record_ttl" yaml:"record_ttl"`
	DirTTL    Duration `json:"dir_ttl" yaml:"dir_ttl"`
}

// LoadConfig validates YAML from r against CUE schema and decodes to Config.
func LoadConfig(r io.Reader) (Config, error) {
	yamlFile, err := yaml.Extract("scraperd.yaml", r)
	if err != nil {
		return Config{}, err
	}
	yamlValue := cueCtx.BuildFile(yamlFile)

	unified := schema.Unify(yamlValue)
	if err := unified.Validate(
		cue.All(),          // all constraints
		cue.Concrete(true), // no incomplete values
	); err != nil {
		return Config{}, err
	}

	var out Config
	if err := unified.Decode(&out); err != nil {
		return Config{}, err
	}

	if err := out.Janitor.validate(); err != nil {
		return Config{}, err
	}
	return out, nil
}

// DefaultConfig returns the configuration used when no file exists.
// It is derived from the schema defaults, so both never drift apart.
func DefaultConfig(ctx context.Context) Config {
	var out Config
	if err := schema.Decode(&out); err != nil {
		slog.WarnContext(ctx, "decoding schema defaults", "error", err)
		return fallbackConfig()
	}
	return out
}

func fallbackConfig() Config {
	return Config{
		Service: Service{
			Listen:         ":3001",
			Log:            LogStderr,
			LogFormat:      LogFormatJSON,
			AllowedOrigins: []string{"http://localhost:3000"},
		},
		Worker: Worker{
			Root:         ".",
			Python:       "python3",
			Args:         []string{"-m", "src.crawl"},
			Timeout:      Duration(2 * time.Hour),
			MaxWorkers:   4,
			DefaultLimit: 50,
			MaxLimit:     1000,
		},
		Stream: Stream{
			Interval:     Duration(2 * time.Second),
			MissingGrace: 3,
		},
		Download: Download{
			CleanupDelay:  Duration(time.Second),
			Files:         []string{"products.csv", "documents.csv", "normalized_products.csv"},
			ResultsDir:    "files",
			ArchivePrefix: "hvac-scraper-results-",
		},
		Janitor: Janitor{
			Enabled:   true,
			Every:     "PT5M",
			RecordTTL: Duration(time.Hour),
			DirTTL:    Duration(24 * time.Hour),
		},
	}
}
