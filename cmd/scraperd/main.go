package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime/debug"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/ofeklabautomations/scraperd/internal/log"
	"github.com/ofeklabautomations/scraperd/internal/model"
	"github.com/ofeklabautomations/scraperd/internal/service"
)

var (
	userConfigPath string // /default/config/path/scraperd on given OS
	configPath     string // actual config file used (if loaded)
	config         model.Config
	closeLog       = func() error { return nil }

	flagConfigFilePath string // value of --config flag
	flagVerbose        bool   // value of --verbose flag

	overrides = service.NewViper()
)

func init() {
	d, err := os.UserConfigDir()
	if err != nil {
		// no $HOME, e.g. in a minimal container
		d = "."
	}
	userConfigPath = filepath.Join(d, "scraperd")
}

func main() {
	// root flags
	rootCmd.PersistentFlags().StringVar(&flagConfigFilePath, "config", "", "Config file to load - default is scraperd.yaml in current directory or in "+userConfigPath)
	rootCmd.PersistentFlags().BoolVar(&flagVerbose, "verbose", false, "verbose logging")

	serveCmd.Flags().String("listen", "", "address to listen on, overrides service.listen")
	serveCmd.Flags().String("root", "", "worker working directory, overrides worker.root (env SCRAPER_ROOT)")
	serveCmd.Flags().String("python", "", "worker executable, overrides worker.python (env PYTHON_PATH)")
	serveCmd.Flags().Duration("timeout", 0, "worker timeout, overrides worker.timeout")
	for _, name := range []string{"listen", "root", "python", "timeout"} {
		if err := overrides.BindPFlag(name, serveCmd.Flags().Lookup(name)); err != nil {
			panic(err)
		}
	}
	configCmd.Flags().AddFlagSet(serveCmd.Flags())
	if err := overrides.BindPFlag("verbose", rootCmd.PersistentFlags().Lookup("verbose")); err != nil {
		panic(err)
	}

	// never print messages
	rootCmd.SilenceErrors = true

	// parse or create a config, setup logging
	rootCmd.PersistentPreRunE = initScraperd
	rootCmd.PersistentPostRunE = func(*cobra.Command, []string) error {
		return closeLog()
	}

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(versionCmd)

	if err := rootCmd.Execute(); err != nil {
		slog.Error("scraperd failed", "err", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:          "scraperd",
	Short:        "Runs extraction workers and streams their progress",
	SilenceUsage: true,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "serve starts the HTTP API and supervises extraction workers",
	RunE:  doServe,
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "config prints the effective configuration",
	RunE: func(cmd *cobra.Command, _ []string) error {
		if configPath != "" {
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "# %s\n", configPath)
		}
		enc := yaml.NewEncoder(cmd.OutOrStdout())
		defer func() {
			_ = enc.Close()
		}()
		return enc.Encode(config)
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "version provide version of a scraperd",
	Run: func(cmd *cobra.Command, args []string) {
		info, ok := debug.ReadBuildInfo()
		if !ok {
			fmt.Println("scraperd: version info not available")
			return
		}

		if configPath != "" {
			fmt.Printf("config:   %s\n", configPath)
		}
		fmt.Printf("scraperd: %s\n", info.Main.Version)
		fmt.Printf("go:       %s\n", info.GoVersion)
		for _, s := range info.Settings {
			switch s.Key {
			case "vcs.revision":
				fmt.Printf("commit:   %s\n", s.Value)
			case "vcs.time":
				fmt.Printf("date:     %s\n", s.Value)
			case "vcs.modified":
				fmt.Printf("dirty:    %s\n", s.Value)
			}
		}
		fmt.Println()
	},
}

func initScraperd(cmd *cobra.Command, _ []string) error {
	if envConfig, ok := os.LookupEnv("SCRAPERD_CONFIG"); ok {
		configPath = envConfig
	} else if flagConfigFilePath != "" {
		configPath = flagConfigFilePath
	} else {
		for _, d := range []string{".", userConfigPath} {
			path := filepath.Join(d, "scraperd.yaml")
			if exists(path) {
				configPath = path
				break
			}
		}
	}

	// store default configuration
	if configPath == "" {
		var err error
		config, configPath, err = storeDefault(cmd.Context())
		if err != nil {
			return err
		}
	} else {
		f, err := os.Open(configPath)
		if err != nil {
			return fmt.Errorf("opening config file: %w", err)
		}
		defer func() {
			_ = f.Close()
		}()
		config, err = model.LoadConfig(f)
		if err != nil {
			for _, d := range model.CueErrDetails(err) {
				slog.Error("invalid configuration", d.Attr("detail"))
			}
			return fmt.Errorf("parsing config: %w", err)
		}
	}

	var err error
	config, err = applyOverrides(overrides, config)
	if err != nil {
		return err
	}

	// initialize logging
	logger, closeFn, err := log.New(log.Options{
		Verbose: config.Service.Verbose,
		Output:  config.Service.Log,
		Format:  config.Service.LogFormat,
	})
	if err != nil {
		return err
	}
	closeLog = closeFn
	slog.SetDefault(logger)

	slog.Debug("scraperd init", "config_path", configPath)
	slog.Debug("scraperd init", "config", config)
	return nil
}

// applyOverrides merges flags and environment into cfg, --verbose has a
// precedence over config file.
func applyOverrides(v *viper.Viper, cfg model.Config) (model.Config, error) {
	o, err := service.ParseOverrides(v)
	if err != nil {
		return cfg, fmt.Errorf("parsing flags and environment: %w", err)
	}
	return o.Apply(cfg), nil
}

func storeDefault(ctx context.Context) (model.Config, string, error) {
	cfg := model.DefaultConfig(ctx)
	path := filepath.Join(userConfigPath, "scraperd.yaml")
	err := os.MkdirAll(filepath.Dir(path), 0755)
	if err != nil {
		return cfg, "", fmt.Errorf("creating directory %s: %w", filepath.Dir(path), err)
	}

	f, err := os.Create(path)
	if err != nil {
		return cfg, "", fmt.Errorf("creating file %s: %w", path, err)
	}
	defer func() {
		_ = f.Close()
	}()
	enc := yaml.NewEncoder(f)
	if err := enc.Encode(cfg); err != nil {
		return cfg, "", fmt.Errorf("storing configuration: %w", err)
	}
	if err := enc.Close(); err != nil {
		return cfg, "", fmt.Errorf("storing configuration: %w", err)
	}
	return cfg, path, nil
}

func exists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}
