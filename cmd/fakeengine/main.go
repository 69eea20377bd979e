package main

import (
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"
)

func main() {
	if err := buildRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// buildRootCmd wires the fakeengine flag surface the way testctl's own
// root command is built: flags bound into a config struct (plus the --dir
// and --capabilities strings) read by RunE.
func buildRootCmd() *cobra.Command {
	cfg := engineConfig{
		TelemetryInterval: 250 * time.Millisecond,
		ModelLoadedDelay:  500 * time.Millisecond,
	}
	var dir string
	var capSpec string

	root := &cobra.Command{
		Use:           "fakeengine",
		Short:         "Test double standing in for the real inference engine subprocess",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if dir == "" {
				return fmt.Errorf("--dir is required")
			}
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return err
			}
			cfg.RequestsPath = filepath.Join(dir, "pie_requests.ipc")
			cfg.ResponsesPath = filepath.Join(dir, "pie_responses.ipc")
			cfg.ManagementPath = filepath.Join(dir, "pie_management.ipc")
			cfg.Capabilities = parseCapabilities(capSpec)

			for _, p := range []string{cfg.RequestsPath, cfg.ResponsesPath, cfg.ManagementPath} {
				_ = os.Remove(p)
			}

			e := newEngine(cfg)

			sig := make(chan os.Signal, 1)
			signal.Notify(sig, syscall.SIGTERM, syscall.SIGINT)
			go func() {
				<-sig
				e.shutdown()
			}()

			return e.run()
		},
	}

	root.Flags().StringVar(&dir, "dir", "", "IPC directory to create the three socket files in")
	root.Flags().DurationVar(&cfg.TelemetryInterval, "telemetry-interval", cfg.TelemetryInterval, "interval between telemetry broadcasts")
	root.Flags().DurationVar(&cfg.ModelLoadedDelay, "model-loaded-delay", cfg.ModelLoadedDelay, "delay before emitting model_loaded when --async is set")
	root.Flags().BoolVar(&cfg.Async, "async", false, "reply \"accepted\" to load_model and emit model_loaded later, instead of replying \"ok\" inline")
	root.Flags().BoolVar(&cfg.CrashOnLoad, "crash-on-load", false, "exit(1) instead of answering load_model, to exercise lease/registry failure paths")
	root.Flags().StringVar(&capSpec, "capabilities", "", "capabilities to report on load_model, as \"name=1,2;name2=3\"")

	return root
}
