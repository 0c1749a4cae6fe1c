package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"optiq/internal/api"
	"optiq/internal/buildinfo"
	"optiq/internal/config"
	"optiq/internal/model"
	"optiq/internal/solver"
	"optiq/internal/travel"
)

var (
	cfgPath string
	verbose bool
)

var rootCmd = &cobra.Command{
	Use:   "optiqd",
	Short: "Constraint-based assignment engine",
	Long: `optiqd assigns mobile tasks to vehicles and shifts to employees under a
layered hard/medium/soft constraint model. It runs as an HTTP daemon with an
asynchronous job lifecycle, or solves a single problem file from the command
line.`,
	SilenceUsage: true,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API daemon",
	RunE:  runServe,
}

var solveCmd = &cobra.Command{
	Use:   "solve <problem.json>",
	Short: "Solve one problem file and print the solution",
	Args:  cobra.ExactArgs(1),
	RunE:  runSolve,
}

var solveExplain bool

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print build information",
	Run: func(cmd *cobra.Command, args []string) {
		info := buildinfo.Info()
		fmt.Printf("optiqd %s (%s) built %s with %s\n", info["version"], info["commit"], info["builtAt"], info["go"])
	},
}

func main() {
	rootCmd.PersistentFlags().StringVarP(&cfgPath, "config", "c", "optiq.yaml", "config file path")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")
	solveCmd.Flags().BoolVar(&solveExplain, "explain", false, "print the explanation document instead of the solution")
	rootCmd.AddCommand(serveCmd, solveCmd, versionCmd)
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func newLogger(cfg *config.Config) (*zap.Logger, error) {
	zc := zap.NewProductionConfig()
	if verbose || cfg.Verbose {
		zc.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	}
	return zc.Build()
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return err
	}
	log, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	srv, err := api.NewServer(cfg, log)
	if err != nil {
		return err
	}
	srv.Start()
	worker := srv.NewCallbackWorker()
	worker.Start()

	httpSrv := srv.HTTPServer()
	errCh := make(chan error, 1)
	go func() {
		log.Info("listening", zap.String("addr", httpSrv.Addr), zap.String("version", buildinfo.Version))
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	select {
	case err := <-errCh:
		return err
	case sig := <-stop:
		log.Info("shutting down", zap.String("signal", sig.String()))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(ctx); err != nil {
		log.Warn("http shutdown", zap.Error(err))
	}
	worker.Close()
	srv.Close()
	return nil
}

// runSolve loads a problem document, solves it in-process with the same code
// path the workers use, and prints the result to stdout.
func runSolve(cmd *cobra.Command, args []string) error {
	data, err := os.ReadFile(args[0])
	if err != nil {
		return err
	}
	var p model.Problem
	if err := json.Unmarshal(data, &p); err != nil {
		return fmt.Errorf("parse problem: %w", err)
	}
	if err := model.ValidateProblem(&p); err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	var mat *travel.Matrix
	if p.Kind != model.KindScheduling {
		prov := travel.NewCache(travel.Haversine{SpeedKph: p.Options.SpeedKph})
		mat, err = travel.BuildMatrix(ctx, prov, solver.Points(&p))
		if err != nil {
			return err
		}
	}
	sol, expl, _, err := solver.Solve(ctx, &p, mat, nil)
	if err != nil {
		return err
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if solveExplain {
		return enc.Encode(expl)
	}
	return enc.Encode(sol)
}
