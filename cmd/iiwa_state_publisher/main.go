// Command iiwa_state_publisher hosts the joint state publishing task the
// way the robot controller would: Initialize, Run on its own goroutine,
// and Dispose on SIGINT or SIGTERM.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/edwinhayes/iiwastate/config"
	"github.com/edwinhayes/iiwastate/metrics"
	"github.com/edwinhayes/iiwastate/ros"
	"github.com/edwinhayes/iiwastate/task"
	modular "github.com/edwinhayes/logrus-modular"
)

func main() {
	configPath := flag.String("config", "", "YAML configuration file")
	robotName := flag.String("robot", "", "robot name, overrides robot_name")
	masterURI := flag.String("master", "", "ROS master URI, overrides master_uri and ROS_MASTER_URI")
	logLevel := flag.String("log-level", "", `log level, overrides log_level; e.g. "info,ros.publisher=debug"`)
	flag.Parse()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	if *robotName != "" {
		cfg.RobotName = *robotName
	}
	if *masterURI != "" {
		cfg.MasterURI = *masterURI
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}

	logger, err := ros.NewLogger(cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "log_level: %v\n", err)
		os.Exit(2)
	}
	os.Exit(run(cfg, logger))
}

func loadConfig(path string) (config.Config, error) {
	if path == "" {
		return config.Parse(nil)
	}
	return config.Load(path)
}

func run(cfg config.Config, logger modular.RootLogger) int {
	log := ros.ModuleLogger(logger, "main")
	recorder := metrics.NewPublisher(cfg.RobotName)

	var metricsServer *http.Server
	if cfg.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", recorder.Handler())
		metricsServer = &http.Server{Addr: cfg.MetricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.WithError(err).Error("metrics server failed")
			}
		}()
		log.Infof("serving metrics on %s", cfg.MetricsAddr)
	}

	t := task.New(cfg, task.Dependencies{Logger: logger, Recorder: recorder})
	t.Initialize()

	done := make(chan struct{})
	go func() {
		defer close(done)
		t.Run()
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	select {
	case <-ctx.Done():
		log.Info("signal received, stopping")
		t.OnApplicationStateChanged(task.ApplicationStopping)
		t.Dispose()
		<-done
	case <-done:
		t.Dispose()
	}

	if metricsServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			log.WithError(err).Warn("stopping metrics server")
		}
		cancel()
	}

	if err := t.Err(); err != nil {
		log.WithError(err).Error("task stopped with an error")
		return 1
	}
	return 0
}
