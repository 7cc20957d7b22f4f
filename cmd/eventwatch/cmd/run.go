package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"sync"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	versioncollector "github.com/prometheus/client_golang/prometheus/collectors/version"
	"github.com/prometheus/common/version"
	"github.com/spf13/cobra"

	"github.com/eventwatch/eventwatch/internal/common"
	"github.com/eventwatch/eventwatch/internal/config"
	"github.com/eventwatch/eventwatch/internal/factory"
	"github.com/eventwatch/eventwatch/internal/log"
	"github.com/eventwatch/eventwatch/internal/stats"
	"github.com/eventwatch/eventwatch/pkg/watch"
)

var (
	conf *config.Config

	errAllWatchesFailed = errors.New("every watch failed")
)

// runCmd represents the run command
var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Watch the configured event logs until interrupted",
	PreRunE: func(cmd *cobra.Command, args []string) error {
		var err error

		conf, err = config.Parse(cfgFile)
		if err != nil {
			return fmt.Errorf("failed to parse config %s: %w", cfgFile, err)
		}

		err = conf.Validate()
		if err != nil {
			return fmt.Errorf("invalid config %s: %w", cfgFile, err)
		}

		// Init logger
		err = log.Init(conf.Logs)
		if err != nil {
			return fmt.Errorf("failed to init logger: %w", err)
		}

		logger := log.Logger()

		// Dump generic information
		logger.Info("Starting eventwatch",
			"version", version.Info(),
			"buildContext", version.BuildContext(),
		)
		logger.Info("Using config", "config", fmt.Sprintf("%+v", *conf))

		return nil
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		logger := log.Logger()

		// Set max procs based on cpu limits
		err := common.SetMaxProcs()
		if err != nil {
			return err
		}

		// Set max memory
		err = common.SetMemLimit()
		if err != nil {
			return err
		}

		// Single instance
		if conf.LockFile != "" {
			unlock, err := common.LockInstance(conf.LockFile)
			if err != nil {
				return err
			}

			defer func() {
				_ = unlock()
			}()
		}

		// Listen to sigterm and interrupt signals
		ctx := common.SetupSignalHandler(context.Background())

		err = run(ctx, conf)
		if err != nil {
			return err
		}

		logger.V(2).Info("Monitoring stopped")

		return nil
	},
}

func run(ctx context.Context, conf *config.Config) error {
	logger := log.Logger()
	clock := clockwork.NewRealClock()

	// Watch list
	targets, descriptions, err := loadWatchlist(conf.Watchlist)
	if err != nil {
		return err
	}

	// Metrics
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		versioncollector.NewCollector(programName),
	)

	metricsConfig := watch.MetricsConfig{Namespace: conf.Metrics.Namespace}

	metrics, err := watch.NewMetrics(registry, metricsConfig)
	if err != nil {
		return fmt.Errorf("failed to create metrics: %w", err)
	}

	// Reader
	reader, err := factory.CreateReader(conf.Reader)
	if err != nil {
		return err
	}

	reader, err = factory.DecorateReader(reader, conf.Reader, registry, metricsConfig)
	if err != nil {
		return err
	}

	// Sinks
	sinks, closeSinks, err := factory.CreateSinks(ctx, conf.Sinks, os.Stdout)
	if err != nil {
		return err
	}

	defer func() {
		err := closeSinks(context.Background())
		if err != nil {
			logger.Error(err, "Failed to close sinks")
		}
	}()

	var (
		collector *stats.Collector
		exporter  stats.Exporter
	)

	if conf.Stats.Enabled {
		exporter, err = createExporter(ctx, conf.Stats)
		if err != nil {
			return err
		}

		collector = stats.NewCollector(targets, descriptions, clock).WithLogger(logger.WithName("stats"))
		sinks = append(sinks, factory.NamedSink{Name: "stats", Sink: collector})
	}

	sink, err := factory.DecorateSinks(sinks, conf.Sinks.Retry, registry, metricsConfig)
	if err != nil {
		return err
	}

	// Supervisor
	supervisor := watch.NewSupervisor(reader, sink, descriptions, watch.Config{
		Loop: watch.LoopConfig{
			PollInterval: conf.Watch.PollInterval,
			BaseDelay:    conf.Watch.BaseDelay,
			MaxDelay:     conf.Watch.MaxDelay,
			MaxFailures:  conf.Watch.MaxFailures,
		},
		Queue: watch.QueueConfig{
			Size:  conf.Queue.Size,
			Grace: conf.Queue.Grace,
		},
	}).
		WithLogger(logger.WithName("supervisor")).
		WithClock(clock).
		WithMetrics(metrics)

	handle, err := supervisor.Start(ctx, targets)
	if err != nil {
		return err
	}

	// Metrics server
	server := factory.CreatePrometheusServer(conf.Metrics, registry, handle.Liveness)

	go func() {
		err := server.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error(err, "Metrics server stopped")
		}
	}()

	// Statistics
	statsCtx, stopStats := context.WithCancel(context.WithoutCancel(ctx))
	defer stopStats()

	var statsDone sync.WaitGroup

	if collector != nil {
		statsDone.Add(1)

		go func() {
			defer statsDone.Done()

			err := collector.Run(statsCtx, exporter, conf.Stats.Interval)
			if err != nil {
				logger.Error(err, "Statistics are not exported")
			}
		}()
	}

	// Wait for the end
	var ret error

	select {
	case <-ctx.Done():
		logger.V(0).Info("Stopping watches", "gracefulDuration", conf.GracefulDuration)
	case <-handle.Done():
		if ctx.Err() == nil {
			ret = errAllWatchesFailed
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), conf.GracefulDuration)
	defer cancel()

	err = handle.AwaitShutdown(shutdownCtx)
	if err != nil {
		logger.Error(err, "Watches did not stop in time", "alive", handle.Alive())
	}

	// Final export once every notification went through the collector
	stopStats()
	statsDone.Wait()

	err = server.Shutdown(shutdownCtx)
	if err != nil {
		logger.Error(err, "Failed to stop metrics server")
	}

	return ret
}

func createExporter(ctx context.Context, conf config.Stats) (stats.Exporter, error) {
	exporters := []stats.Exporter{stats.NewFileExporter(conf.Directory)}

	if conf.S3.Bucket != "" {
		client, err := factory.CreateS3Client(ctx, conf.S3)
		if err != nil {
			return nil, err
		}

		exporters = append(exporters, stats.NewS3Exporter(client, conf.S3.Bucket, conf.S3.KeyPrefix))
	}

	return stats.NewParallelExporter(exporters...), nil
}

func init() {
	rootCmd.AddCommand(runCmd)
}
