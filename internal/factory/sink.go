package factory

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/eventwatch/eventwatch/internal/common"
	"github.com/eventwatch/eventwatch/internal/config"
	"github.com/eventwatch/eventwatch/internal/sink/console"
	"github.com/eventwatch/eventwatch/internal/sink/kafka"
	"github.com/eventwatch/eventwatch/internal/sink/kube"
	"github.com/eventwatch/eventwatch/internal/sink/valkey"
	"github.com/eventwatch/eventwatch/pkg/watch"
)

var ErrNoSink = errors.New("no sink enabled")

type NamedSink struct {
	Name string
	Sink watch.Sink
}

// CreateSinks creates every enabled sink. The returned CloseFunc releases the
// clients of all of them.
func CreateSinks(ctx context.Context, conf config.Sinks, output io.Writer) ([]NamedSink, common.CloseFunc, error) {
	var (
		ret     []NamedSink
		closers []common.CloseFunc
	)

	closeAll := func(ctx context.Context) error {
		var errs []error

		for _, c := range closers {
			errs = append(errs, c(ctx))
		}

		return errors.Join(errs...)
	}

	fail := func(err error) ([]NamedSink, common.CloseFunc, error) {
		_ = closeAll(ctx)

		return nil, nil, err
	}

	if conf.Console.Enabled {
		sink, err := console.NewSink(output, conf.Console.Format)
		if err != nil {
			return fail(fmt.Errorf("failed to create console sink: %w", err))
		}

		ret = append(ret, NamedSink{Name: "console", Sink: sink})
	}

	if conf.Kafka.Enabled {
		producer, closeFunc, err := CreateKafkaProducer(conf.Kafka)
		if err != nil {
			return fail(err)
		}

		closers = append(closers, closeFunc)
		ret = append(ret, NamedSink{Name: "kafka", Sink: kafka.NewSink(producer, conf.Kafka.Topic)})
	}

	if conf.Valkey.Enabled {
		client, closeFunc, err := CreateValkeyClient(ctx, conf.Valkey)
		if err != nil {
			return fail(err)
		}

		closers = append(closers, closeFunc)
		ret = append(ret, NamedSink{Name: "valkey", Sink: valkey.NewSink(client, conf.Valkey.Stream, conf.Valkey.MaxLen)})
	}

	if conf.Kube.Enabled {
		client, err := CreateKubeClient(conf.Kube)
		if err != nil {
			return fail(err)
		}

		ret = append(ret, NamedSink{Name: "kube", Sink: kube.NewSink(client, conf.Kube.Namespace, conf.Kube.Component)})
	}

	return ret, closeAll, nil
}

/*
 * DecorateSinks decorates the sinks as follow:
 *
 *                                 ---> error count --> retry --> sink 1
 *  panic --> count --> lag --> parallel ---|
 *                                 ---> error count --> retry --> sink n
 */
func DecorateSinks(sinks []NamedSink, retryConfig config.Retry, registry prometheus.Registerer, metricsConfig watch.MetricsConfig) (watch.Sink, error) {
	if len(sinks) == 0 {
		return nil, ErrNoSink
	}

	decorated := make([]watch.Sink, 0, len(sinks))

	for _, s := range sinks {
		sink := watch.NewRetrySink(s.Sink, watch.RetryConfig{
			MaxAttempt: retryConfig.MaxAttempt,
			Delay:      retryConfig.Delay,
		})

		sink, err := watch.NewErrorCountSink(sink, s.Name, registry, metricsConfig)
		if err != nil {
			return nil, fmt.Errorf("failed to create error count sink for %s: %w", s.Name, err)
		}

		decorated = append(decorated, sink)
	}

	ret := watch.NewParallelSink(decorated...)

	ret, err := watch.NewLagMetricsSink(ret, registry, clockwork.NewRealClock(), metricsConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create lag metrics sink: %w", err)
	}

	ret, err = watch.NewCountSink(ret, registry, metricsConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create count sink: %w", err)
	}

	ret = watch.NewPanicHandlerSink(ret)

	return ret, nil
}
