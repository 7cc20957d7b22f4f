package factory

import (
	"fmt"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/time/rate"

	"github.com/eventwatch/eventwatch/internal/config"
	"github.com/eventwatch/eventwatch/internal/log"
	"github.com/eventwatch/eventwatch/internal/reader/jsonl"
	"github.com/eventwatch/eventwatch/internal/reader/wmi"
	"github.com/eventwatch/eventwatch/pkg/watch"
)

func CreateReader(conf config.Reader) (watch.LogReader, error) {
	switch conf.Driver {
	case config.ReaderDriverWMI:
		ret := wmi.NewReader(wmi.Config{
			Namespace: conf.WMI.Namespace,
			User:      conf.WMI.Creds.User,
			Password:  conf.WMI.Creds.Password,
		}).WithLogger(log.Logger().WithName("wmi"))

		return ret, nil
	case config.ReaderDriverJSONL:
		if conf.JSONL.Directory == "" {
			return nil, fmt.Errorf("%w: reader.jsonl.directory is required", watch.ErrConfiguration)
		}

		return jsonl.NewReader(conf.JSONL.Directory).WithLogger(log.Logger().WithName("jsonl")), nil
	default:
		return nil, fmt.Errorf("%w: unexpected reader driver %v", watch.ErrConfiguration, conf.Driver)
	}
}

/*
 * DecorateReader decorates the reader as follow:
 *
 * rate limit --> duration --> timeout --> panic --> main (wmi | jsonl)
 *
 * The panic handler sits below the timeout since the timeout runs calls in their own goroutine.
 */
func DecorateReader(mainReader watch.LogReader, conf config.Reader, registry prometheus.Registerer, metricsConfig watch.MetricsConfig) (watch.LogReader, error) {
	ret := mainReader

	ret = watch.NewPanicHandlerReader(ret)
	ret = watch.NewTimeoutReader(ret, conf.Timeout)

	ret, err := watch.NewDurationMetricsReader(ret, registry, clockwork.NewRealClock(), metricsConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create duration metrics reader: %w", err)
	}

	if conf.RateLimit > 0 {
		burst := conf.Burst
		if burst < 1 {
			burst = 1
		}

		ret = watch.NewRateLimitedReader(ret, rate.NewLimiter(rate.Limit(conf.RateLimit), burst))
	}

	return ret, nil
}
