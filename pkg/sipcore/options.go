package sipcore

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

// SetOption takes one or more option function and applies them in order to Endpoint.
func (e *Endpoint) SetOption(options ...func(*Endpoint) error) error {
	for _, opt := range options {
		if err := opt(e); err != nil {
			return err
		}
	}
	return nil
}

// SetLogger sets the logger for Endpoint.
func SetLogger(lgr Logger) func(*Endpoint) error {
	return func(e *Endpoint) error {
		if lgr == nil {
			return fmt.Errorf("%w: nil logger", ErrConfiguration)
		}
		e.logger = lgr
		return nil
	}
}

// SetZapLogger is a shortcut for SetLogger(l.Sugar()).
func SetZapLogger(l *zap.Logger) func(*Endpoint) error {
	return func(e *Endpoint) error {
		if l == nil {
			return fmt.Errorf("%w: nil zap logger", ErrConfiguration)
		}
		e.logger = l.Sugar()
		return nil
	}
}

// AllowUnregisteredCalls lets MakeCall dial from accounts that are not (yet) registered,
// e.g. for deployments that accept outbound calls before registration or for
// engine-internal loopback calls.
func AllowUnregisteredCalls() func(*Endpoint) error {
	return func(e *Endpoint) error {
		e.allowUnregisteredCalls = true
		return nil
	}
}

// SetEventHandler delivers events by calling fn on the emitter goroutine instead of
// sending them on the channel returned by [Endpoint.GetEventChan].
// fn is called outside of any Endpoint lock and may issue Endpoint commands, including
// [Endpoint.Stop].
func SetEventHandler(fn func(Event)) func(*Endpoint) error {
	return func(e *Endpoint) error {
		e.eventHandler = fn
		return nil
	}
}

// SetEventBufferSize sets the capacity of the event channel returned by
// [Endpoint.GetEventChan]. Default is 100.
func SetEventBufferSize(n int) func(*Endpoint) error {
	return func(e *Endpoint) error {
		if n < 0 {
			return fmt.Errorf("%w: negative event buffer size", ErrConfiguration)
		}
		e.eventBufferSize = n
		return nil
	}
}

// SetShutdownTimeout sets how long [Endpoint.Stop] waits for the engine to end the live
// calls before terminating them locally. Default is 2 seconds.
func SetShutdownTimeout(d time.Duration) func(*Endpoint) error {
	return func(e *Endpoint) error {
		if d < 0 {
			return fmt.Errorf("%w: negative shutdown timeout", ErrConfiguration)
		}
		e.shutdownTimeout = d
		return nil
	}
}

// SetMetricsRegisterer registers the endpoint metrics on reg.
// Without this option metrics are collected but not exported.
func SetMetricsRegisterer(reg prometheus.Registerer) func(*Endpoint) error {
	return func(e *Endpoint) error {
		e.metricsRegisterer = reg
		return nil
	}
}
