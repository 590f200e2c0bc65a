// Package alerts reports pipeline errors to the log and, when configured,
// to Sentry.
package alerts

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/sirupsen/logrus"
)

// Capturer is the subset of *sentry.Hub the sink needs.
type Capturer interface {
	CaptureException(err error) *sentry.EventID
	Flush(timeout time.Duration) bool
}

// Sink receives errors from components that must not fail on them.
type Sink struct {
	logger   logrus.FieldLogger
	hub      *sentry.Hub
	capture  func(err error, tags map[string]string)
	flush    func(timeout time.Duration) bool
	reported atomic.Int64
}

// New returns a sink. An empty dsn logs only.
func New(dsn, environment string, logger logrus.FieldLogger) (*Sink, error) {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	s := &Sink{logger: logger.WithField("component", "alerts")}
	if dsn == "" {
		return s, nil
	}

	client, err := sentry.NewClient(sentry.ClientOptions{
		Dsn:         dsn,
		Environment: environment,
	})
	if err != nil {
		return nil, fmt.Errorf("init sentry: %w", err)
	}
	s.hub = sentry.NewHub(client, sentry.NewScope())
	s.capture = func(err error, tags map[string]string) {
		hub := s.hub.Clone()
		hub.ConfigureScope(func(scope *sentry.Scope) {
			for k, v := range tags {
				scope.SetTag(k, v)
			}
		})
		hub.CaptureException(err)
	}
	s.flush = s.hub.Flush
	return s, nil
}

// WithCapturer routes captures to c instead of a DSN-backed hub.
func (s *Sink) WithCapturer(c Capturer) *Sink {
	s.capture = func(err error, _ map[string]string) { c.CaptureException(err) }
	s.flush = c.Flush
	return s
}

// OnError logs err with its origin and forwards it to Sentry when enabled.
func (s *Sink) OnError(_ context.Context, err error, module, function string) {
	if err == nil {
		return
	}
	s.reported.Add(1)
	s.logger.WithError(err).WithFields(logrus.Fields{
		"module":     module,
		"function":   function,
		"error_type": fmt.Sprintf("%T", err),
	}).Error("component error")

	if s.capture != nil {
		s.capture(err, map[string]string{"module": module, "function": function})
	}
}

// Reported counts errors passed to OnError.
func (s *Sink) Reported() int64 { return s.reported.Load() }

// Flush waits for queued Sentry events.
func (s *Sink) Flush(timeout time.Duration) bool {
	if s.flush == nil {
		return true
	}
	return s.flush(timeout)
}
