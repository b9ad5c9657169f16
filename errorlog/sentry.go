package errorlog

import (
	"context"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/getsentry/sentry-go"
)

// SentryConfig configures a SentrySink.
type SentryConfig struct {
	DSN         string
	Environment string
	Release     string
	Debug       bool
	// FlushTimeout is used by Flush when ctx has no deadline.
	FlushTimeout time.Duration
}

// SentrySink forwards reports to Sentry through a dedicated hub.
type SentrySink struct {
	hub          *sentry.Hub
	flushTimeout time.Duration
}

var _ RemoteSink = (*SentrySink)(nil)

// NewSentrySink creates a Sentry client for cfg. Events are scrubbed before
// they leave the process.
func NewSentrySink(cfg SentryConfig) (*SentrySink, error) {
	client, err := sentry.NewClient(sentry.ClientOptions{
		Dsn:              cfg.DSN,
		Environment:      cfg.Environment,
		Release:          cfg.Release,
		Debug:            cfg.Debug,
		AttachStacktrace: true,
		BeforeSend:       scrubEvent,
	})
	if err != nil {
		return nil, err
	}
	timeout := cfg.FlushTimeout
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &SentrySink{
		hub:          sentry.NewHub(client, sentry.NewScope()),
		flushTimeout: timeout,
	}, nil
}

func sentryLevel(s Severity) sentry.Level {
	switch s {
	case SeverityLow:
		return sentry.LevelInfo
	case SeverityMedium:
		return sentry.LevelWarning
	case SeverityCritical:
		return sentry.LevelFatal
	default:
		return sentry.LevelError
	}
}

func (s *SentrySink) Capture(ctx context.Context, r Report) error {
	var eventID *sentry.EventID
	s.hub.WithScope(func(scope *sentry.Scope) {
		scope.SetLevel(sentryLevel(r.Severity))
		scope.SetTag("severity", string(r.Severity))
		scope.SetTag("error_id", r.ID)
		if r.Context != nil {
			if r.Context.Component != "" {
				scope.SetTag("component", r.Context.Component)
			}
			if r.Context.Action != "" {
				scope.SetTag("action", r.Context.Action)
			}
			if len(r.Context.Metadata) > 0 {
				scope.SetContext("metadata", sentry.Context(r.Context.Metadata))
			}
		}
		err := r.Err
		if err == nil {
			err = errors.New(r.Message)
		}
		eventID = s.hub.CaptureException(err)
	})
	if eventID == nil {
		return errors.New("sentry: event was not captured")
	}
	return nil
}

func (s *SentrySink) Flush(ctx context.Context) error {
	timeout := s.flushTimeout
	if deadline, ok := ctx.Deadline(); ok {
		timeout = time.Until(deadline)
	}
	if !s.hub.Flush(timeout) {
		return errors.New("sentry: flush timed out")
	}
	return nil
}

// scrubEvent strips cookies and authorization headers and masks emails.
func scrubEvent(event *sentry.Event, _ *sentry.EventHint) *sentry.Event {
	if event == nil {
		return nil
	}
	if event.Request != nil {
		event.Request.Cookies = ""
		for k := range event.Request.Headers {
			if sensitiveKeys[strings.ToLower(k)] {
				delete(event.Request.Headers, k)
			}
		}
	}
	if event.User.Email != "" {
		event.User.Email = MaskEmail(event.User.Email)
	}
	event.Message = MaskEmails(event.Message)
	for i := range event.Exception {
		event.Exception[i].Value = MaskEmails(event.Exception[i].Value)
		scrubStacktrace(event.Exception[i].Stacktrace)
	}
	for i := range event.Threads {
		scrubStacktrace(event.Threads[i].Stacktrace)
	}
	for _, b := range event.Breadcrumbs {
		if b != nil {
			b.Message = MaskEmails(b.Message)
		}
	}
	for k, v := range event.Contexts {
		event.Contexts[k] = Scrub(v)
	}
	if len(event.Extra) > 0 {
		event.Extra = Scrub(event.Extra)
	}
	return event
}

// scrubStacktrace masks emails in the source lines attached to each frame
// and drops captured local variables.
func scrubStacktrace(st *sentry.Stacktrace) {
	if st == nil {
		return
	}
	for i := range st.Frames {
		f := &st.Frames[i]
		f.ContextLine = MaskEmails(f.ContextLine)
		for j := range f.PreContext {
			f.PreContext[j] = MaskEmails(f.PreContext[j])
		}
		for j := range f.PostContext {
			f.PostContext[j] = MaskEmails(f.PostContext[j])
		}
		f.Vars = nil
	}
}
