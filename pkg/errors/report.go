package errors

import "github.com/getsentry/sentry-go"

// reportingEnabled tracks whether sentry.Init succeeded, so Report is
// a no-op by default rather than silently failing to send events to
// an unconfigured client.
var reportingEnabled bool

// InitReporting configures Sentry reporting for FatalErrors. Call
// once at startup with a DSN; an empty dsn leaves reporting disabled.
func InitReporting(dsn string) error {
	if dsn == "" {
		return nil
	}
	if err := sentry.Init(sentry.ClientOptions{Dsn: dsn}); err != nil {
		return err
	}
	reportingEnabled = true
	return nil
}

// Report sends a FatalError to Sentry if reporting is configured, a
// no-op otherwise. Called from latchtree's closeOnFailure, so an
// operator is paged even when nothing is tailing the process log at
// the moment a fatal error happens.
func Report(err *FatalError) {
	if !reportingEnabled || err == nil {
		return
	}
	sentry.CaptureException(err)
}
