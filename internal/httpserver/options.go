package httpserver

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/keithlinneman/sitegen/internal/httpmw"
	"github.com/keithlinneman/sitegen/internal/log"
	"github.com/keithlinneman/sitegen/internal/probe"
)

type Options struct {
	Logger       log.Logger
	Port         int
	UseRecoverMW bool
	OnPanic      func() // Optional callback for recovered panics, e.g. to increment prometheus counters.
	MetricsMW    func(http.Handler) http.Handler
	RateLimitMW  func(http.Handler) http.Handler
	ClientIPOpts httpmw.ClientIPOptions
	Health       probe.Probe
	Readiness    probe.Probe
	BuildInfo    httpmw.BuildInfo // For X-Sitegen-Version and X-Sitegen-Commit headers

	// APIRoutes registers the webhook endpoints on the router.
	APIRoutes func(chi.Router)

	// SiteHandler serves everything no API route claims (the landing page).
	SiteHandler http.Handler
}
