package httpmw

import (
	"net/http"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// BuildInfo provides build identification for headers
type BuildInfo interface {
	BuildVersion() string
	BuildCommit() string
}

// VersionHeaders middleware adds X-Sitegen-Version and X-Sitegen-Commit
// headers to all responses when build information is available
func VersionHeaders(info BuildInfo) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if info != nil {
				v := info.BuildVersion()
				c := info.BuildCommit()
				if v != "" {
					w.Header().Set("X-Sitegen-Version", v)
				}
				if c != "" {
					// Use short commit for header (first 12 chars)
					headerCommit := c
					if len(headerCommit) > 12 {
						headerCommit = headerCommit[:12]
					}
					w.Header().Set("X-Sitegen-Commit", headerCommit)
				}
				// Enrich the current trace span with build info
				if span := trace.SpanFromContext(r.Context()); span != nil && span.IsRecording() {
					if v != "" {
						span.SetAttributes(attribute.String("service.version", v))
					}
					if c != "" {
						span.SetAttributes(attribute.String("service.commit", c))
					}
				}
			}
			next.ServeHTTP(w, r)
		})
	}
}
