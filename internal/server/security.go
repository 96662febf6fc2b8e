package server

import (
	"net/http"
	"strings"
)

const (
	defaultFrameAncestors     = "'none'"
	defaultFrameOptions       = "DENY"
	defaultReferrerPolicy     = "no-referrer"
	defaultPermissionsPolicy  = "camera=(), microphone=(), geolocation=()"
	defaultContentTypeOptions = "nosniff"
)

// SecurityConfig sets the hardening headers attached to every control API
// response. The defaults assume the dashboard is served same-origin and never
// embedded, so framing is denied and the content security policy restricts
// scripts, styles, and the SSE event stream to 'self'. Zero-valued fields use
// those defaults; set a field to override one header without touching the
// rest.
type SecurityConfig struct {
	ContentSecurityPolicy string
	FrameAncestors        string
	FrameOptions          string
	ReferrerPolicy        string
	PermissionsPolicy     string
	ContentTypeOptions    string
}

func defaultSecurityConfig() SecurityConfig {
	return SecurityConfig{
		ContentSecurityPolicy: defaultContentSecurityPolicy(defaultFrameAncestors),
		FrameAncestors:        defaultFrameAncestors,
		FrameOptions:          defaultFrameOptions,
		ReferrerPolicy:        defaultReferrerPolicy,
		PermissionsPolicy:     defaultPermissionsPolicy,
		ContentTypeOptions:    defaultContentTypeOptions,
	}
}

func (cfg SecurityConfig) withDefaults() SecurityConfig {
	defaults := defaultSecurityConfig()

	fill := func(field *string, fallback string) {
		if *field == "" {
			*field = fallback
		}
	}
	fill(&cfg.FrameAncestors, defaults.FrameAncestors)
	fill(&cfg.FrameOptions, defaults.FrameOptions)
	fill(&cfg.ReferrerPolicy, defaults.ReferrerPolicy)
	fill(&cfg.PermissionsPolicy, defaults.PermissionsPolicy)
	fill(&cfg.ContentTypeOptions, defaults.ContentTypeOptions)

	// The CSP depends on the effective frame-ancestors, so resolve it last.
	if cfg.ContentSecurityPolicy == "" {
		cfg.ContentSecurityPolicy = defaultContentSecurityPolicy(cfg.FrameAncestors)
	}

	return cfg
}

// defaultContentSecurityPolicy builds the policy for the bundled dashboard.
// connect-src 'self' covers both the JSON API and the event stream; data:
// images allow inline platform icons.
func defaultContentSecurityPolicy(frameAncestors string) string {
	ancestors := frameAncestors
	if ancestors == "" {
		ancestors = defaultFrameAncestors
	}

	directives := []string{
		"default-src 'self'",
		"connect-src 'self'",
		"img-src 'self' data:",
		"script-src 'self'",
		"style-src 'self'",
		"font-src 'self'",
		"object-src 'none'",
		"base-uri 'self'",
		"frame-ancestors " + ancestors,
		"form-action 'self'",
	}
	return strings.Join(directives, "; ")
}

func securityHeadersMiddleware(cfg SecurityConfig, next http.Handler) http.Handler {
	effective := cfg.withDefaults()
	headers := []struct {
		name  string
		value string
	}{
		{"Content-Security-Policy", effective.ContentSecurityPolicy},
		{"X-Frame-Options", effective.FrameOptions},
		{"X-Content-Type-Options", effective.ContentTypeOptions},
		{"Referrer-Policy", effective.ReferrerPolicy},
		{"Permissions-Policy", effective.PermissionsPolicy},
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		for _, h := range headers {
			if h.value != "" {
				w.Header().Set(h.name, h.value)
			}
		}
		next.ServeHTTP(w, r)
	})
}
