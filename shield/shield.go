// CLAUDE:SUMMARY HTTP hardening for the groundkeeper API: response headers and per-client rate limits.
// Package shield holds the middleware placed in front of the JSON API.
package shield

import "net/http"

// HeaderConfig lists the headers set on every response. Empty values are
// skipped.
type HeaderConfig struct {
	ContentTypeOptions string `yaml:"content_type_options"`
	FrameOptions       string `yaml:"frame_options"`
	ReferrerPolicy     string `yaml:"referrer_policy"`
	CacheControl       string `yaml:"cache_control"`
	CSP                string `yaml:"csp"`
}

// APIHeaders is the header set for a JSON API that is never framed or cached.
func APIHeaders() HeaderConfig {
	return HeaderConfig{
		ContentTypeOptions: "nosniff",
		FrameOptions:       "DENY",
		ReferrerPolicy:     "no-referrer",
		CacheControl:       "no-store",
		CSP:                "default-src 'none'; frame-ancestors 'none'",
	}
}

// SecurityHeaders returns middleware setting cfg on every response.
func SecurityHeaders(cfg HeaderConfig) func(http.Handler) http.Handler {
	pairs := [][2]string{
		{"X-Content-Type-Options", cfg.ContentTypeOptions},
		{"X-Frame-Options", cfg.FrameOptions},
		{"Referrer-Policy", cfg.ReferrerPolicy},
		{"Cache-Control", cfg.CacheControl},
		{"Content-Security-Policy", cfg.CSP},
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			h := w.Header()
			for _, p := range pairs {
				if p[1] != "" {
					h.Set(p[0], p[1])
				}
			}
			next.ServeHTTP(w, r)
		})
	}
}
