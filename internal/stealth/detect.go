package stealth

import (
	"bytes"
	"fmt"
	"net/http"
)

// DefaultChallengeMarkers are lowercase body fragments that identify a bot
// challenge page regardless of status code.
var DefaultChallengeMarkers = []string{
	"captcha",
	"cf-chl",
	"challenge-platform",
	"are you a robot",
	"unusual traffic",
	"px-captcha",
	"access denied",
	"request blocked",
}

// detectBlock inspects a response and reports whether it is an explicit
// bot challenge or access denial.
func detectBlock(status int, body []byte, markers []string) (string, bool) {
	switch status {
	case http.StatusForbidden:
		return "http 403", true
	case http.StatusTooManyRequests:
		return "http 429 rate limited", true
	}

	// challenge pages are small; skip scanning large documents in full
	sample := body
	if len(sample) > 64<<10 {
		sample = sample[:64<<10]
	}
	lower := bytes.ToLower(sample)
	for _, m := range markers {
		if bytes.Contains(lower, []byte(m)) {
			// product pages may mention "captcha" in scripts; only trust a
			// marker on error statuses or near-empty pages
			if status >= 400 || len(body) < 16<<10 {
				return fmt.Sprintf("challenge marker %q (http %d)", m, status), true
			}
		}
	}
	return "", false
}
