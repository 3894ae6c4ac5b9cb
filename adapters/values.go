package adapters

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"unicode"

	"github.com/jpalmerr/stockpulse/retail"
)

const queryPlaceholder = "{query}"

// expandURL substitutes the escaped query into a URL template.
func expandURL(template, query string) string {
	return strings.ReplaceAll(template, queryPlaceholder, url.QueryEscape(query))
}

func validateTemplate(retailer, template string) error {
	if !strings.Contains(template, queryPlaceholder) {
		return fmt.Errorf("adapters: %s: url template must contain %s: %w", retailer, queryPlaceholder, retail.ErrMissingConfig)
	}
	u, err := url.Parse(strings.ReplaceAll(template, queryPlaceholder, "q"))
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("adapters: %s: invalid url template %q: %w", retailer, template, retail.ErrMissingConfig)
	}
	return nil
}

// availability maps a retailer's availability value to a vote. ok is
// false when the value is not recognised.
//
// Values are compared on their letters only, so "in_stock", "In Stock"
// and "https://schema.org/InStock" are the same value. Numbers are stock
// quantities.
func availability(v string) (inStock, ok bool) {
	if f, err := strconv.ParseFloat(strings.TrimSpace(v), 64); err == nil {
		return f > 0, true
	}
	if i := strings.LastIndexByte(v, '/'); i >= 0 {
		v = v[i+1:]
	}
	var b strings.Builder
	for _, r := range v {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(unicode.ToLower(r))
		}
	}

	switch b.String() {
	case "instock", "available", "true", "yes", "limitedavailability", "onlineonly", "instoreonly", "lowstock", "limitedstock":
		return true, true
	case "outofstock", "soldout", "unavailable", "false", "no", "discontinued", "notavailable", "instoreonlyunavailable", "preorder", "backorder", "comingsoon":
		return false, true
	}
	return false, false
}

// parsePrice reads "$1,049.99", "49.99 USD" or "49,99 €". Returns 0 when no
// number is found.
func parsePrice(s string) float64 {
	var b strings.Builder
	seenDigit := false
scan:
	for _, r := range s {
		switch {
		case r >= '0' && r <= '9':
			b.WriteRune(r)
			seenDigit = true
		case (r == '.' || r == ',') && seenDigit:
			b.WriteRune(r)
		case seenDigit && !unicode.IsSpace(r):
			break scan
		}
	}
	num := strings.TrimRight(b.String(), ".,")
	if num == "" {
		return 0
	}

	// a separator followed by three digits groups thousands
	lastSep := strings.LastIndexAny(num, ".,")
	if lastSep >= 0 && len(num)-lastSep-1 < 3 {
		num = strings.NewReplacer(".", "", ",", "").Replace(num[:lastSep]) + "." + num[lastSep+1:]
	} else {
		num = strings.NewReplacer(".", "", ",", "").Replace(num)
	}

	f, err := strconv.ParseFloat(num, 64)
	if err != nil {
		return 0
	}
	return f
}

// collapseSpace trims s and replaces every run of whitespace with a single
// space.
func collapseSpace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
