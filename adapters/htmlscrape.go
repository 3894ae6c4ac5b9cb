package adapters

import (
	"bytes"
	"context"
	"fmt"
	"net/url"
	"strings"

	"golang.org/x/net/html"

	"github.com/jpalmerr/stockpulse/retail"
)

// DefaultOutOfStockMarkers are the lowercase texts that mark a product as
// unavailable when no markers are configured.
var DefaultOutOfStockMarkers = []string{
	"out of stock",
	"sold out",
	"currently unavailable",
	"no longer available",
	"notify me when available",
}

// HTMLScrapeConfig describes a product listing page.
type HTMLScrapeConfig struct {
	// Retailer is the retailer id.
	Retailer string

	// URLTemplate is the page URL; "{query}" is replaced with the escaped
	// query.
	URLTemplate string

	// ProductSelector matches one element per product.
	ProductSelector string

	// NameSelector and PriceSelector are evaluated inside a product.
	NameSelector  string
	PriceSelector string

	// LinkSelector optionally locates the product link; its href becomes
	// the candidate URL and, without IDAttr, its external id.
	LinkSelector string

	// IDAttr is the product element attribute holding the external id
	// (e.g. "data-sku").
	IDAttr string

	// CartSelector optionally locates the add-to-cart control. A missing
	// or disabled control votes out of stock.
	CartSelector string

	// OutOfStockMarkers are lowercase texts searched in the product
	// element. Empty uses [DefaultOutOfStockMarkers].
	OutOfStockMarkers []string

	// Currency is attached to every candidate.
	Currency string
}

// HTMLScrape is a scrape-backed adapter driven by [HTMLScrapeConfig].
type HTMLScrape struct {
	cfg  HTMLScrapeConfig
	base *url.URL

	product selector
	name    selector
	price   selector
	link    selector
	cart    selector
}

// NewHTMLScrape creates an HTML scrape adapter. Incomplete configuration
// or invalid selectors are reported as [retail.ErrMissingConfig].
func NewHTMLScrape(cfg HTMLScrapeConfig) (*HTMLScrape, error) {
	if cfg.Retailer == "" {
		return nil, fmt.Errorf("adapters: html scrape without retailer id: %w", retail.ErrMissingConfig)
	}
	if err := validateTemplate(cfg.Retailer, cfg.URLTemplate); err != nil {
		return nil, err
	}
	if len(cfg.OutOfStockMarkers) == 0 {
		cfg.OutOfStockMarkers = DefaultOutOfStockMarkers
	}

	a := &HTMLScrape{cfg: cfg}
	a.base, _ = url.Parse(expandURL(cfg.URLTemplate, ""))

	required := []struct {
		name string
		expr string
		dst  *selector
	}{
		{"product", cfg.ProductSelector, &a.product},
		{"name", cfg.NameSelector, &a.name},
	}
	optional := []struct {
		name string
		expr string
		dst  *selector
	}{
		{"price", cfg.PriceSelector, &a.price},
		{"link", cfg.LinkSelector, &a.link},
		{"cart", cfg.CartSelector, &a.cart},
	}

	for _, s := range required {
		if s.expr == "" {
			return nil, fmt.Errorf("adapters: %s: %s selector is required: %w", cfg.Retailer, s.name, retail.ErrMissingConfig)
		}
	}
	for _, s := range append(required, optional...) {
		if s.expr == "" {
			continue
		}
		sel, err := parseSelector(s.expr)
		if err != nil {
			return nil, fmt.Errorf("adapters: %s: %s %w: %w", cfg.Retailer, s.name, err, retail.ErrMissingConfig)
		}
		*s.dst = sel
	}
	return a, nil
}

// ID implements [retail.Adapter].
func (a *HTMLScrape) ID() string { return a.cfg.Retailer }

// Kind implements [retail.Adapter].
func (a *HTMLScrape) Kind() retail.SourceKind { return retail.SourceScrape }

// Fetch implements [retail.Adapter].
func (a *HTMLScrape) Fetch(ctx context.Context, t retail.ScanTarget, s retail.Session) (*retail.RawResponse, error) {
	return s.Get(ctx, expandURL(a.cfg.URLTemplate, t.Query))
}

// Parse implements [retail.Adapter]. A page without any product element
// yields no candidates; a page that is not HTML at all is a
// [retail.ParseError].
func (a *HTMLScrape) Parse(raw *retail.RawResponse) ([]retail.ProductCandidate, error) {
	if len(bytes.TrimSpace(raw.Body)) == 0 {
		return nil, &retail.ParseError{Retailer: a.cfg.Retailer, Cause: fmt.Errorf("empty page")}
	}
	doc, err := html.Parse(bytes.NewReader(raw.Body))
	if err != nil {
		return nil, &retail.ParseError{Retailer: a.cfg.Retailer, Cause: fmt.Errorf("invalid html: %w", err)}
	}

	var out []retail.ProductCandidate
	for _, n := range a.product.all(doc) {
		if c, ok := a.candidate(n); ok {
			out = append(out, c)
		}
	}
	return out, nil
}

func (a *HTMLScrape) candidate(n *html.Node) (retail.ProductCandidate, bool) {
	nameNode := a.name.first(n)
	if nameNode == nil {
		return retail.ProductCandidate{}, false
	}
	name := text(nameNode)
	if name == "" {
		return retail.ProductCandidate{}, false
	}

	c := retail.ProductCandidate{
		RetailerID: a.cfg.Retailer,
		Name:       name,
		Currency:   a.cfg.Currency,
	}
	if a.cfg.IDAttr != "" {
		c.ExternalID = attr(n, a.cfg.IDAttr)
	}
	if a.link != nil {
		if l := a.link.first(n); l != nil {
			c.URL = a.resolve(attr(l, "href"))
		}
	}
	if c.ExternalID == "" {
		c.ExternalID = c.URL
	}

	if a.price != nil {
		if p := a.price.first(n); p != nil {
			c.Price = parsePrice(text(p))
		}
		c.Indicators = append(c.Indicators, retail.Indicator{
			Kind:    retail.IndicatorPricePresent,
			InStock: c.Price > 0,
			Source:  retail.SourceScrape,
		})
	}

	if a.cart != nil {
		btn := a.cart.first(n)
		c.Indicators = append(c.Indicators, retail.Indicator{
			Kind:    retail.IndicatorPurchaseAffordance,
			InStock: btn != nil && !disabled(btn),
			Source:  retail.SourceScrape,
		})
	}

	body := strings.ToLower(text(n))
	marked := false
	for _, m := range a.cfg.OutOfStockMarkers {
		if strings.Contains(body, m) {
			marked = true
			break
		}
	}
	c.Indicators = append(c.Indicators, retail.Indicator{
		Kind:    retail.IndicatorOutOfStockMarker,
		InStock: !marked,
		Source:  retail.SourceScrape,
	})

	return c, true
}

// resolve makes href absolute against the page URL.
func (a *HTMLScrape) resolve(href string) string {
	href = strings.TrimSpace(href)
	if href == "" || a.base == nil {
		return href
	}
	u, err := a.base.Parse(href)
	if err != nil {
		return href
	}
	return u.String()
}

func disabled(n *html.Node) bool {
	if _, ok := attrOK(n, "disabled"); ok {
		return true
	}
	return attr(n, "aria-disabled") == "true"
}
