// Package mockretail is a fake retailer for the stockpulse demos.
//
// It serves the same catalog two ways: a JSON search API at /api/search
// and an HTML listing page at /shop/search, both taking the query in "q".
// Every product flips between in stock and sold out every 20-60 seconds,
// and its price drifts occasionally, so a running engine sees restocks.
package mockretail

import (
	"encoding/json"
	"html/template"
	"log/slog"
	"math/rand"
	"net/http"
	"strings"
	"sync"
	"time"
)

type product struct {
	SKU     string
	Name    string
	Price   float64
	InStock bool

	nextChangeAt time.Time
}

// Server is a fake retailer. Safe for concurrent use.
type Server struct {
	logger *slog.Logger

	mu      sync.Mutex
	catalog map[string][]*product
}

// New creates a server with the demo catalog.
func New(logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{logger: logger, catalog: make(map[string][]*product)}
	s.add("elite trainer box",
		&product{SKU: "etb-151", Name: "Pokemon 151 Elite Trainer Box", Price: 49.99},
		&product{SKU: "etb-ssp", Name: "Surging Sparks Elite Trainer Box", Price: 54.99, InStock: true},
	)
	s.add("booster bundle",
		&product{SKU: "bb-pre", Name: "Prismatic Evolutions Booster Bundle", Price: 26.99},
	)
	return s
}

func (s *Server) add(query string, products ...*product) {
	for _, p := range products {
		p.nextChangeAt = time.Now().Add(nextChange())
	}
	s.catalog[query] = append(s.catalog[query], products...)
}

// Handler returns the HTTP handler of the fake retailer.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/search", s.handleAPI)
	mux.HandleFunc("GET /shop/search", s.handleShop)
	return mux
}

// ListenAndServe serves the fake retailer on addr.
func (s *Server) ListenAndServe(addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return srv.ListenAndServe()
}

// search returns a snapshot of the products matching q, applying due
// stock flips first.
func (s *Server) search(q string) []product {
	q = strings.ToLower(strings.Join(strings.Fields(q), " "))

	// simulate small latency variance
	time.Sleep(time.Duration(50+rand.Intn(150)) * time.Millisecond)

	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	var out []product
	for _, p := range s.catalog[q] {
		if now.After(p.nextChangeAt) {
			p.InStock = !p.InStock
			if rand.Intn(3) == 0 {
				p.Price += 5
			}
			p.nextChangeAt = now.Add(nextChange())
			s.logger.Info("stock change", "sku", p.SKU, "in_stock", p.InStock, "price", p.Price)
		}
		out = append(out, *p)
	}
	return out
}

type apiProduct struct {
	TCIN  string `json:"tcin"`
	Title string `json:"title"`
	URL   string `json:"url"`
	Price struct {
		Current float64 `json:"current"`
	} `json:"price"`
	Fulfillment struct {
		Available bool `json:"available"`
	} `json:"fulfillment"`
}

type apiResponse struct {
	Data struct {
		Products []apiProduct `json:"products"`
	} `json:"data"`
}

func (s *Server) handleAPI(w http.ResponseWriter, r *http.Request) {
	var resp apiResponse
	resp.Data.Products = []apiProduct{}
	for _, p := range s.search(r.URL.Query().Get("q")) {
		var ap apiProduct
		ap.TCIN = p.SKU
		ap.Title = p.Name
		ap.URL = "/p/" + p.SKU
		ap.Price.Current = p.Price
		ap.Fulfillment.Available = p.InStock
		resp.Data.Products = append(resp.Data.Products, ap)
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "max-age=5")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		s.logger.Error("failed to write response", "error", err)
	}
}

var shopPage = template.Must(template.New("shop").Parse(`<!DOCTYPE html>
<html><body>
<h1>Search: {{.Query}}</h1>
{{range .Products}}<div class="product" data-sku="{{.SKU}}">
  <h2 class="name">{{.Name}}</h2>
  <span class="price">${{printf "%.2f" .Price}}</span>
  <a class="link" href="/p/{{.SKU}}">View</a>
  {{if .InStock}}<button class="add-to-cart">Add to cart</button>
  {{else}}<button class="add-to-cart" disabled>Add to cart</button>
  <p class="status">Sold out</p>{{end}}
</div>
{{end}}</body></html>
`))

func (s *Server) handleShop(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query().Get("q")
	data := struct {
		Query    string
		Products []product
	}{Query: q, Products: s.search(q)}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := shopPage.Execute(w, data); err != nil {
		s.logger.Error("failed to render page", "error", err)
	}
}

// nextChange returns a random delay between 20 and 60 seconds.
func nextChange() time.Duration {
	return time.Duration(20+rand.Intn(41)) * time.Second
}
