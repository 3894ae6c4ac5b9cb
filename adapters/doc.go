// Package adapters provides configurable [retail.Adapter] implementations.
//
// Per-site rules are configuration, not code: a JSON API is described by
// a URL template and dot paths into its payload, a product listing page by
// a handful of CSS selectors.
//
//	api, err := adapters.NewJSONAPI(adapters.JSONAPIConfig{
//	    Retailer:         "target",
//	    URLTemplate:      "https://redsky.example/v1/search?keyword={query}",
//	    ItemsPath:        "data.search.products",
//	    IDPath:           "tcin",
//	    NamePath:         "item.title",
//	    PricePath:        "price.current",
//	    AvailabilityPath: "fulfillment.shipping.status",
//	})
//
// # Indicators
//
// Adapters never decide stock state. They emit indicator votes which the
// engine's verifier weighs:
//
//   - [JSONAPI] emits api-sourced availability_field and price_present votes
//   - [HTMLScrape] emits scrape-sourced purchase_affordance,
//     out_of_stock_marker and price_present votes
//   - [Mock] behaves like a JSON API without touching the network
package adapters
