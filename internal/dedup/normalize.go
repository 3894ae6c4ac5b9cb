package dedup

import (
	"crypto/sha256"
	"encoding/hex"
	"html"
	"math"
	"strconv"
	"strings"
	"unicode"

	"github.com/microcosm-cc/bluemonday"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// fingerprintLen is the number of hex characters kept from the digest.
const fingerprintLen = 32

var strict = bluemonday.StrictPolicy()

// NormalizeName reduces a product name to a comparable form: markup and
// entities are stripped, accents removed, letters lowercased and every run
// of non-alphanumeric characters collapsed into a single space.
func NormalizeName(name string) string {
	s := strict.Sanitize(name)
	s = html.UnescapeString(s)

	t := transform.Chain(norm.NFKD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	if out, _, err := transform.String(t, s); err == nil {
		s = out
	}

	var b strings.Builder
	b.Grow(len(s))
	space := false
	for _, r := range strings.ToLower(s) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			if space && b.Len() > 0 {
				b.WriteByte(' ')
			}
			space = false
			b.WriteRune(r)
			continue
		}
		space = true
	}
	return b.String()
}

// PriceBucket returns the bucket a price falls in for a given bucket size.
// Prices at or below zero, and non-positive sizes, share the "na" bucket.
func PriceBucket(price, size float64) string {
	if price <= 0 || size <= 0 || math.IsNaN(price) || math.IsInf(price, 0) {
		return "na"
	}
	return strconv.FormatInt(int64(math.Round(price/size)), 10)
}

// Identity returns the price-independent identity of a product.
func Identity(retailerID, name string) string {
	return retailerID + "|" + NormalizeName(name)
}

// Fingerprint returns the stable fingerprint of a product. Equal
// (retailer, normalized name, price bucket) triples always produce the
// same fingerprint.
func Fingerprint(retailerID, name string, price, bucketSize float64) string {
	sum := sha256.Sum256([]byte(NormalizeName(name) + "|" + retailerID + "|" + PriceBucket(price, bucketSize)))
	return hex.EncodeToString(sum[:])[:fingerprintLen]
}
