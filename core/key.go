package core

import (
	"crypto/sha256"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strings"

	"github.com/edge-cache/edge-cache/rfc9111"
)

// storeKeySeparator joins the primary key and the variance key into the
// composite key used by the lock manager and the persistence tier. It
// cannot occur in either part: the primary key is built from URL
// components and the variance key is a hash or the canonical token.
const storeKeySeparator = "\t"

// noVariance is the canonical variance key for responses without an
// effective Vary list.
const noVariance = "-"

// CacheKeyer derives primary and variance keys for requests against a
// single origin.
type CacheKeyer struct {
	// Scheme and Host identify the origin the keys belong to, so keys
	// from different engine instances never collide in a shared
	// persistence backend.
	Scheme string
	Host   string
	// VaryAllowlist is the set of lowercase request header names that
	// may contribute to a variance key. Vary members outside the list
	// are ignored.
	VaryAllowlist []string
}

// PrimaryKey returns the cache key for a request, ignoring variance.
// HEAD requests key like GET so they can be answered from stored GET
// responses.
func (c CacheKeyer) PrimaryKey(r *http.Request) string {
	method := r.Method
	if method == http.MethodHead {
		method = http.MethodGet
	}
	return c.primaryKey(method, r.URL)
}

// PrimaryKeyForURL returns the cache key a stored GET response for the
// URL lives under, for invalidation and purging.
func (c CacheKeyer) PrimaryKeyForURL(u *url.URL) string {
	return c.primaryKey(http.MethodGet, u)
}

func (c CacheKeyer) primaryKey(method string, u *url.URL) string {
	key := method + ":" + c.Scheme + "://" + c.Host + u.EscapedPath()
	// sort query parameters so equivalent URLs share one key
	if query := u.Query(); len(query) > 0 {
		key += "?" + query.Encode()
	}
	return key
}

// EffectiveVaryList derives the variance-relevant header names from a
// response: the Vary members that pass the allowlist, lowercased,
// deduplicated and sorted. The boolean is false for `Vary: *`, which
// can never be matched by a later request.
func (c CacheKeyer) EffectiveVaryList(resHeader http.Header) ([]string, bool) {
	var list []string
	seen := make(map[string]bool)
	for _, name := range rfc9111.GetListHeader(resHeader, "Vary") {
		if name == "*" {
			return nil, false
		}
		name = strings.ToLower(name)
		if seen[name] || !c.allowed(name) {
			continue
		}
		seen[name] = true
		list = append(list, name)
	}
	sort.Strings(list)
	return list, true
}

// VarianceKey hashes the request header values selected by the vary
// list. An absent header contributes an empty value and repeated
// headers collapse into one comma-joined value, so requests that are
// equivalent under the list share a key. An empty list yields the
// canonical no-variance token.
func (c CacheKeyer) VarianceKey(varyList []string, reqHeader http.Header) string {
	if len(varyList) == 0 {
		return noVariance
	}
	h := sha256.New()
	for _, name := range varyList {
		value := strings.Join(reqHeader.Values(name), ", ")
		fmt.Fprintf(h, "%s=%s\n", name, value)
	}
	return fmt.Sprintf("%x", h.Sum(nil))
}

func (c CacheKeyer) allowed(name string) bool {
	for _, allowed := range c.VaryAllowlist {
		if name == allowed {
			return true
		}
	}
	return false
}

// StoreKey joins a primary key and a variance key into the composite
// key used outside the object store.
func StoreKey(primary, variance string) string {
	return primary + storeKeySeparator + variance
}

// PurgePrefix is the composite-key prefix shared by every variant of a
// primary key.
func PurgePrefix(primary string) string {
	return primary + storeKeySeparator
}
