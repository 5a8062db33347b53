package model

import (
	"crypto/md5"
	"encoding/hex"
	"net/url"
	"strings"
	"time"
)

// ContentHash returns the dedup fingerprint for an item: the MD5 of its
// canonical URL, or of title+publishedAt when the item has no URL. The same
// article fetched from two feeds therefore hashes identically as long as
// they agree on the URL.
func ContentHash(item NormalizedItem) string {
	if item.URL != "" {
		return hashString(canonicalURL(item.URL))
	}
	return hashString(item.Title + "|" + item.PublishedAt.UTC().Format(time.RFC3339))
}

// canonicalURL lowercases scheme and host and strips the fragment and any
// trailing slash, so cosmetic URL variants collapse to one fingerprint.
func canonicalURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(u.Host)
	u.Fragment = ""
	u.Path = strings.TrimSuffix(u.Path, "/")
	return u.String()
}

func hashString(s string) string {
	sum := md5.Sum([]byte(s))
	return hex.EncodeToString(sum[:])
}
