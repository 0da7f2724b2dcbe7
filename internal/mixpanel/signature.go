package mixpanel

import (
	"crypto/md5" //nolint:gosec // Mixpanel's legacy export signing scheme is MD5 based
	"encoding/hex"
	"sort"
	"strconv"
)

// Sign computes the request signature expected by the export API.
//
// The key=value pairs for api_key, from_date, to_date and expire are sorted
// lexicographically, concatenated without a separator, suffixed with the API
// secret and hashed. Any other ordering is rejected by the provider.
func Sign(apiKey, fromDate, toDate string, expire int64, apiSecret string) string {
	params := []string{
		"api_key=" + apiKey,
		"from_date=" + fromDate,
		"to_date=" + toDate,
		"expire=" + strconv.FormatInt(expire, 10),
	}
	sort.Strings(params)

	h := md5.New() //nolint:gosec
	for _, p := range params {
		h.Write([]byte(p))
	}
	h.Write([]byte(apiSecret))
	return hex.EncodeToString(h.Sum(nil))
}
