package presigned

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"time"
)

const (
	algorithm = "AWS4-HMAC-SHA256"

	service     = "s3"
	requestType = "aws4_request"

	defaultRegion = "us-east-1"

	// Maximum expiration time (7 days)
	maxExpiration = 604800

	amzDateFormat = "20060102T150405Z"
)

// URLParams describes an object download URL to sign
type URLParams struct {
	Endpoint        string // Base URL (e.g., "http://localhost:8080")
	Prefix          string // Route prefix in front of the bucket (e.g., "/objects")
	Bucket          string
	Key             string
	AccessKeyID     string
	SecretAccessKey string
	Method          string    // defaults to GET
	ExpiresIn       int64     // seconds, max 604800
	Region          string    // defaults to us-east-1
	SignedAt        time.Time // zero means now
}

// GenerateURL produces a SigV4-style query-signed URL for an object
func GenerateURL(params URLParams) (string, error) {
	if params.Bucket == "" || params.Key == "" {
		return "", fmt.Errorf("bucket and key are required")
	}
	if params.AccessKeyID == "" || params.SecretAccessKey == "" {
		return "", fmt.Errorf("signing credentials are required")
	}
	if params.ExpiresIn <= 0 {
		return "", fmt.Errorf("expiration must be positive")
	}
	if params.ExpiresIn > maxExpiration {
		return "", fmt.Errorf("expiration time cannot exceed %d seconds (7 days)", maxExpiration)
	}
	if params.Method == "" {
		params.Method = "GET"
	}
	if params.Region == "" {
		params.Region = defaultRegion
	}

	signedAt := params.SignedAt
	if signedAt.IsZero() {
		signedAt = time.Now()
	}
	signedAt = signedAt.UTC()
	dateStamp := signedAt.Format("20060102")
	amzDate := signedAt.Format(amzDateFormat)

	credentialScope := fmt.Sprintf("%s/%s/%s/%s", dateStamp, params.Region, service, requestType)
	credential := fmt.Sprintf("%s/%s", params.AccessKeyID, credentialScope)

	// The canonical request signs the decoded path, the URL carries the escaped one
	prefix := "/" + strings.Trim(params.Prefix, "/")
	if prefix == "/" {
		prefix = ""
	}
	canonicalPath := fmt.Sprintf("%s/%s/%s", prefix, params.Bucket, params.Key)
	escapedPath := fmt.Sprintf("%s/%s/%s", prefix, url.PathEscape(params.Bucket), escapeKey(params.Key))

	queryParams := map[string]string{
		"X-Amz-Algorithm":     algorithm,
		"X-Amz-Credential":    credential,
		"X-Amz-Date":          amzDate,
		"X-Amz-Expires":       fmt.Sprintf("%d", params.ExpiresIn),
		"X-Amz-SignedHeaders": "host",
	}

	host := extractHost(params.Endpoint)
	stringToSign := buildStringToSign(params.Method, canonicalPath, buildCanonicalQueryString(queryParams), host, amzDate, credentialScope)

	signingKey := getSignatureKey(params.SecretAccessKey, dateStamp, params.Region, service)
	queryParams["X-Amz-Signature"] = hex.EncodeToString(hmacSHA256(signingKey, []byte(stringToSign)))

	endpoint := strings.TrimSuffix(params.Endpoint, "/")
	return fmt.Sprintf("%s%s?%s", endpoint, escapedPath, buildCanonicalQueryString(queryParams)), nil
}

func buildStringToSign(method, path, canonicalQuery, host, amzDate, credentialScope string) string {
	canonicalRequest := fmt.Sprintf("%s\n%s\n%s\nhost:%s\n\nhost\nUNSIGNED-PAYLOAD",
		method,
		path,
		canonicalQuery,
		host,
	)

	return fmt.Sprintf("%s\n%s\n%s\n%s",
		algorithm,
		amzDate,
		credentialScope,
		sha256Hash([]byte(canonicalRequest)),
	)
}

// escapeKey escapes each path segment of an object key
func escapeKey(key string) string {
	segments := strings.Split(key, "/")
	for i, s := range segments {
		segments[i] = url.PathEscape(s)
	}
	return strings.Join(segments, "/")
}

// buildCanonicalQueryString builds a canonical query string from parameters
func buildCanonicalQueryString(params map[string]string) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, url.QueryEscape(k)+"="+url.QueryEscape(params[k]))
	}
	return strings.Join(parts, "&")
}

// extractHost extracts the host from an endpoint URL
func extractHost(endpoint string) string {
	host := strings.TrimPrefix(endpoint, "http://")
	host = strings.TrimPrefix(host, "https://")
	if i := strings.Index(host, "/"); i >= 0 {
		host = host[:i]
	}
	return host
}

func sha256Hash(data []byte) string {
	hash := sha256.Sum256(data)
	return hex.EncodeToString(hash[:])
}

func hmacSHA256(key, data []byte) []byte {
	h := hmac.New(sha256.New, key)
	h.Write(data)
	return h.Sum(nil)
}

// getSignatureKey derives the signing key
func getSignatureKey(secretKey, dateStamp, region, service string) []byte {
	kDate := hmacSHA256([]byte("AWS4"+secretKey), []byte(dateStamp))
	kRegion := hmacSHA256(kDate, []byte(region))
	kService := hmacSHA256(kRegion, []byte(service))
	return hmacSHA256(kService, []byte(requestType))
}
