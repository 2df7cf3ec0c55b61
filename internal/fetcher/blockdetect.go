package fetcher

import (
	"bytes"
	"net/http"
	"strings"
)

// BlockType describes the kind of anti-bot page detected.
type BlockType string

const (
	BlockNone       BlockType = ""
	BlockCloudflare BlockType = "cloudflare"
	BlockCaptcha    BlockType = "captcha"
	BlockJSShell    BlockType = "js_shell"
)

// DetectBlock checks a response for signs of anti-bot protection. Bodies are
// only inspected for HTML responses with a success or throttling status, so
// a JSON payload or a genuine error page is never mistaken for a block.
func DetectBlock(status int, header http.Header, body []byte) (bool, BlockType) {
	// Cloudflare: 403/503 with cf-* headers.
	if status == http.StatusForbidden || status == http.StatusServiceUnavailable {
		if header.Get("cf-ray") != "" || header.Get("cf-cache-status") != "" {
			return true, BlockCloudflare
		}
		if strings.EqualFold(header.Get("server"), "cloudflare") {
			return true, BlockCloudflare
		}
	}

	switch {
	case status >= 200 && status <= 299:
	case status == http.StatusForbidden, status == http.StatusTooManyRequests, status == http.StatusServiceUnavailable:
	default:
		return false, BlockNone
	}
	if !strings.Contains(strings.ToLower(header.Get("Content-Type")), "html") {
		return false, BlockNone
	}

	lower := bytes.ToLower(body)

	// Cloudflare challenge page markers.
	if bytes.Contains(lower, []byte("checking your browser")) ||
		bytes.Contains(lower, []byte("cf-browser-verification")) ||
		bytes.Contains(lower, []byte("cloudflare")) && bytes.Contains(lower, []byte("challenge")) {
		return true, BlockCloudflare
	}

	// Captcha markers.
	if bytes.Contains(lower, []byte("captcha")) {
		return true, BlockCaptcha
	}

	// JS-only shell: very small body with noscript or meta refresh.
	if len(body) < 2000 {
		if bytes.Contains(lower, []byte("<noscript")) && bytes.Contains(lower, []byte("javascript")) {
			return true, BlockJSShell
		}
		if bytes.Contains(lower, []byte(`meta http-equiv="refresh"`)) {
			return true, BlockJSShell
		}
	}

	return false, BlockNone
}
