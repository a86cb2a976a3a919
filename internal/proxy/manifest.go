package proxy

import (
	"net/url"
	"regexp"
	"strings"
)

var uriAttr = regexp.MustCompile(`URI="([^"]*)"`)

// IsManifest reports whether a response is an HLS playlist, judged by
// content type, URL or the #EXTM3U signature.
func IsManifest(contentType, rawURL string, body []byte) bool {
	ct := strings.ToLower(contentType)
	if strings.Contains(ct, "mpegurl") || strings.Contains(ct, "m3u8") {
		return true
	}
	if u, err := url.Parse(rawURL); err == nil && strings.HasSuffix(strings.ToLower(u.Path), ".m3u8") {
		return true
	}
	head := strings.TrimLeft(string(body[:min(len(body), 64)]), "\ufeff \t\r\n")
	return strings.HasPrefix(head, "#EXTM3U")
}

// RewriteManifest points every URL in a playlist back at the proxy. Plain
// URL lines and URI="..." attributes are resolved against base (the
// post-redirect playlist URL) and replaced with prefix+"/hls-proxy?url=..."
// for nested playlists or prefix+"/segment-proxy?url=..." for everything
// else. Comment lines without a URI attribute, blank lines and the line
// count are preserved, and already proxied references are left alone.
func RewriteManifest(content string, base *url.URL, prefix string) string {
	lines := strings.Split(content, "\n")
	for i, line := range lines {
		trimmed := strings.TrimSpace(line)
		switch {
		case trimmed == "":
		case strings.HasPrefix(trimmed, "#"):
			if !strings.Contains(trimmed, `URI="`) {
				continue
			}
			lines[i] = uriAttr.ReplaceAllStringFunc(line, func(attr string) string {
				ref := uriAttr.FindStringSubmatch(attr)[1]
				proxied, ok := proxyURL(ref, base, prefix)
				if !ok {
					return attr
				}
				return `URI="` + proxied + `"`
			})
		default:
			if proxied, ok := proxyURL(trimmed, base, prefix); ok {
				lines[i] = proxied
			}
		}
	}
	return strings.Join(lines, "\n")
}

func proxyURL(ref string, base *url.URL, prefix string) (string, bool) {
	if ref == "" || strings.HasPrefix(ref, prefix+"/hls-proxy?") || strings.HasPrefix(ref, prefix+"/segment-proxy?") {
		return "", false
	}
	u, err := url.Parse(ref)
	if err != nil {
		return "", false
	}
	abs := base.ResolveReference(u)
	if abs.Scheme != "http" && abs.Scheme != "https" {
		return "", false
	}

	route := "/segment-proxy"
	if isPlaylistRef(ref, abs) {
		route = "/hls-proxy"
	}
	return prefix + route + "?url=" + url.QueryEscape(abs.String()), true
}

// isPlaylistRef matches nested playlists by path suffix, and also panel
// links that carry the playlist name in the query (play.php?stream=x.m3u8).
func isPlaylistRef(ref string, abs *url.URL) bool {
	p := strings.ToLower(abs.Path)
	if strings.HasSuffix(p, ".m3u8") || strings.HasSuffix(p, ".m3u") {
		return true
	}
	return strings.Contains(strings.ToLower(ref), ".m3u8")
}
