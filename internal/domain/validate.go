package domain

import (
	"net/url"
	"regexp"
	"strings"
)

var videoIDPattern = regexp.MustCompile(`^[a-zA-Z0-9_-]{11}$`)

// videoHosts are the hosts a job URL may point at.
var videoHosts = map[string]bool{
	"youtube.com":     true,
	"www.youtube.com": true,
	"m.youtube.com":   true,
	"youtu.be":        true,
}

// ExtractVideoID returns the 11-character video id of a URL on a recognized
// host, or "". Accepted forms are youtube.com/watch?v=ID, youtu.be/ID and
// youtube.com/embed/ID.
func ExtractVideoID(rawURL string) string {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return ""
	}
	host := strings.ToLower(u.Hostname())
	if !videoHosts[host] {
		return ""
	}

	var id string
	switch {
	case host == "youtu.be":
		id = strings.TrimPrefix(u.Path, "/")
	case u.Path == "/watch":
		id = u.Query().Get("v")
	case strings.HasPrefix(u.Path, "/embed/"):
		id = strings.TrimPrefix(u.Path, "/embed/")
	}
	if !videoIDPattern.MatchString(id) {
		return ""
	}
	return id
}

// ValidateURL checks that rawURL is an absolute http(s) URL on a recognized video host.
func ValidateURL(rawURL string) error {
	rawURL = strings.TrimSpace(rawURL)
	if rawURL == "" {
		return ErrEmptyURL
	}
	u, err := url.ParseRequestURI(rawURL)
	if err != nil || u.Host == "" {
		return ErrInvalidURL
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return ErrInvalidURL
	}
	if ExtractVideoID(rawURL) == "" {
		return ErrInvalidURL
	}
	return nil
}
