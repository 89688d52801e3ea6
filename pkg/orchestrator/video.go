package orchestrator

import (
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"strings"

	"github.com/merlab/mer-backend/pkg/models"
)

// ErrInvalidID is returned when a submission carries no usable video id
var ErrInvalidID = errors.New("invalid video identifier")

var videoIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)

var youtubeHosts = map[string]bool{
	"youtube.com":       true,
	"www.youtube.com":   true,
	"m.youtube.com":     true,
	"music.youtube.com": true,
	"youtu.be":          true,
}

// WatchURL returns the canonical URL for a video id
func WatchURL(id string) string {
	return "https://www.youtube.com/watch?v=" + id
}

// ResolveVideoID extracts the video id from a submission. ExternalID wins
// over URL when both are set. The returned source URL is canonical.
func ResolveVideoID(req models.SubmitRequest) (id, sourceURL string, err error) {
	raw := strings.TrimSpace(req.ExternalID)
	if raw == "" {
		raw = strings.TrimSpace(req.URL)
	}
	if raw == "" {
		return "", "", fmt.Errorf("%w: empty", ErrInvalidID)
	}

	if videoIDPattern.MatchString(raw) {
		return raw, WatchURL(raw), nil
	}

	id, err = parseVideoURL(raw)
	if err != nil {
		return "", "", err
	}
	return id, WatchURL(id), nil
}

func parseVideoURL(raw string) (string, error) {
	if !strings.Contains(raw, "://") {
		raw = "https://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidID, err)
	}
	host := strings.ToLower(u.Hostname())
	if !youtubeHosts[host] {
		return "", fmt.Errorf("%w: unsupported host %q", ErrInvalidID, host)
	}

	var id string
	path := strings.Trim(u.Path, "/")
	switch {
	case host == "youtu.be":
		id = path
	case path == "watch":
		id = u.Query().Get("v")
	default:
		// /shorts/{id}, /embed/{id}, /live/{id}
		parts := strings.Split(path, "/")
		if len(parts) == 2 && (parts[0] == "shorts" || parts[0] == "embed" || parts[0] == "live") {
			id = parts[1]
		}
	}

	if !videoIDPattern.MatchString(id) {
		return "", fmt.Errorf("%w: no video id in %q", ErrInvalidID, raw)
	}
	return id, nil
}
