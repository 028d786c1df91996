// Package profile looks up Letterboxd profiles to decorate session participants.
package profile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/Vasu1712/framerate-backend/internal/storage"
)

const (
	DefaultBaseURL = "https://letterboxd.com"
	// CacheTTL is how long a lookup result, positive or negative, is reused.
	CacheTTL = 6 * time.Hour

	userAgent   = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/91.0.4472.124 Safari/537.36"
	maxBodySize = 2 << 20
)

// Profile is what the lookup learned about a username.
type Profile struct {
	Username       string `json:"username"`
	ProfilePicture string `json:"profilePicture,omitempty"`
	Exists         bool   `json:"exists"`
}

// Ordered by reliability.
var avatarPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)<meta\s+property="og:image"\s+content="([^"]+)"`),
	regexp.MustCompile(`(?i)<meta\s+name="twitter:image"\s+content="([^"]+)"`),
	regexp.MustCompile(`(?i)<img[^>]+class="[^"]*avatar[^"]*"[^>]+src="([^"]+)"`),
	regexp.MustCompile(`(?i)<img[^>]+src="([^"]+)"[^>]+class="[^"]*avatar[^"]*"`),
	regexp.MustCompile(`(?i)<div[^>]+class="[^"]*avatar[^"]*"[^>]*style="[^"]*background-image:\s*url\(([^)]+)\)`),
}

// Client fetches public profile pages. Results are cached in Cache when set.
type Client struct {
	BaseURL string
	HTTP    *http.Client
	Cache   storage.Store
}

// New returns a client for baseURL (DefaultBaseURL when empty).
func New(baseURL string, cache storage.Store) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return &Client{
		BaseURL: strings.TrimRight(baseURL, "/"),
		HTTP:    &http.Client{Timeout: 10 * time.Second},
		Cache:   cache,
	}
}

// CacheKey is the store key for a username's cached profile.
func CacheKey(username string) string {
	return "letterboxd:profile:" + username
}

// Lookup fetches username's profile page. A non-2xx response means the profile
// does not exist. Only transport failures are returned as errors.
func (c *Client) Lookup(ctx context.Context, username string) (*Profile, error) {
	name := strings.ToLower(strings.TrimSpace(username))
	if name == "" {
		return &Profile{}, nil
	}

	if p, ok := c.cached(ctx, name); ok {
		return p, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+"/"+url.PathEscape(name)+"/", nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", userAgent)

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return nil, fmt.Errorf("letterboxd %s: %w", name, err)
	}
	defer resp.Body.Close()

	p := &Profile{Username: name}
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
		if err != nil {
			return nil, fmt.Errorf("letterboxd %s: read body: %w", name, err)
		}
		p.Exists = true
		p.ProfilePicture = c.extractPicture(string(body))
	}

	c.store(ctx, p)
	return p, nil
}

func (c *Client) extractPicture(html string) string {
	for _, re := range avatarPatterns {
		m := re.FindStringSubmatch(html)
		if len(m) < 2 || m[1] == "" {
			continue
		}
		pic := strings.NewReplacer(`"`, "", `'`, "").Replace(m[1])
		switch {
		case strings.HasPrefix(pic, "//"):
			pic = "https:" + pic
		case strings.HasPrefix(pic, "/"):
			pic = c.BaseURL + pic
		}
		return pic
	}
	return ""
}

func (c *Client) cached(ctx context.Context, name string) (*Profile, bool) {
	if c.Cache == nil {
		return nil, false
	}
	raw, err := c.Cache.Get(ctx, CacheKey(name))
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			log.Warn().Err(err).Str("username", name).Msg("profile cache read failed")
		}
		return nil, false
	}
	var p Profile
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		return nil, false
	}
	return &p, true
}

func (c *Client) store(ctx context.Context, p *Profile) {
	if c.Cache == nil {
		return
	}
	data, err := json.Marshal(p)
	if err != nil {
		return
	}
	if err := c.Cache.SetWithTTL(ctx, CacheKey(p.Username), string(data), CacheTTL); err != nil {
		log.Warn().Err(err).Str("username", p.Username).Msg("profile cache write failed")
	}
}
