package manifest

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/driftbyte/medley/internal/planner"
	"github.com/driftbyte/medley/internal/transport"
	"github.com/driftbyte/medley/internal/utils"
)

// HTTPResolver resolves direct URLs and HLS-style playlists into
// manifests using a transport client. Playlist URLs (.m3u8) expand into a
// segment list; master playlists recurse into their first variant.
type HTTPResolver struct {
	Client *transport.Client
}

func (r *HTTPResolver) Resolve(ctx context.Context, resourceID, quality string) (*Manifest, error) {
	log := utils.GetLogger("resolver")
	if isPlaylistURL(resourceID) {
		segments, err := r.resolvePlaylist(ctx, resourceID)
		if err != nil {
			return nil, err
		}
		log.Debug().Str("url", resourceID).Int("segments", len(segments)).Msg("Resolved playlist manifest")
		return &Manifest{
			ResourceID:  resourceID,
			Segments:    segments,
			TotalLength: -1,
			Quality:     quality,
		}, nil
	}
	info, err := r.Client.Probe(ctx, resourceID)
	if err != nil {
		return nil, fmt.Errorf("error probing %s: %w", resourceID, err)
	}
	if !info.SupportsRanges {
		log.Debug().Str("url", resourceID).Msg("Range requests not supported, single-connection manifest")
	}
	total := info.Size
	if !info.SupportsRanges && total <= 0 {
		total = -1
	}
	return &Manifest{
		ResourceID:  resourceID,
		URL:         resourceID,
		TotalLength: total,
		Quality:     quality,
	}, nil
}

func isPlaylistURL(rawURL string) bool {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	return strings.HasSuffix(strings.ToLower(parsed.Path), ".m3u8")
}

func (r *HTTPResolver) resolvePlaylist(ctx context.Context, playlistURL string) ([]planner.Segment, error) {
	content, err := r.fetchPlaylist(ctx, playlistURL)
	if err != nil {
		return nil, err
	}
	urls, err := r.processPlaylist(ctx, content, playlistURL)
	if err != nil {
		return nil, err
	}
	if len(urls) == 0 {
		return nil, fmt.Errorf("playlist %s contains no segments", playlistURL)
	}
	segments := make([]planner.Segment, 0, len(urls))
	for _, u := range urls {
		segments = append(segments, planner.Segment{URL: u})
	}
	return segments, nil
}

func (r *HTTPResolver) fetchPlaylist(ctx context.Context, playlistURL string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, playlistURL, nil)
	if err != nil {
		return "", fmt.Errorf("error creating request: %w", err)
	}
	resp, err := r.Client.Do(req)
	if err != nil {
		return "", fmt.Errorf("error fetching playlist: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("playlist fetch returned status %d", resp.StatusCode)
	}
	content, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("error reading playlist content: %w", err)
	}
	return string(content), nil
}

// processPlaylist walks playlist lines into absolute segment URLs. A
// master playlist recurses into its first (highest quality) variant.
func (r *HTTPResolver) processPlaylist(ctx context.Context, content, playlistURL string) ([]string, error) {
	baseURL, err := url.Parse(playlistURL)
	if err != nil {
		return nil, fmt.Errorf("error parsing playlist URL: %w", err)
	}
	scanner := bufio.NewScanner(strings.NewReader(content))
	var segmentURLs []string
	var variantURLs []string
	var isMaster bool
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || (strings.HasPrefix(line, "#") && !strings.Contains(line, "#EXT-X-STREAM-INF")) {
			continue
		}
		if strings.Contains(line, "#EXT-X-STREAM-INF") {
			isMaster = true
			continue
		}
		if !strings.HasPrefix(line, "#") {
			resolved, err := resolveRef(baseURL, line)
			if err != nil {
				return nil, fmt.Errorf("error resolving URL: %w", err)
			}
			if isMaster {
				variantURLs = append(variantURLs, resolved)
			} else {
				segmentURLs = append(segmentURLs, resolved)
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("error scanning playlist content: %w", err)
	}
	if isMaster && len(variantURLs) > 0 {
		subContent, err := r.fetchPlaylist(ctx, variantURLs[0])
		if err != nil {
			return nil, fmt.Errorf("error fetching variant playlist: %w", err)
		}
		return r.processPlaylist(ctx, subContent, variantURLs[0])
	}
	return segmentURLs, nil
}

func resolveRef(baseURL *url.URL, urlStr string) (string, error) {
	if strings.HasPrefix(urlStr, "http://") || strings.HasPrefix(urlStr, "https://") {
		return urlStr, nil
	}
	relURL, err := url.Parse(urlStr)
	if err != nil {
		return "", err
	}
	return baseURL.ResolveReference(relURL).String(), nil
}
