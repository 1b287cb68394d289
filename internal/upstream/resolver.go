// Package upstream talks to the external content provider. It resolves a
// source URL to display metadata and to a short-lived download URL for a
// requested quality and media type.
//
// The provider fronts its API with a CDN-selection step: callers first ask
// a well-known endpoint for a CDN host and then POST to that host. Metadata
// responses carry an AES-CBC encrypted JSON blob which is decrypted locally.
// Metadata is best-effort — decode failures fall back to a minimal record
// synthesized from the content id, never failing the whole request.
package upstream

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"resty.dev/v3"

	"github.com/streamvault/go-media-cache/internal/domain"
)

// Sentinel errors surfaced to the orchestrator.
var (
	// ErrInvalidSourceURL means no accepted URL shape matched.
	ErrInvalidSourceURL = errors.New("invalid source url")

	// ErrUpstreamUnavailable means the provider kept failing after retries.
	ErrUpstreamUnavailable = errors.New("upstream provider unavailable")
)

const (
	cdnEndpoint    = "/api/random-cdn"
	fallbackCDN    = "cdn.savetube.me"
	maxAttempts    = 5
	attemptDelay   = time.Second
	requestTimeout = 30 * time.Second
)

// Metadata is the provider's description of a piece of content.
type Metadata struct {
	Title        string
	Duration     string
	ThumbnailURL string
	// ResolverKey is the provider-issued handle passed to GetDownloadURL.
	ResolverKey string
}

// Options configures a Resolver.
type Options struct {
	// APIBase is the CDN-selection host, e.g. "https://media.savetube.me".
	APIBase string
	// DecryptKeyHex is the hex-encoded AES key for metadata payloads.
	DecryptKeyHex string
	// Timeout bounds each HTTP round trip. Defaults to 30s.
	Timeout time.Duration
	// RetryDelay is the pause between attempts. Defaults to 1s.
	RetryDelay time.Duration
}

// Resolver resolves content URLs against the upstream provider. Safe for
// concurrent use.
type Resolver struct {
	client     *resty.Client
	apiBase    string
	keyHex     string
	retryDelay time.Duration
}

// NewResolver builds a Resolver with a shared resty client.
func NewResolver(opts Options) *Resolver {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = requestTimeout
	}
	delay := opts.RetryDelay
	if delay <= 0 {
		delay = attemptDelay
	}
	return &Resolver{
		client:     resty.New().SetTimeout(timeout),
		apiBase:    strings.TrimRight(opts.APIBase, "/"),
		keyHex:     opts.DecryptKeyHex,
		retryDelay: delay,
	}
}

// Close releases the underlying HTTP client resources.
func (r *Resolver) Close() error { return r.client.Close() }

// contentIDPatterns covers the accepted source URL shapes: watch?v=,
// youtu.be/, embed/, and /v/.
var contentIDPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?:youtube\.com/watch\?v=|youtu\.be/|youtube\.com/embed/)([A-Za-z0-9_-]{6,})`),
	regexp.MustCompile(`youtube\.com/v/([A-Za-z0-9_-]{6,})`),
}

// ExtractContentID parses the canonical content identifier out of any
// accepted URL shape. Returns ErrInvalidSourceURL when no shape matches.
func ExtractContentID(sourceURL string) (string, error) {
	for _, p := range contentIDPatterns {
		if m := p.FindStringSubmatch(sourceURL); m != nil {
			return m[1], nil
		}
	}
	return "", ErrInvalidSourceURL
}

type cdnResponse struct {
	CDN string `json:"cdn"`
}

// pickCDN resolves a CDN host with a small retry loop, falling back to a
// static host when the selection endpoint keeps failing.
func (r *Resolver) pickCDN(ctx context.Context) string {
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		var out cdnResponse
		resp, err := r.client.R().
			SetContext(ctx).
			SetResult(&out).
			Get(r.apiBase + cdnEndpoint)
		if err == nil && resp.IsSuccess() && out.CDN != "" {
			return out.CDN
		}
		log.Warn().Int("attempt", attempt).Err(err).Msg("cdn selection failed")
		if attempt < maxAttempts {
			select {
			case <-ctx.Done():
				return fallbackCDN
			case <-time.After(r.retryDelay):
			}
		}
	}
	return fallbackCDN
}

// cdnBase normalizes a CDN host into a base URL. Provider responses carry
// bare hosts; tests may return full http:// URLs.
func cdnBase(cdn string) string {
	if strings.Contains(cdn, "://") {
		return strings.TrimRight(cdn, "/")
	}
	return "https://" + cdn
}

type infoResponse struct {
	Status  bool   `json:"status"`
	Message string `json:"message"`
	Data    string `json:"data"` // base64(iv || ciphertext)
}

type infoPayload struct {
	Title         string `json:"title"`
	DurationLabel string `json:"durationLabel"`
	Thumbnail     string `json:"thumbnail"`
	Key           string `json:"key"`
}

// GetMetadata contacts the provider's metadata endpoint. On any failure it
// returns a synthesized record derived from the content id alone — metadata
// is never a hard dependency of the resolution pipeline.
func (r *Resolver) GetMetadata(ctx context.Context, sourceURL string) (*Metadata, error) {
	contentID, err := ExtractContentID(sourceURL)
	if err != nil {
		return nil, err
	}

	md, fetchErr := r.fetchMetadata(ctx, sourceURL)
	if fetchErr != nil {
		log.Warn().Str("content_id", contentID).Err(fetchErr).Msg("metadata fetch failed, synthesizing")
		return &Metadata{
			Title:        fmt.Sprintf("Content %s", contentID),
			Duration:     "0:00",
			ThumbnailURL: fmt.Sprintf("https://img.youtube.com/vi/%s/maxresdefault.jpg", contentID),
			ResolverKey:  contentID,
		}, nil
	}
	return md, nil
}

func (r *Resolver) fetchMetadata(ctx context.Context, sourceURL string) (*Metadata, error) {
	cdn := r.pickCDN(ctx)

	var out infoResponse
	resp, err := r.client.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(map[string]string{"url": sourceURL}).
		SetResult(&out).
		Post(cdnBase(cdn) + "/v2/info")
	if err != nil {
		return nil, err
	}
	if !resp.IsSuccess() || !out.Status {
		return nil, fmt.Errorf("info endpoint rejected request: %s", out.Message)
	}

	payload, err := decryptPayload(r.keyHex, out.Data)
	if err != nil {
		return nil, err
	}
	return &Metadata{
		Title:        payload.Title,
		Duration:     payload.DurationLabel,
		ThumbnailURL: payload.Thumbnail,
		ResolverKey:  payload.Key,
	}, nil
}

// decryptPayload decodes the AES-CBC encrypted metadata blob: base64 input,
// 16-byte IV prefix, PKCS#7 padding, JSON body.
func decryptPayload(keyHex, data string) (*infoPayload, error) {
	key, err := hex.DecodeString(keyHex)
	if err != nil {
		return nil, fmt.Errorf("decrypt key: %w", err)
	}
	raw, err := base64.StdEncoding.DecodeString(strings.ReplaceAll(data, " ", ""))
	if err != nil {
		return nil, fmt.Errorf("payload base64: %w", err)
	}
	// An IV with no ciphertext blocks is as malformed as a short payload.
	if len(raw) < 2*aes.BlockSize || (len(raw)-aes.BlockSize)%aes.BlockSize != 0 {
		return nil, errors.New("payload too short")
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	iv, ciphertext := raw[:aes.BlockSize], raw[aes.BlockSize:]
	plain := make([]byte, len(ciphertext))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(plain, ciphertext)

	pad := int(plain[len(plain)-1])
	if pad <= 0 || pad > aes.BlockSize || pad > len(plain) {
		return nil, errors.New("bad padding")
	}
	plain = plain[:len(plain)-pad]

	var payload infoPayload
	if err := json.Unmarshal(plain, &payload); err != nil {
		return nil, fmt.Errorf("payload json: %w", err)
	}
	return &payload, nil
}

type downloadResponse struct {
	Status bool `json:"status"`
	Data   struct {
		DownloadURL string `json:"downloadUrl"`
	} `json:"data"`
}

// GetDownloadURL resolves a short-lived download URL for the given resolver
// key, quality tier, and media type. Transient failures are retried up to
// five times with a short fixed delay; exhaustion yields
// ErrUpstreamUnavailable.
func (r *Resolver) GetDownloadURL(ctx context.Context, resolverKey, quality, mediaType string) (string, error) {
	downloadType := domain.MediaVideo
	if mediaType == domain.MediaAudio {
		downloadType = domain.MediaAudio
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		cdn := r.pickCDN(ctx)

		var out downloadResponse
		resp, err := r.client.R().
			SetContext(ctx).
			SetHeader("Content-Type", "application/json").
			SetBody(map[string]string{
				"downloadType": downloadType,
				"quality":      quality,
				"key":          resolverKey,
			}).
			SetResult(&out).
			Post(cdnBase(cdn) + "/download")
		switch {
		case err != nil:
			lastErr = err
		case resp.IsSuccess() && out.Status && out.Data.DownloadURL != "":
			return out.Data.DownloadURL, nil
		default:
			lastErr = fmt.Errorf("download endpoint returned status %d", resp.StatusCode())
		}

		log.Warn().Int("attempt", attempt).Err(lastErr).Msg("download url attempt failed")
		if attempt < maxAttempts {
			select {
			case <-ctx.Done():
				return "", fmt.Errorf("%w: %v", ErrUpstreamUnavailable, ctx.Err())
			case <-time.After(r.retryDelay):
			}
		}
	}
	return "", fmt.Errorf("%w: %v", ErrUpstreamUnavailable, lastErr)
}
