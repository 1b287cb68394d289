// Package blobstore wraps the durable append-only blob channel used as the
// cache's backing store. The channel is a message-oriented bot API: binary
// payloads are sent with a caption into a fixed channel, the response
// carries an opaque file reference, and the reference can later be resolved
// to a short-lived fetch URL.
//
// Operational constraints owned here:
//   - hard 50MB per-object ceiling, enforced mid-stream (no truncation);
//   - caption metadata capped at 1024 characters (truncated, not rejected);
//   - transient transport failures retried on a fixed backoff schedule;
//   - a process-wide semaphore bounds concurrent uploads.
package blobstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/semaphore"
	"resty.dev/v3"

	"github.com/streamvault/go-media-cache/internal/domain"
)

// Sentinel errors surfaced to callers.
var (
	// ErrPayloadTooLarge means the payload stream exceeded the per-object
	// size ceiling; the upload is aborted, never truncated.
	ErrPayloadTooLarge = errors.New("payload exceeds size ceiling")

	// ErrObjectNotFound means a stored object reference is stale: the
	// channel no longer resolves it.
	ErrObjectNotFound = errors.New("stored object not found")
)

const (
	// MaxObjectBytes is the channel's hard single-object cap.
	MaxObjectBytes = 50 << 20

	// maxCaptionChars is the channel's caption/metadata cap.
	maxCaptionChars = 1024

	defaultUploadSlots = 3
	uploadTimeout      = 5 * time.Minute
)

// backoffSchedule is the fixed delay ladder between upload attempts.
var backoffSchedule = []time.Duration{
	1 * time.Second,
	2 * time.Second,
	5 * time.Second,
	10 * time.Second,
	30 * time.Second,
}

// UploadMeta describes the payload being sent into the channel.
type UploadMeta struct {
	ContentID string
	Title     string
	MediaType string // domain.MediaVideo or domain.MediaAudio
	Quality   string // video only
}

// Options configures a Client.
type Options struct {
	// BaseURL is the bot API root, e.g. "https://api.telegram.org".
	BaseURL string
	// BotToken authenticates against the channel.
	BotToken string
	// ChannelID is the destination channel for uploads.
	ChannelID string
	// UploadSlots bounds concurrent uploads; defaults to 3.
	UploadSlots int64
	// Backoff overrides the retry delay ladder (tests use millisecond steps).
	Backoff []time.Duration
}

// Client is the blob channel client. Safe for concurrent use; the internal
// semaphore is process-wide shared state.
type Client struct {
	client    *resty.Client
	baseURL   string
	botToken  string
	channelID string
	slots     *semaphore.Weighted
	backoff   []time.Duration
}

// New builds a Client.
func New(opts Options) *Client {
	slots := opts.UploadSlots
	if slots <= 0 {
		slots = defaultUploadSlots
	}
	backoff := opts.Backoff
	if len(backoff) == 0 {
		backoff = backoffSchedule
	}
	return &Client{
		client:    resty.New().SetTimeout(uploadTimeout),
		baseURL:   strings.TrimRight(opts.BaseURL, "/"),
		botToken:  opts.BotToken,
		channelID: opts.ChannelID,
		slots:     semaphore.NewWeighted(slots),
		backoff:   backoff,
	}
}

// Close releases the underlying HTTP client resources.
func (c *Client) Close() error { return c.client.Close() }

func (c *Client) methodURL(method string) string {
	return fmt.Sprintf("%s/bot%s/%s", c.baseURL, c.botToken, method)
}

// limitReader counts bytes as they stream through and fails the read once
// the ceiling is crossed, aborting the multipart upload mid-stream.
type limitReader struct {
	r     io.Reader
	n     int64
	limit int64
}

func (lr *limitReader) Read(p []byte) (int, error) {
	n, err := lr.r.Read(p)
	lr.n += int64(n)
	if lr.n > lr.limit {
		return n, ErrPayloadTooLarge
	}
	return n, err
}

type sendResponse struct {
	OK          bool   `json:"ok"`
	Description string `json:"description"`
	ErrorCode   int    `json:"error_code"`
	Result      struct {
		Video struct {
			FileID string `json:"file_id"`
		} `json:"video"`
		Audio struct {
			FileID string `json:"file_id"`
		} `json:"audio"`
	} `json:"result"`
}

// Caption renders the channel caption for an upload, truncated to the
// channel's metadata cap.
func Caption(meta UploadMeta) string {
	var caption string
	if meta.MediaType == domain.MediaAudio {
		caption = fmt.Sprintf("%s\nContent ID: %s", meta.Title, meta.ContentID)
	} else {
		caption = fmt.Sprintf("%s\nQuality: %sp\nContent ID: %s", meta.Title, meta.Quality, meta.ContentID)
	}
	return truncateRunes(caption, maxCaptionChars)
}

// Upload streams a binary payload into the channel and returns the stored
// object reference. The payload is aborted with ErrPayloadTooLarge once it
// crosses the 50MB ceiling. Transient failures (network errors, 429, 5xx)
// are retried per the backoff schedule; other provider rejections fail
// immediately.
//
// payload must be re-readable across attempts; callers pass a factory so a
// retried attempt re-streams from the start. Each opened payload is closed
// here once its attempt completes.
func (c *Client) Upload(ctx context.Context, meta UploadMeta, payload func() (io.ReadCloser, error)) (string, int64, error) {
	if err := c.slots.Acquire(ctx, 1); err != nil {
		return "", 0, err
	}
	defer c.slots.Release(1)

	method := "sendVideo"
	field := "video"
	ext := "mp4"
	if meta.MediaType == domain.MediaAudio {
		method = "sendAudio"
		field = "audio"
		ext = "mp3"
	}
	filename := fmt.Sprintf("%s.%s", truncateRunes(meta.Title, 50), ext)
	caption := Caption(meta)

	var lastErr error
	for attempt := 0; ; attempt++ {
		body, err := payload()
		if err != nil {
			return "", 0, err
		}
		lr := &limitReader{r: body, limit: MaxObjectBytes}

		var out sendResponse
		resp, err := c.client.R().
			SetContext(ctx).
			SetMultipartFormData(map[string]string{
				"chat_id": c.channelID,
				"caption": caption,
			}).
			SetFileReader(field, filename, lr).
			SetResult(&out).
			SetError(&out).
			Post(c.methodURL(method))

		// The transport has finished with the stream either way; closing
		// here also releases the connection on abort paths.
		body.Close()

		switch {
		case errors.Is(err, ErrPayloadTooLarge) || lr.n > MaxObjectBytes:
			// The counting reader tripped mid-stream; the transport may wrap
			// its error, so the byte count is the authoritative signal.
			return "", 0, ErrPayloadTooLarge
		case err != nil:
			lastErr = err // network-level failure, retryable
		case resp.IsSuccess() && out.OK:
			ref := out.Result.Video.FileID
			if field == "audio" {
				ref = out.Result.Audio.FileID
			}
			if ref == "" {
				return "", 0, fmt.Errorf("channel response missing file reference")
			}
			return ref, lr.n, nil
		case resp.StatusCode() == 429 || resp.StatusCode() >= 500:
			lastErr = fmt.Errorf("channel returned status %d: %s", resp.StatusCode(), out.Description)
		default:
			// Bad request, invalid payload: not retryable.
			return "", 0, fmt.Errorf("channel rejected upload (%d): %s", resp.StatusCode(), out.Description)
		}

		// The ladder length is the attempt budget: five entries mean five
		// attempts total, sleeping between them.
		if attempt+1 >= len(c.backoff) {
			return "", 0, fmt.Errorf("upload failed after %d attempts: %w", attempt+1, lastErr)
		}
		log.Warn().Int("attempt", attempt+1).Err(lastErr).Msg("blob upload retrying")
		select {
		case <-ctx.Done():
			return "", 0, ctx.Err()
		case <-time.After(c.backoff[attempt]):
		}
	}
}

type getFileResponse struct {
	OK     bool `json:"ok"`
	Result struct {
		FilePath string `json:"file_path"`
	} `json:"result"`
}

// ResolveStreamURL resolves a stored object reference to a short-lived
// fetchable URL. Returns ErrObjectNotFound when the reference is stale.
func (c *Client) ResolveStreamURL(ctx context.Context, storedObjectRef string) (string, error) {
	var out getFileResponse
	resp, err := c.client.R().
		SetContext(ctx).
		SetQueryParam("file_id", storedObjectRef).
		SetResult(&out).
		SetError(&out).
		Get(c.methodURL("getFile"))
	if err != nil {
		return "", err
	}
	if !resp.IsSuccess() || !out.OK || out.Result.FilePath == "" {
		return "", ErrObjectNotFound
	}
	return fmt.Sprintf("%s/file/bot%s/%s", c.baseURL, c.botToken, out.Result.FilePath), nil
}

// VerifyLive reports whether a stored object reference still resolves.
// Transport errors are returned as-is so callers can distinguish "gone"
// from "cannot tell right now".
func (c *Client) VerifyLive(ctx context.Context, storedObjectRef string) (bool, error) {
	_, err := c.ResolveStreamURL(ctx, storedObjectRef)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, ErrObjectNotFound):
		return false, nil
	default:
		return false, err
	}
}

// truncateRunes clips s to at most n runes.
func truncateRunes(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
