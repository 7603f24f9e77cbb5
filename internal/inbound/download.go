package inbound

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"
)

// ErrMediaSkipped marks a download that was deliberately not completed
// because it exceeded the configured byte limit.
var ErrMediaSkipped = errors.New("media skipped")

// FetchError describes a failed media download.
type FetchError struct {
	URL string
	Err error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("fetch %s: %v", e.URL, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// DownloadConfig bounds media downloads.
type DownloadConfig struct {
	Dir        string
	MaxBytes   int64
	Timeout    time.Duration
	HTTPClient *http.Client
	Now        func() time.Time
}

// Downloader fetches media into a dated cache directory.
type Downloader struct {
	cfg DownloadConfig
}

// NewDownloader creates a downloader. Zero limits fall back to 20MiB and
// 15 seconds.
func NewDownloader(cfg DownloadConfig) *Downloader {
	if cfg.MaxBytes <= 0 {
		cfg.MaxBytes = 20 << 20
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = http.DefaultClient
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Downloader{cfg: cfg}
}

// Fetch downloads c into the cache. On success the returned Media has a
// LocalPath; on any error it carries only the source URL and kind.
func (d *Downloader) Fetch(ctx context.Context, c Candidate) (Media, error) {
	m := Media{Kind: c.Kind, SourceURL: c.URL, ContentType: c.ContentType}
	if c.DeclaredSize > d.cfg.MaxBytes {
		m.Skipped = "oversize"
		return m, &FetchError{URL: c.URL, Err: fmt.Errorf("%w: declared size %d exceeds %d bytes", ErrMediaSkipped, c.DeclaredSize, d.cfg.MaxBytes)}
	}

	ctx, cancel := context.WithTimeout(ctx, d.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.URL, nil)
	if err != nil {
		m.Skipped = "error"
		return m, &FetchError{URL: c.URL, Err: err}
	}
	resp, err := d.cfg.HTTPClient.Do(req)
	if err != nil {
		m.Skipped = skipReason(err)
		return m, &FetchError{URL: c.URL, Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		m.Skipped = "error"
		return m, &FetchError{URL: c.URL, Err: fmt.Errorf("http %d: %s", resp.StatusCode, strings.TrimSpace(string(b)))}
	}
	if resp.ContentLength > d.cfg.MaxBytes {
		m.Skipped = "oversize"
		return m, &FetchError{URL: c.URL, Err: fmt.Errorf("%w: content length %d exceeds %d bytes", ErrMediaSkipped, resp.ContentLength, d.cfg.MaxBytes)}
	}
	if ct := mediaType(resp.Header.Get("Content-Type")); ct != "" && ct != "application/octet-stream" {
		m.ContentType = ct
	}

	dir, err := EnsureCacheDir(filepath.Join(d.cfg.Dir, d.cfg.Now().Format("2006-01-02")))
	if err != nil {
		m.Skipped = "error"
		return m, &FetchError{URL: c.URL, Err: err}
	}
	local, size, err := d.store(ctx, dir, resp.Body, m.ContentType, c)
	if err != nil {
		if errors.Is(err, ErrMediaSkipped) {
			m.Skipped = "oversize"
		} else {
			m.Skipped = skipReason(err)
		}
		return m, &FetchError{URL: c.URL, Err: err}
	}
	m.LocalPath = local
	m.Size = size
	return m, nil
}

// store streams body into a temp file in dir and renames it to a name
// derived from the content hash. The temp file never outlives a failure.
func (d *Downloader) store(ctx context.Context, dir string, body io.Reader, contentType string, c Candidate) (string, int64, error) {
	tmp, err := os.CreateTemp(dir, ".download-*.tmp")
	if err != nil {
		return "", 0, err
	}
	tmpName := tmp.Name()
	keep := false
	defer func() {
		if !keep {
			_ = os.Remove(tmpName)
		}
	}()

	h := sha256.New()
	n, copyErr := io.Copy(io.MultiWriter(tmp, h), io.LimitReader(body, d.cfg.MaxBytes+1))
	closeErr := tmp.Close()
	if copyErr != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return "", 0, ctxErr
		}
		return "", 0, copyErr
	}
	if closeErr != nil {
		return "", 0, closeErr
	}
	if n > d.cfg.MaxBytes {
		return "", 0, fmt.Errorf("%w: transfer exceeds %d bytes", ErrMediaSkipped, d.cfg.MaxBytes)
	}
	if n == 0 {
		return "", 0, fmt.Errorf("empty response body")
	}

	name := hex.EncodeToString(h.Sum(nil))[:32] + Extension(contentType, c.URL, c.Kind)
	final := filepath.Join(dir, name)
	if _, err := os.Stat(final); err == nil {
		return final, n, nil
	}
	if err := os.Chmod(tmpName, 0o600); err != nil {
		return "", 0, err
	}
	if err := os.Rename(tmpName, final); err != nil {
		return "", 0, err
	}
	keep = true
	return final, n, nil
}

func skipReason(err error) string {
	if errors.Is(err, context.DeadlineExceeded) {
		return "timeout"
	}
	var ue *url.Error
	if errors.As(err, &ue) && ue.Timeout() {
		return "timeout"
	}
	return "error"
}

func mediaType(header string) string {
	if header == "" {
		return ""
	}
	mt, _, err := mime.ParseMediaType(header)
	if err != nil {
		return ""
	}
	return strings.ToLower(mt)
}

// preferredExt pins extensions where mime.ExtensionsByType would pick an
// unusual alias first.
var preferredExt = map[string]string{
	"image/jpeg":      ".jpg",
	"image/png":       ".png",
	"image/gif":       ".gif",
	"image/webp":      ".webp",
	"video/mp4":       ".mp4",
	"video/quicktime": ".mov",
	"audio/mpeg":      ".mp3",
	"audio/mp4":       ".m4a",
	"audio/aac":       ".aac",
	"audio/amr":       ".amr",
	"audio/ogg":       ".ogg",
	"application/pdf": ".pdf",
	"application/zip": ".zip",
	"text/plain":      ".txt",
}

var defaultExt = map[MediaKind]string{
	MediaImage:   ".jpg",
	MediaVideo:   ".mp4",
	MediaAudio:   ".m4a",
	MediaFile:    ".bin",
	MediaSticker: ".webp",
	MediaGIF:     ".gif",
}

// Extension picks a file extension from the content type, then the URL
// path, then the kind default.
func Extension(contentType, rawURL string, kind MediaKind) string {
	if ct := mediaType(contentType); ct != "" && ct != "application/octet-stream" {
		if ext, ok := preferredExt[ct]; ok {
			return ext
		}
		if exts, err := mime.ExtensionsByType(ct); err == nil && len(exts) > 0 {
			return exts[0]
		}
	}
	if u, err := url.Parse(rawURL); err == nil {
		ext := strings.ToLower(path.Ext(u.Path))
		if len(ext) > 1 && len(ext) <= 6 && isAlnum(ext[1:]) {
			return ext
		}
	}
	if ext, ok := defaultExt[kind]; ok {
		return ext
	}
	return ".bin"
}

func isAlnum(s string) bool {
	for _, r := range s {
		if (r < 'a' || r > 'z') && (r < '0' || r > '9') {
			return false
		}
	}
	return true
}
