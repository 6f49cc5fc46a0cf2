// Package archive copies completed job artifacts to durable storage and
// renders a thumbnail next to each one.
package archive

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/disintegration/imaging"
	"github.com/kiranshivaraju/genwatch/internal/config"
	"github.com/kiranshivaraju/genwatch/internal/telemetry"
)

// Uploader writes an object and returns where it landed.
type Uploader interface {
	Upload(ctx context.Context, key string, body []byte, contentType string) (string, error)
	Destination() string
}

// Result holds the locations written for one artifact. Thumbnail is empty
// when the artifact is not a decodable image.
type Result struct {
	Original  string `json:"original"`
	Thumbnail string `json:"thumbnail,omitempty"`
}

type Archiver struct {
	httpClient *http.Client
	uploader   Uploader
	thumbWidth int
	maxBytes   int64
}

// New picks S3 when a bucket is configured, otherwise the local directory.
func New(ctx context.Context, cfg config.ArchiveConfig, timeout time.Duration) (*Archiver, error) {
	var up Uploader
	switch {
	case cfg.S3Bucket != "":
		client, err := newS3Client(ctx, cfg)
		if err != nil {
			return nil, err
		}
		up = &s3Uploader{client: client, bucket: cfg.S3Bucket}
	case cfg.Dir != "":
		up = &localUploader{baseDir: cfg.Dir}
	default:
		return nil, errors.New("archive requires a directory or an S3 bucket")
	}
	return NewWithUploader(up, cfg.ThumbnailWidth, cfg.MaxBytes, timeout), nil
}

func NewWithUploader(up Uploader, thumbWidth int, maxBytes int64, timeout time.Duration) *Archiver {
	if thumbWidth <= 0 {
		thumbWidth = 256
	}
	if maxBytes <= 0 {
		maxBytes = 25 * 1024 * 1024
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Archiver{
		httpClient: &http.Client{Timeout: timeout},
		uploader:   up,
		thumbWidth: thumbWidth,
		maxBytes:   maxBytes,
	}
}

// Destination names where archived files end up: "s3" or "local".
func (a *Archiver) Destination() string { return a.uploader.Destination() }

// Archive downloads artifactURL and stores it under jobID/.
func (a *Archiver) Archive(ctx context.Context, jobID, artifactURL string) (Result, error) {
	if jobID == "" {
		return Result{}, errors.New("archive: empty job id")
	}
	data, contentType, err := a.download(ctx, artifactURL)
	if err != nil {
		return Result{}, err
	}

	name := artifactName(artifactURL)
	var res Result
	res.Original, err = a.uploader.Upload(ctx, jobID+"/"+name, data, contentType)
	if err != nil {
		return Result{}, fmt.Errorf("upload original: %w", err)
	}
	telemetry.ArtifactsArchived.WithLabelValues(a.uploader.Destination()).Inc()

	img, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return res, nil
	}
	thumb := imaging.Resize(img, a.thumbWidth, 0, imaging.Lanczos)

	outFormat := imaging.JPEG
	if format == "png" || format == "gif" {
		outFormat = imaging.PNG
	}
	buf := &bytes.Buffer{}
	if err := imaging.Encode(buf, thumb, outFormat, imaging.JPEGQuality(85)); err != nil {
		return res, fmt.Errorf("encode thumbnail: %w", err)
	}

	thumbKey := jobID + "/thumb_" + strings.TrimSuffix(name, path.Ext(name)) + extension(outFormat)
	res.Thumbnail, err = a.uploader.Upload(ctx, thumbKey, buf.Bytes(), mimeType(outFormat))
	if err != nil {
		return res, fmt.Errorf("upload thumbnail: %w", err)
	}
	return res, nil
}

func (a *Archiver) download(ctx context.Context, rawURL string) ([]byte, string, error) {
	u, err := url.Parse(rawURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return nil, "", fmt.Errorf("archive: unsupported artifact url %q", rawURL)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, "", fmt.Errorf("build request: %w", err)
	}
	resp, err := a.httpClient.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("download artifact: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return nil, "", fmt.Errorf("download artifact: status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, a.maxBytes+1))
	if err != nil {
		return nil, "", fmt.Errorf("read artifact: %w", err)
	}
	if int64(len(body)) > a.maxBytes {
		return nil, "", fmt.Errorf("artifact too large (>%d bytes)", a.maxBytes)
	}

	contentType := resp.Header.Get("Content-Type")
	if contentType == "" {
		contentType = http.DetectContentType(body)
	}
	return body, contentType, nil
}

func artifactName(rawURL string) string {
	name := "artifact"
	if u, err := url.Parse(rawURL); err == nil {
		if base := path.Base(u.Path); base != "." && base != "/" && base != "" {
			name = base
		}
	}
	return name
}

func extension(format imaging.Format) string {
	if format == imaging.PNG {
		return ".png"
	}
	return ".jpg"
}

func mimeType(format imaging.Format) string {
	if format == imaging.PNG {
		return "image/png"
	}
	return "image/jpeg"
}
