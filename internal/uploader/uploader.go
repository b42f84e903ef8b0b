// Package uploader drives chunked uploads against a chunkvault server: it
// splits a source into chunks, hashes it, and submits each chunk with
// retry, linear backoff and redirect detection.
package uploader

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand/v2"
	"mime"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"
)

var (
	// ErrRedirect is returned when the server answers from a different URL
	// than the one targeted. Uploads must never follow a redirect, so this
	// is terminal and never retried.
	ErrRedirect = errors.New("upload redirected")
	// ErrIncomplete is returned when the final chunk is accepted but the
	// server does not report the upload as completed.
	ErrIncomplete = errors.New("upload not completed by server")
)

// Options configures an Uploader. Zero fields fall back to defaults.
type Options struct {
	Endpoint string // full URL of the chunk endpoint

	ChunkSize           int64
	MaxRetries          int // retries per chunk after the first attempt
	RetryDelay          time.Duration
	RetryDelayIncrement time.Duration
	MaxRetryDelay       time.Duration

	Header      http.Header       // extra headers sent with every request
	ExtraFields map[string]string // extra multipart fields sent with every chunk
	HTTPClient  *http.Client

	// OnChunk is called after each chunk is accepted.
	OnChunk func(index, total int)
	// OnProgress is called with the overall fraction in [0, 1], both while a
	// chunk's body is being transmitted and at each chunk boundary.
	OnProgress func(fraction float64)
}

// Result is the server's view of the completed upload.
type Result struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Size int64  `json:"size"`
	Mime string `json:"mime"`
	URL  string `json:"url"`
}

// Uploader submits files chunk by chunk.
type Uploader struct {
	opts   Options
	client *http.Client
}

// New creates an uploader, filling defaults for unset options.
func New(opts Options) *Uploader {
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = 1 << 20
	}
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = time.Second
	}
	if opts.RetryDelayIncrement < 0 {
		opts.RetryDelayIncrement = 0
	}
	if opts.MaxRetryDelay <= 0 {
		opts.MaxRetryDelay = 30 * time.Second
	}
	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Minute}
	}
	return &Uploader{opts: opts, client: client}
}

const uploadIDAlphabet = "abcdefghijklmnopqrstuvwxyz0123456789"

// newUploadID generates an id in the wire format: millisecond timestamp plus
// an 8-character random suffix.
func newUploadID() string {
	suffix := make([]byte, 8)
	for i := range suffix {
		suffix[i] = uploadIDAlphabet[rand.IntN(len(uploadIDAlphabet))]
	}
	return fmt.Sprintf("upload-%013d-%s", time.Now().UnixMilli(), suffix)
}

// retryDelay computes the wait before the given retry: the base delay grows
// by the increment per attempt and is capped at the maximum.
func (u *Uploader) retryDelay(attempt int) time.Duration {
	d := u.opts.RetryDelay + time.Duration(attempt)*u.opts.RetryDelayIncrement
	if d > u.opts.MaxRetryDelay {
		d = u.opts.MaxRetryDelay
	}
	return d
}

// SendFile uploads the file at the given path.
func (u *Uploader) SendFile(ctx context.Context, path string) (*Result, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open source: %w", err)
	}
	defer func() { _ = f.Close() }()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat source: %w", err)
	}
	mtime := info.ModTime().UnixMilli()
	return u.Send(ctx, filepath.Base(path), f, info.Size(), &mtime)
}

// Send uploads size bytes from the source under the given name. The whole
// source is hashed up front so the server can short-circuit known content.
func (u *Uploader) Send(ctx context.Context, name string, source io.ReaderAt, size int64, lastModified *int64) (*Result, error) {
	hash, err := hashSource(source, size)
	if err != nil {
		return nil, err
	}

	totalChunks := int((size + u.opts.ChunkSize - 1) / u.opts.ChunkSize)
	if totalChunks < 1 {
		totalChunks = 1
	}
	uploadID := newUploadID()
	mimeType := mime.TypeByExtension(filepath.Ext(name))
	if base, _, err := mime.ParseMediaType(mimeType); err == nil {
		mimeType = base
	}

	log.Debug().
		Str("upload_id", uploadID).
		Str("name", name).
		Int64("size", size).
		Int("chunks", totalChunks).
		Msg("starting upload")

	var result *Result
	for i := 0; i < totalChunks; i++ {
		start := int64(i) * u.opts.ChunkSize
		length := u.opts.ChunkSize
		if start+length > size {
			length = size - start
		}

		chunk := io.NewSectionReader(source, start, length)
		chunkHash, err := hashSource(chunk, length)
		if err != nil {
			return nil, err
		}

		fields := map[string]string{
			"uploadId":    uploadID,
			"chunkIndex":  strconv.Itoa(i),
			"totalChunks": strconv.Itoa(totalChunks),
			"fileName":    name,
			"fileSize":    strconv.FormatInt(size, 10),
			"mimeType":    mimeType,
			"fileHash":    hash,
			"chunkHash":   chunkHash,
		}
		if lastModified != nil {
			fields["fileLastModified"] = strconv.FormatInt(*lastModified, 10)
		}
		for k, v := range u.opts.ExtraFields {
			fields[k] = v
		}
		// Overall fraction from completed chunks plus the in-flight one.
		report := func(done float64) {
			if u.opts.OnProgress != nil {
				u.opts.OnProgress((float64(i) + done) / float64(totalChunks))
			}
		}
		result, err = u.sendChunk(ctx, fields, chunk, report)
		if err != nil {
			return nil, fmt.Errorf("chunk %d of %d: %w", i, totalChunks, err)
		}

		if u.opts.OnChunk != nil {
			u.opts.OnChunk(i, totalChunks)
		}
		report(1)
	}

	if result == nil {
		return nil, ErrIncomplete
	}
	return result, nil
}

// sendChunk posts one chunk, retrying transient failures. It returns the
// file result once the server reports the upload completed and nil while it
// is still pending.
func (u *Uploader) sendChunk(ctx context.Context, fields map[string]string, chunk *io.SectionReader, report func(float64)) (*Result, error) {
	var lastErr error
	for attempt := 0; attempt <= u.opts.MaxRetries; attempt++ {
		if attempt > 0 {
			delay := u.retryDelay(attempt - 1)
			log.Debug().Int("attempt", attempt).Dur("delay", delay).Err(lastErr).Msg("retrying chunk")
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
			}
			if _, err := chunk.Seek(0, io.SeekStart); err != nil {
				return nil, fmt.Errorf("rewind chunk: %w", err)
			}
		}

		result, err := u.postChunk(ctx, fields, chunk, report)
		if err == nil {
			return result, nil
		}
		if errors.Is(err, ErrRedirect) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, err
		}
		lastErr = err
	}
	return nil, fmt.Errorf("giving up after %d retries: %w", u.opts.MaxRetries, lastErr)
}

// postChunk performs a single attempt, feeding report with the fraction of
// the request body consumed by the transport.
func (u *Uploader) postChunk(ctx context.Context, fields map[string]string, chunk io.Reader, report func(float64)) (*Result, error) {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	for k, v := range fields {
		if err := mw.WriteField(k, v); err != nil {
			return nil, fmt.Errorf("build request: %w", err)
		}
	}
	fw, err := mw.CreateFormFile("chunk", fields["fileName"])
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	if _, err := io.Copy(fw, chunk); err != nil {
		return nil, fmt.Errorf("read chunk: %w", err)
	}
	if err := mw.Close(); err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}

	bodyLen := int64(body.Len())
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.opts.Endpoint,
		&progressReader{r: &body, total: bodyLen, report: report})
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.ContentLength = bodyLen
	req.Header.Set("Content-Type", mw.FormDataContentType())
	for k, vs := range u.opts.Header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}

	resp, err := u.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("post chunk: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	// A response served from anywhere but the target URL means the request
	// was redirected, typically to a login page.
	if resp.Request != nil && resp.Request.URL.String() != u.opts.Endpoint {
		return nil, fmt.Errorf("%w: answered from %s", ErrRedirect, resp.Request.URL)
	}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("server answered %d: %s", resp.StatusCode, firstLine(raw))
	}

	var env struct {
		Success bool   `json:"success"`
		Message string `json:"message"`
		Data    struct {
			Completed bool    `json:"completed"`
			Metadata  *Result `json:"metadata"`
		} `json:"data"`
	}
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if !env.Success {
		return nil, fmt.Errorf("server rejected chunk: %s", env.Message)
	}
	if env.Data.Completed && env.Data.Metadata != nil {
		return env.Data.Metadata, nil
	}
	return nil, nil
}

// progressReader reports the running fraction of its total as it is read.
type progressReader struct {
	r      io.Reader
	total  int64
	read   int64
	report func(float64)
}

func (p *progressReader) Read(b []byte) (int, error) {
	n, err := p.r.Read(b)
	if n > 0 && p.total > 0 {
		p.read += int64(n)
		p.report(float64(p.read) / float64(p.total))
	}
	return n, err
}

func hashSource(source io.ReaderAt, size int64) (string, error) {
	h := sha256.New()
	if _, err := io.Copy(h, io.NewSectionReader(source, 0, size)); err != nil {
		return "", fmt.Errorf("hash source: %w", err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func firstLine(raw []byte) string {
	if i := bytes.IndexByte(raw, '\n'); i >= 0 {
		raw = raw[:i]
	}
	if len(raw) > 200 {
		raw = raw[:200]
	}
	return string(raw)
}
