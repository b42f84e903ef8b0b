package vault

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"regexp"

	"github.com/rs/zerolog/log"

	"github.com/chunkvault/chunkvault/internal/meta"
)

// uploadIDPattern is the wire format for upload ids: a millisecond timestamp
// and an 8-character random suffix.
var uploadIDPattern = regexp.MustCompile(`^upload-[0-9]{13}-[a-z0-9]{8}$`)

// ChunkPayload carries the declared fields accompanying one submitted chunk.
// All chunks of an upload declare the same file-level fields.
type ChunkPayload struct {
	UploadID     string
	ChunkIndex   int
	TotalChunks  int
	FileName     string
	FileSize     int64
	Mime         string
	Hash         string // hex SHA-256 of the whole file, optional
	LastModified *int64 // source mtime in unix milliseconds, optional
}

// validatePayload normalizes the payload and rejects out-of-range fields.
func (v *Vault) validatePayload(p *ChunkPayload) error {
	verr := &ValidationError{}

	p.FileName = baseName(p.FileName)
	if p.FileName == "" || p.FileName == "." {
		verr.Add("fileName", "file name is required")
	} else if !allowedFile(v.cfg.AllowedExtensions, p.FileName, p.Mime) {
		verr.Add("fileName", "file type is not allowed")
	}
	if !uploadIDPattern.MatchString(p.UploadID) {
		verr.Add("uploadId", "malformed upload id")
	}
	if p.TotalChunks < 1 {
		verr.Add("totalChunks", "must be at least 1")
	}
	if p.ChunkIndex < 0 || (p.TotalChunks >= 1 && p.ChunkIndex >= p.TotalChunks) {
		verr.Add("chunkIndex", "out of range")
	}
	if p.FileSize < 0 {
		verr.Add("fileSize", "must not be negative")
	} else if p.FileSize > int64(v.cfg.MaxSize) {
		verr.Add("fileSize", fmt.Sprintf("exceeds maximum of %d bytes", v.cfg.MaxSize))
	}

	if verr.Empty() {
		return nil
	}
	return verr
}

// SubmitChunk ingests one chunk of an upload. It returns (nil, nil) while
// the upload is still pending and the final record once the last chunk
// triggers assembly and resolution. When the payload declares a hash that is
// already stored live, the existing record is returned without touching
// storage.
func (v *Vault) SubmitChunk(ctx context.Context, p ChunkPayload, chunk io.Reader, req Requester) (*meta.FileRecord, error) {
	if err := v.validatePayload(&p); err != nil {
		return nil, err
	}

	if p.Hash != "" {
		if rec, err := v.meta.Read(p.Hash); err == nil && !rec.IsTrashed() && v.backend.Exists(rec.Path) {
			log.Debug().Str("upload_id", p.UploadID).Str("hash", p.Hash).Msg("upload resolved to existing content")
			getMetrics().dedupHits.Inc()
			_ = v.backend.DeleteDir(v.tempDir(p.UploadID))
			return rec, nil
		}
	}

	key := v.tempKey(p.UploadID, p.ChunkIndex)
	w, err := v.backend.Create(key)
	if err != nil {
		return nil, fmt.Errorf("stage chunk: %w", err)
	}
	n, err := io.Copy(w, io.LimitReader(chunk, int64(v.cfg.ChunkSize)+1))
	closeErr := w.Close()
	if err != nil {
		_ = v.backend.Delete(key)
		return nil, fmt.Errorf("stage chunk: %w", err)
	}
	if closeErr != nil {
		_ = v.backend.Delete(key)
		return nil, fmt.Errorf("stage chunk: %w", closeErr)
	}
	if n > int64(v.cfg.ChunkSize) {
		_ = v.backend.Delete(key)
		return nil, NewValidationError("chunk", fmt.Sprintf("exceeds chunk size of %d bytes", v.cfg.ChunkSize))
	}

	getMetrics().chunksReceived.Inc()
	log.Debug().
		Str("upload_id", p.UploadID).
		Int("chunk", p.ChunkIndex).
		Int("total", p.TotalChunks).
		Int64("bytes", n).
		Msg("chunk staged")

	if p.ChunkIndex != p.TotalChunks-1 {
		return nil, nil
	}
	return v.assemble(ctx, p, req)
}

// assemble joins the staged chunks, verifies the result and resolves it
// against the metadata store. The file is built inside the staging area and
// only renamed into the live directory once its hash checks out, so a failed
// assembly never disturbs existing live bytes. The staging directory is
// removed on every path out.
func (v *Vault) assemble(ctx context.Context, p ChunkPayload, req Requester) (*meta.FileRecord, error) {
	v.uploadLocks.lock(p.UploadID)
	defer v.uploadLocks.unlock(p.UploadID)
	defer func() { _ = v.backend.DeleteDir(v.tempDir(p.UploadID)) }()

	for i := 0; i < p.TotalChunks; i++ {
		if !v.backend.Exists(v.tempKey(p.UploadID, i)) {
			getMetrics().integrityErrors.Inc()
			return nil, fmt.Errorf("%w: missing chunk %d of %d", ErrIntegrity, i, p.TotalChunks)
		}
	}

	destName := v.freeName(v.liveKey, p.FileName, p.Hash)
	destKey := v.liveKey(destName)
	// Chunk keys are bare indices, so the prefix cannot collide with one.
	stagedKey := v.tempDir(p.UploadID) + "/assembled-" + destName

	actualHash, size, err := v.joinChunks(ctx, p, stagedKey)
	if err != nil {
		return nil, err
	}
	if p.Hash != "" && actualHash != p.Hash {
		getMetrics().integrityErrors.Inc()
		return nil, fmt.Errorf("%w: declared hash %s does not match assembled content %s", ErrIntegrity, p.Hash, actualHash)
	}

	mimeType := v.backend.DetectMime(stagedKey)
	if mimeType == "" {
		mimeType = p.Mime
	}

	if err := v.backend.Move(stagedKey, destKey); err != nil {
		return nil, fmt.Errorf("publish %s: %w", destKey, err)
	}

	getMetrics().filesAssembled.Inc()
	log.Info().
		Str("upload_id", p.UploadID).
		Str("name", destName).
		Str("hash", actualHash).
		Int64("size", size).
		Msg("file assembled")

	v.hashLocks.lock(actualHash)
	defer v.hashLocks.unlock(actualHash)
	return v.resolveAssembled(p, destName, destKey, actualHash, size, mimeType, req)
}

// joinChunks streams the staged chunks in order into destKey, returning the
// hex SHA-256 and byte count of the assembled content.
func (v *Vault) joinChunks(ctx context.Context, p ChunkPayload, destKey string) (string, int64, error) {
	w, err := v.backend.Create(destKey)
	if err != nil {
		return "", 0, fmt.Errorf("create %s: %w", destKey, err)
	}

	h := sha256.New()
	var size int64
	for i := 0; i < p.TotalChunks; i++ {
		select {
		case <-ctx.Done():
			_ = w.Close()
			return "", 0, ctx.Err()
		default:
		}

		rc, err := v.backend.Open(v.tempKey(p.UploadID, i))
		if err != nil {
			_ = w.Close()
			return "", 0, fmt.Errorf("open chunk %d: %w", i, err)
		}
		n, err := io.Copy(io.MultiWriter(w, h), rc)
		_ = rc.Close()
		if err != nil {
			_ = w.Close()
			return "", 0, fmt.Errorf("append chunk %d: %w", i, err)
		}
		size += n
	}

	if err := w.Close(); err != nil {
		return "", 0, fmt.Errorf("finalize %s: %w", destKey, err)
	}
	return hex.EncodeToString(h.Sum(nil)), size, nil
}
