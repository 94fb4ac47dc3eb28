package storage

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
)

// DefaultArtifactSlot is the file name of the single reigning clip. Every
// upload overwrites it.
const DefaultArtifactSlot = "king_of_audio.webm"

var (
	// ErrArtifactNotFound is returned by Verify when the ref does not resolve
	// to the currently stored clip.
	ErrArtifactNotFound = errors.New("artifact not found")
	// ErrArtifactInvalid is returned for refs outside the public base.
	ErrArtifactInvalid = errors.New("artifact ref invalid")
)

// DiskArtifacts stores the reigning clip in a fixed slot under a directory
// that the HTTP server exposes under publicBase.
type DiskArtifacts struct {
	dir        string
	slot       string
	publicBase string

	mu sync.RWMutex
}

// NewDiskArtifacts creates the directory if needed.
func NewDiskArtifacts(dir, publicBase, slot string) (*DiskArtifacts, error) {
	if dir == "" {
		return nil, fmt.Errorf("artifact dir required")
	}
	if slot == "" {
		slot = DefaultArtifactSlot
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	return &DiskArtifacts{dir: dir, slot: slot, publicBase: strings.TrimSuffix(publicBase, "/")}, nil
}

// Dir returns the directory that holds the clip.
func (d *DiskArtifacts) Dir() string { return d.dir }

// Store overwrites the slot with data and returns a ref that pins the content digest.
func (d *DiskArtifacts) Store(ctx context.Context, data io.Reader, contentType string) (string, error) {
	if !strings.HasPrefix(contentType, "audio/") {
		return "", fmt.Errorf("%w: content type %q", ErrArtifactInvalid, contentType)
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	target := filepath.Join(d.dir, d.slot)
	tmp, err := os.CreateTemp(d.dir, d.slot+".*.tmp")
	if err != nil {
		return "", err
	}
	defer os.Remove(tmp.Name())

	h := sha256.New()
	if _, err := io.Copy(io.MultiWriter(tmp, h), &ctxReader{ctx: ctx, r: data}); err != nil {
		tmp.Close()
		return "", err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return "", err
	}
	if err := tmp.Close(); err != nil {
		return "", err
	}
	digest := hex.EncodeToString(h.Sum(nil))[:16]
	if err := os.WriteFile(target+".sum", []byte(digest), 0o644); err != nil {
		return "", err
	}
	if err := os.Rename(tmp.Name(), target); err != nil {
		return "", err
	}
	return d.publicBase + "/" + d.slot + "?v=" + digest, nil
}

// Verify checks that ref names the clip currently held in the slot.
func (d *DiskArtifacts) Verify(ctx context.Context, ref string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !strings.HasPrefix(ref, d.publicBase+"/") {
		return fmt.Errorf("%w: %s", ErrArtifactInvalid, ref)
	}
	u, err := url.Parse(ref)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrArtifactInvalid, err)
	}
	if path.Base(u.Path) != d.slot {
		return fmt.Errorf("%w: %s", ErrArtifactNotFound, ref)
	}

	d.mu.RLock()
	defer d.mu.RUnlock()
	fi, err := os.Stat(filepath.Join(d.dir, d.slot))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("%w: %s", ErrArtifactNotFound, ref)
		}
		return err
	}
	if fi.Size() == 0 {
		return fmt.Errorf("%w: empty clip", ErrArtifactNotFound)
	}
	if want := u.Query().Get("v"); want != "" {
		sum, err := os.ReadFile(filepath.Join(d.dir, d.slot+".sum"))
		if err != nil || strings.TrimSpace(string(sum)) != want {
			return fmt.Errorf("%w: %s superseded", ErrArtifactNotFound, ref)
		}
	}
	return nil
}

type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
