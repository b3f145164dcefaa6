package downloader

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/xhad/filingscan/internal/models"
)

const metadataSuffix = ".meta.json"

// Metadata is the sidecar written next to every cached document.
type Metadata struct {
	AccessionID  string    `json:"accession_id"`
	URL          string    `json:"url"`
	Size         int64     `json:"size"`
	SHA256       string    `json:"sha256"`
	ContentType  string    `json:"content_type,omitempty"`
	DownloadedAt time.Time `json:"downloaded_at"`
}

// Cache stores downloaded documents under Dir keyed by accession id.
type Cache struct {
	dir string
}

func NewCache(dir string) *Cache {
	return &Cache{dir: dir}
}

func (c *Cache) Dir() string { return c.dir }

// Path is where the document for desc lives once downloaded.
func (c *Cache) Path(desc models.FilingDescriptor) string {
	return filepath.Join(c.dir, desc.Key()+desc.Ext())
}

func (c *Cache) metadataPath(desc models.FilingDescriptor) string {
	return c.Path(desc) + metadataSuffix
}

// Ensure creates the cache directory and checks that it accepts writes.
func (c *Cache) Ensure() error {
	if err := os.MkdirAll(c.dir, 0755); err != nil {
		return &models.StorageError{Path: c.dir, Op: "mkdir", Err: err}
	}
	f, err := os.CreateTemp(c.dir, ".writable-*")
	if err != nil {
		return &models.StorageError{Path: c.dir, Op: "write", Err: err}
	}
	name := f.Name()
	f.Close()
	os.Remove(name)
	return nil
}

// Lookup returns the cached path for desc when a previous run stored it and
// the file still matches its sidecar. A missing file returns "" and no
// error; a file that fails verification returns an IntegrityError.
func (c *Cache) Lookup(desc models.FilingDescriptor) (string, error) {
	path := c.Path(desc)
	info, err := os.Stat(path)
	if errors.Is(err, fs.ErrNotExist) {
		return "", nil
	}
	if err != nil {
		return "", &models.IntegrityError{Path: path, Reason: err.Error()}
	}
	if info.IsDir() {
		return "", &models.IntegrityError{Path: path, Reason: "is a directory"}
	}

	meta, err := c.readMetadata(desc)
	if err != nil {
		return "", &models.IntegrityError{Path: path, Reason: fmt.Sprintf("unreadable metadata: %v", err)}
	}
	if meta.Size != info.Size() {
		return "", &models.IntegrityError{Path: path, Reason: fmt.Sprintf("size %d, expected %d", info.Size(), meta.Size)}
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return "", &models.IntegrityError{Path: path, Reason: err.Error()}
	}
	if sum := checksum(data); sum != meta.SHA256 {
		return "", &models.IntegrityError{Path: path, Reason: "checksum mismatch"}
	}

	return path, nil
}

// Store writes body atomically, then its sidecar. A reader never sees a
// partially written document under the final name, and a document without
// a matching sidecar fails Lookup.
func (c *Cache) Store(desc models.FilingDescriptor, body []byte, contentType string) (string, error) {
	path := c.Path(desc)
	if err := writeAtomic(path, body); err != nil {
		return "", err
	}

	meta := Metadata{
		AccessionID:  desc.AccessionID,
		URL:          desc.URL,
		Size:         int64(len(body)),
		SHA256:       checksum(body),
		ContentType:  contentType,
		DownloadedAt: time.Now().UTC(),
	}
	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return "", &models.StorageError{Path: c.metadataPath(desc), Op: "encode", Err: err}
	}
	if err := writeAtomic(c.metadataPath(desc), data); err != nil {
		return "", err
	}

	return path, nil
}

// Metadata returns the stored sidecar for desc.
func (c *Cache) Metadata(desc models.FilingDescriptor) (Metadata, error) {
	return c.readMetadata(desc)
}

func (c *Cache) readMetadata(desc models.FilingDescriptor) (Metadata, error) {
	var meta Metadata
	data, err := os.ReadFile(c.metadataPath(desc))
	if err != nil {
		return meta, err
	}
	err = json.Unmarshal(data, &meta)
	return meta, err
}

func writeAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return &models.StorageError{Path: path, Op: "create", Err: err}
	}
	tmpName := tmp.Name()
	cleanup := func() {
		tmp.Close()
		os.Remove(tmpName)
	}

	if _, err := tmp.Write(data); err != nil {
		cleanup()
		return &models.StorageError{Path: path, Op: "write", Err: err}
	}
	if err := tmp.Sync(); err != nil {
		cleanup()
		return &models.StorageError{Path: path, Op: "sync", Err: err}
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return &models.StorageError{Path: path, Op: "close", Err: err}
	}
	if err := os.Chmod(tmpName, 0644); err != nil {
		os.Remove(tmpName)
		return &models.StorageError{Path: path, Op: "chmod", Err: err}
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return &models.StorageError{Path: path, Op: "rename", Err: err}
	}
	return nil
}

func checksum(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
