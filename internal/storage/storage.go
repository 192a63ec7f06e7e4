// Package storage defines the object storage gateway used by the file
// lifecycle services and its S3 compatible implementation
package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"
	"time"
)

var (
	ErrObjectNotFound = errors.New("object not found")
	ErrInvalidKey     = errors.New("invalid storage key")
)

// PutRequest describes a presigned upload
type PutRequest struct {
	Key         string
	ContentType string
	Size        int64
	Metadata    map[string]string
	Public      bool
	TTL         time.Duration
}

// ObjectOptions describe an object written by the server itself
type ObjectOptions struct {
	ContentType string
	Metadata    map[string]string
	// Public objects may be cached by browsers and CDNs forever
	Public bool
}

// PresignedUpload is returned to clients so they can PUT the bytes directly.
// DownloadURL is the permanent public URL for public objects and a presigned
// GET otherwise.
type PresignedUpload struct {
	UploadURL   string
	DownloadURL string
	ExpiresAt   time.Time
}

type ObjectInfo struct {
	Key          string
	ContentType  string
	Size         int64
	LastModified time.Time
	Metadata     map[string]string
}

// Gateway is the single storage backend abstraction
type Gateway interface {
	PresignPut(ctx context.Context, req PutRequest) (*PresignedUpload, error)
	PresignGet(ctx context.Context, key string, ttl time.Duration, responseFilename string) (string, error)
	Head(ctx context.Context, key string) (*ObjectInfo, error)
	Exists(ctx context.Context, key string) (bool, error)
	Delete(ctx context.Context, key string) error
	DeleteMany(ctx context.Context, keys []string) error
	Copy(ctx context.Context, srcKey, dstKey string) error

	// PublicURL is the unsigned URL of a key, empty when the backend has no
	// public endpoint
	PublicURL(key string) string

	// Download writes the object into w and returns the amount of bytes written
	Download(ctx context.Context, key string, w io.WriterAt) (int64, error)
	Upload(ctx context.Context, key string, body io.Reader, o ObjectOptions) error

	// List returns at most limit objects with keys strictly after startAfter,
	// in lexical order. An empty result means the listing is exhausted.
	List(ctx context.Context, startAfter string, limit int) ([]ObjectInfo, error)
}

// KeyParts are the named inputs of a storage key
type KeyParts struct {
	Scope    string
	Date     time.Time
	RandomID string
	BaseName string
	Ext      string
}

// BuildKey renders {scope}/{yyyy-mm-dd}/{randomId}_{baseName}{ext}
func BuildKey(p KeyParts) (string, error) {
	if p.Scope == "" || p.RandomID == "" || p.BaseName == "" {
		return "", ErrInvalidKey
	}

	if strings.ContainsAny(p.RandomID+p.BaseName+p.Ext, "/\\") {
		return "", ErrInvalidKey
	}

	return fmt.Sprintf("%s/%s/%s_%s%s",
		strings.Trim(p.Scope, "/"),
		p.Date.UTC().Format(time.DateOnly),
		p.RandomID,
		p.BaseName,
		p.Ext,
	), nil
}

// Scope returns the key prefix for an owner. Organization files are grouped
// per organization, user files per user and everything else under files/
func Scope(orgID, userID string, system bool) string {
	switch {
	case system:
		return "files"
	case orgID != "":
		return "organizations/" + orgID
	case userID != "":
		return "users/" + userID
	default:
		return "files"
	}
}

// VariantKey places derived renditions next to the original object:
// {key-without-ext}/variants/{name}{ext}
func VariantKey(key, name, ext string) string {
	base := strings.TrimSuffix(key, path.Ext(key))
	return base + "/variants/" + name + ext
}
