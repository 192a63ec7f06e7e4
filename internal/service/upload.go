package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"bitwise74/content-api/internal/events"
	"bitwise74/content-api/internal/model"
	"bitwise74/content-api/internal/repository"
	"bitwise74/content-api/internal/storage"
	"bitwise74/content-api/pkg/validators"

	"github.com/google/uuid"
	gonanoid "github.com/matoous/go-nanoid/v2"
	"go.uber.org/zap"
)

const keyAlphabet = "0123456789abcdefghijklmnopqrstuvwxyz"

type UploadOptions struct {
	Limits       validators.SizeLimits
	AllowedTypes []string
	DefaultQuota int64
	PresignTTL   time.Duration
	// CDNBaseURL fronts public objects when set
	CDNBaseURL string
}

type IntentRequest struct {
	Filename    string            `json:"filename"`
	MimeType    string            `json:"mimeType"`
	SizeBytes   int64             `json:"sizeBytes"`
	AccessLevel model.AccessLevel `json:"accessLevel"`
	Tags        []string          `json:"tags"`
	ExpiresAt   *time.Time        `json:"expiresAt"`
	Metadata    map[string]string `json:"metadata"`
}

type UploadIntent struct {
	FileID      string    `json:"fileId"`
	UploadURL   string    `json:"uploadUrl"`
	DownloadURL string    `json:"downloadUrl"`
	StoragePath string    `json:"storagePath"`
	ExpiresAt   time.Time `json:"expiresAt"`
}

type UploadCoordinator struct {
	Store   *repository.Store
	Storage storage.Gateway
	Events  events.Emitter
	Opts    UploadOptions

	now func() time.Time
}

func NewUploadCoordinator(s *repository.Store, g storage.Gateway, e events.Emitter, o UploadOptions) *UploadCoordinator {
	if o.PresignTTL <= 0 {
		o.PresignTTL = 15 * time.Minute
	}

	return &UploadCoordinator{
		Store:   s,
		Storage: g,
		Events:  e,
		Opts:    o,
		now:     time.Now,
	}
}

// GenerateUploadIntent validates an upload, creates its pending record and
// returns a presigned URL the client uploads the bytes to
func (u *UploadCoordinator) GenerateUploadIntent(ctx context.Context, req IntentRequest, r Requester) (*UploadIntent, error) {
	mimeType := baseMime(req.MimeType)
	if mimeType == "" {
		mimeType = "application/octet-stream"
	}

	if err := validators.Size(req.SizeBytes, mimeType, u.Opts.Limits); err != nil {
		return nil, err
	}

	name, err := validators.FileName(req.Filename)
	if err != nil {
		return nil, err
	}

	if err := validators.Extension(name); err != nil {
		return nil, err
	}

	if err := validators.MimeType(mimeType, u.Opts.AllowedTypes); err != nil {
		return nil, err
	}

	level := req.AccessLevel
	if level == "" {
		level = model.AccessPrivate
	}
	if !level.Valid() || (level == model.AccessOrganization && r.OrgID == "") {
		return nil, ErrInvalidAccessLevel
	}

	if !r.System {
		if err := u.checkQuota(ctx, r, req.SizeBytes); err != nil {
			return nil, err
		}
	}

	f := u.newRecord(r, name, req.Filename, mimeType, req.SizeBytes, level)
	f.Tags = model.NormalizeTags(req.Tags)
	f.ExpiresAt = req.ExpiresAt

	if err := u.Store.Create(ctx, f); err != nil {
		return nil, err
	}

	u.Events.Emit(ctx, events.IntentCreated{
		FileID:         f.ID,
		Filename:       f.Filename,
		OwnerID:        f.OwnerID,
		OrganizationID: f.OrgID(),
		MimeType:       f.MimeType,
		SizeBytes:      f.SizeBytes,
	})

	key, err := u.newKey(r, name)
	if err != nil {
		u.abandon(ctx, f.ID, err)
		return nil, err
	}

	metadata := map[string]string{
		"file-id":  f.ID,
		"owner-id": f.OwnerID,
	}
	for k, v := range req.Metadata {
		if _, taken := metadata[k]; !taken {
			metadata[k] = v
		}
	}

	presigned, err := u.Storage.PresignPut(ctx, storage.PutRequest{
		Key:         key,
		ContentType: mimeType,
		Size:        req.SizeBytes,
		Metadata:    metadata,
		Public:      level == model.AccessPublic,
		TTL:         u.Opts.PresignTTL,
	})
	if err != nil {
		u.abandon(ctx, f.ID, err)
		return nil, err
	}

	publicURL, cdnURL := u.publicURLs(key, level)

	if err := u.Store.SetStoragePath(ctx, f.ID, key, publicURL, cdnURL); err != nil {
		u.abandon(ctx, f.ID, err)
		return nil, err
	}

	zap.L().Debug("Upload intent created",
		zap.String("file_id", f.ID),
		zap.String("key", key),
		zap.Int64("size", f.SizeBytes))

	return &UploadIntent{
		FileID:      f.ID,
		UploadURL:   presigned.UploadURL,
		DownloadURL: presigned.DownloadURL,
		StoragePath: key,
		ExpiresAt:   presigned.ExpiresAt,
	}, nil
}

// checkQuota rejects size when it doesn't fit in what's left of the
// requester's storage. The sum is read, not reserved, so two concurrent
// intents can both pass.
func (u *UploadCoordinator) checkQuota(ctx context.Context, r Requester, size int64) error {
	used, err := u.Store.UsedBytes(ctx, r.owner())
	if err != nil {
		return err
	}

	limit, err := u.Store.QuotaLimit(ctx, r.OrgID, u.Opts.DefaultQuota)
	if err != nil {
		return err
	}

	if limit > 0 && used+size > limit {
		zap.L().Debug("Quota exceeded",
			zap.String("org_id", r.OrgID),
			zap.String("user_id", r.UserID),
			zap.Int64("used", used),
			zap.Int64("requested", size),
			zap.Int64("limit", limit))

		return ErrQuotaExceeded
	}

	return nil
}

func (u *UploadCoordinator) newRecord(r Requester, name, original, mimeType string, size int64, level model.AccessLevel) *model.File {
	f := &model.File{
		ID:               uuid.NewString(),
		OwnerID:          r.UserID,
		OwnerType:        model.OwnerUser,
		Filename:         name,
		OriginalFilename: strings.TrimSpace(original),
		MimeType:         mimeType,
		SizeBytes:        size,
		AccessLevel:      level,
		ProcessingStatus: model.ProcessingPending,
		VirusScanStatus:  model.ScanPending,
		Tags:             model.StringSlice{},
	}

	switch {
	case r.System:
		f.OwnerType = model.OwnerSystem
		if f.OwnerID == "" {
			f.OwnerID = string(model.OwnerSystem)
		}
	case r.OrgID != "":
		f.OwnerType = model.OwnerOrganization
	}

	if r.OrgID != "" {
		org := r.OrgID
		f.OrganizationID = &org
	}

	return f
}

func (u *UploadCoordinator) newKey(r Requester, name string) (string, error) {
	rid, err := gonanoid.Generate(keyAlphabet, 12)
	if err != nil {
		return "", fmt.Errorf("failed to generate random id, %w", err)
	}

	base, ext := validators.SplitExt(name)

	return storage.BuildKey(storage.KeyParts{
		Scope:    storage.Scope(r.OrgID, r.UserID, r.System),
		Date:     u.now().UTC(),
		RandomID: rid,
		BaseName: base,
		Ext:      ext,
	})
}

func (u *UploadCoordinator) publicURLs(key string, level model.AccessLevel) (*string, *string) {
	if level != model.AccessPublic {
		return nil, nil
	}

	var publicURL, cdnURL *string

	if p := u.Storage.PublicURL(key); p != "" {
		publicURL = &p
	}

	if u.Opts.CDNBaseURL != "" {
		c := strings.TrimSuffix(u.Opts.CDNBaseURL, "/") + "/" + key
		cdnURL = &c
	}

	return publicURL, cdnURL
}

// abandon marks a record whose intent couldn't be completed as failed, so
// the retention sweep reclaims it
func (u *UploadCoordinator) abandon(ctx context.Context, fileID string, cause error) {
	zap.L().Error("Failed to complete upload intent", zap.String("file_id", fileID), zap.Error(cause))

	if err := u.Store.MarkFailed(context.WithoutCancel(ctx), fileID, "upload intent failed: "+cause.Error()); err != nil {
		zap.L().Error("Failed to mark abandoned intent", zap.String("file_id", fileID), zap.Error(err))
	}
}
