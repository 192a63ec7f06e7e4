package service

import (
	"context"
	"errors"
	"fmt"
	"path"
	"time"

	"bitwise74/content-api/internal/access"
	"bitwise74/content-api/internal/model"
	"bitwise74/content-api/internal/repository"
	"bitwise74/content-api/internal/storage"

	"github.com/jellydator/ttlcache/v2"
	"go.uber.org/zap"
)

const DefaultDownloadTTL = time.Hour

type cachedURL struct {
	url string
	ttl time.Duration
}

// FileService serves reads and owner operations on existing files
type FileService struct {
	Store   *repository.Store
	Storage storage.Gateway
	Policy  access.Policy
	Uploads *UploadCoordinator

	urls *ttlcache.Cache
}

func NewFileService(s *repository.Store, g storage.Gateway, p access.Policy, u *UploadCoordinator) *FileService {
	urls := ttlcache.NewCache()
	urls.SkipTTLExtensionOnHit(true)

	return &FileService{
		Store:   s,
		Storage: g,
		Policy:  p,
		Uploads: u,
		urls:    urls,
	}
}

func (s *FileService) Close() error {
	return s.urls.Close()
}

// GenerateDownloadURL returns a URL the requester can fetch the file from.
// Public files with a stored public URL get that URL, everything else gets
// a presigned one valid for ttl.
func (s *FileService) GenerateDownloadURL(ctx context.Context, fileID string, r Requester, ttl time.Duration) (string, error) {
	if ttl <= 0 {
		ttl = DefaultDownloadTTL
	}

	f, err := s.Store.Get(ctx, fileID)
	if err != nil {
		return "", err
	}

	if err := s.Policy.CanDownload(f, r.UserID, r.OrgID); err != nil {
		return "", err
	}

	if f.StoragePath == "" {
		return "", fmt.Errorf("%w, file was never uploaded", ErrNotFound)
	}

	url := ""

	if f.AccessLevel == model.AccessPublic {
		switch {
		case f.CDNURL != nil && *f.CDNURL != "":
			url = *f.CDNURL
		case f.PublicURL != nil && *f.PublicURL != "":
			url = *f.PublicURL
		}
	}

	if url == "" {
		url, err = s.presign(ctx, f, ttl)
		if err != nil {
			return "", err
		}
	}

	if err := s.Store.IncrementDownloads(ctx, f.ID); err != nil {
		return "", err
	}

	return url, nil
}

// presign returns a signed URL, reusing one issued for the same ttl while
// it still has at least half of its life left
func (s *FileService) presign(ctx context.Context, f *model.File, ttl time.Duration) (string, error) {
	if v, err := s.urls.Get(f.ID); err == nil {
		if c, ok := v.(cachedURL); ok && c.ttl == ttl {
			return c.url, nil
		}
	}

	url, err := s.Storage.PresignGet(ctx, f.StoragePath, ttl, f.OriginalFilename)
	if err != nil {
		return "", err
	}

	if err := s.urls.SetWithTTL(f.ID, cachedURL{url: url, ttl: ttl}, ttl/2); err != nil {
		zap.L().Debug("Failed to cache download URL", zap.String("file_id", f.ID), zap.Error(err))
	}

	return url, nil
}

func (s *FileService) forget(fileID string) {
	if err := s.urls.Remove(fileID); err != nil && !errors.Is(err, ttlcache.ErrNotFound) {
		zap.L().Debug("Failed to drop cached download URL", zap.String("file_id", fileID), zap.Error(err))
	}
}

// GetFileByID returns a file the requester can see and counts the view
func (s *FileService) GetFileByID(ctx context.Context, fileID string, r Requester) (*model.File, error) {
	f, err := s.Store.Get(ctx, fileID)
	if err != nil {
		return nil, err
	}

	if !access.CanAccess(f, r.UserID, r.OrgID) {
		return nil, &access.Forbidden{Reason: access.ReasonDenied}
	}

	if err := s.Store.IncrementViews(ctx, f.ID); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	f.ViewCount++
	f.LastAccessedAt = &now

	return f, nil
}

func canModify(f *model.File, r Requester) error {
	if r.Admin || (r.UserID != "" && r.UserID == f.OwnerID) {
		return nil
	}

	return &access.Forbidden{Reason: access.ReasonDenied}
}

// DeleteFile removes a file, its variants and their objects. Only the owner
// can delete a file.
func (s *FileService) DeleteFile(ctx context.Context, fileID string, r Requester) error {
	f, err := s.Store.Get(ctx, fileID)
	if err != nil {
		return err
	}

	if err := canModify(f, r); err != nil {
		return err
	}

	keys, err := objectKeys(ctx, s.Store, f)
	if err != nil {
		return err
	}

	if err := s.Storage.DeleteMany(ctx, keys); err != nil {
		return err
	}

	if err := s.Store.Delete(ctx, f.ID); err != nil {
		return err
	}

	s.forget(f.ID)

	zap.L().Info("File deleted", zap.String("file_id", f.ID), zap.String("by", r.UserID))
	return nil
}

// objectKeys lists every storage key owned by a file
func objectKeys(ctx context.Context, store *repository.Store, f *model.File) ([]string, error) {
	variants, err := store.Variants(ctx, f.ID)
	if err != nil {
		return nil, err
	}

	keys := make([]string, 0, len(variants)+1)
	if f.StoragePath != "" {
		keys = append(keys, f.StoragePath)
	}

	for _, v := range variants {
		keys = append(keys, v.StoragePath)
	}

	return keys, nil
}

type UpdateRequest struct {
	Tags        *[]string          `json:"tags"`
	AccessLevel *model.AccessLevel `json:"accessLevel"`
	ExpiresAt   *time.Time         `json:"expiresAt"`
	ClearExpiry bool               `json:"clearExpiry"`
}

func (s *FileService) UpdateFile(ctx context.Context, fileID string, r Requester, req UpdateRequest) (*model.File, error) {
	f, err := s.Store.Get(ctx, fileID)
	if err != nil {
		return nil, err
	}

	if err := canModify(f, r); err != nil {
		return nil, err
	}

	updates := map[string]any{}

	if req.Tags != nil {
		updates["tags"] = model.NormalizeTags(*req.Tags)
	}

	if req.AccessLevel != nil {
		level := *req.AccessLevel
		if !level.Valid() || (level == model.AccessOrganization && f.OrgID() == "") {
			return nil, ErrInvalidAccessLevel
		}

		updates["access_level"] = level
		updates["public_url"] = nil
		updates["cdn_url"] = nil

		if level == model.AccessPublic && f.StoragePath != "" && s.Uploads != nil {
			publicURL, cdnURL := s.Uploads.publicURLs(f.StoragePath, level)
			updates["public_url"] = publicURL
			updates["cdn_url"] = cdnURL
		}
	}

	switch {
	case req.ClearExpiry:
		updates["expires_at"] = nil
	case req.ExpiresAt != nil:
		updates["expires_at"] = req.ExpiresAt.UTC()
	}

	if len(updates) > 0 {
		if err := s.Store.UpdateMeta(ctx, f.ID, updates); err != nil {
			return nil, err
		}

		s.forget(f.ID)
	}

	return s.Store.Get(ctx, f.ID)
}

// CopyFile duplicates a processed file, and its variants, into the
// requester's storage. The copy is a new record with its own key.
func (s *FileService) CopyFile(ctx context.Context, fileID string, r Requester) (*model.File, error) {
	src, err := s.Store.Get(ctx, fileID)
	if err != nil {
		return nil, err
	}

	if src.VirusScanStatus == model.ScanInfected {
		return nil, &access.Forbidden{Reason: access.ReasonInfected}
	}

	if !access.CanAccess(src, r.UserID, r.OrgID) {
		return nil, &access.Forbidden{Reason: access.ReasonDenied}
	}

	if src.ProcessingStatus != model.ProcessingCompleted || src.StoragePath == "" {
		return nil, ErrNotProcessed
	}

	if !r.System {
		if err := s.Uploads.checkQuota(ctx, r, src.SizeBytes); err != nil {
			return nil, err
		}
	}

	dst := s.Uploads.newRecord(r, src.Filename, src.OriginalFilename, src.MimeType, src.SizeBytes, model.AccessPrivate)
	dst.Checksum = src.Checksum
	dst.Tags = src.Tags
	dst.ProcessingStatus = model.ProcessingCompleted
	dst.IsProcessed = true
	dst.VirusScanStatus = src.VirusScanStatus
	dst.VirusScanResult = src.VirusScanResult
	dst.VirusScanAt = src.VirusScanAt

	if err := s.Store.Create(ctx, dst); err != nil {
		return nil, err
	}

	key, err := s.Uploads.newKey(r, src.Filename)
	if err == nil {
		err = s.Storage.Copy(ctx, src.StoragePath, key)
	}
	if err == nil {
		err = s.Store.SetStoragePath(ctx, dst.ID, key, nil, nil)
	}
	if err != nil {
		s.Uploads.abandon(ctx, dst.ID, err)
		return nil, err
	}

	s.copyVariants(ctx, src, dst.ID, key)

	zap.L().Info("File copied", zap.String("src", src.ID), zap.String("dst", dst.ID))

	return s.Store.Get(ctx, dst.ID)
}

// copyVariants is best effort, a copy without thumbnails is still usable
func (s *FileService) copyVariants(ctx context.Context, src *model.File, dstID, dstKey string) {
	variants, err := s.Store.Variants(ctx, src.ID)
	if err != nil || len(variants) == 0 {
		return
	}

	copied := make([]model.Variant, 0, len(variants))

	for _, v := range variants {
		key := storage.VariantKey(dstKey, v.Name, path.Ext(v.StoragePath))
		if err := s.Storage.Copy(ctx, v.StoragePath, key); err != nil {
			zap.L().Warn("Failed to copy variant", zap.String("key", v.StoragePath), zap.Error(err))
			continue
		}

		v.ID = 0
		v.FileID = dstID
		v.StoragePath = key
		copied = append(copied, v)
	}

	if err := s.Store.SaveVariants(ctx, copied); err != nil {
		zap.L().Warn("Failed to save copied variants", zap.String("file_id", dstID), zap.Error(err))
	}
}

// Usage returns storage statistics of an organization. Members and admins
// only.
func (s *FileService) Usage(ctx context.Context, orgID string, r Requester) (*model.Usage, error) {
	if !r.Admin && r.OrgID != orgID {
		return nil, &access.Forbidden{Reason: access.ReasonDenied}
	}

	owner := repository.Owner{OrganizationID: orgID}
	if orgID == "" {
		owner.UserID = r.UserID
	}

	u, err := s.Store.Usage(ctx, owner)
	if err != nil {
		return nil, err
	}

	def := int64(0)
	if s.Uploads != nil {
		def = s.Uploads.Opts.DefaultQuota
	}

	u.LimitBytes, err = s.Store.QuotaLimit(ctx, orgID, def)
	if err != nil {
		return nil, err
	}

	return u, nil
}
