package services

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/PerfectlyContent/cardmaker/internal/compose"
	"github.com/PerfectlyContent/cardmaker/internal/platform/auth"
	"github.com/PerfectlyContent/cardmaker/internal/platform/storage"
	"github.com/PerfectlyContent/cardmaker/internal/repositories"
)

const (
	shareFileName = "card.png"
	shareTitle    = "Card Maker"
	shareText     = "Check out this card I made!"
	whatsAppURL   = "https://wa.me/?text=Check%20out%20this%20card%20I%20made!"
	emailURL      = "mailto:?subject=A%20card%20for%20you&body=I%20made%20you%20a%20card!"

	exportContentType  = "image/png"
	exportCacheControl = "private, max-age=0, no-store"

	exportEventCreated    = "card.export.created"
	exportEventBackground = "card.background.stored"
)

var (
	// ErrExportInvalidInput indicates the export request was malformed.
	ErrExportInvalidInput = errors.New("export: invalid input")
	// ErrExportNotFound indicates the export does not exist or is owned by someone else.
	ErrExportNotFound = errors.New("export: not found")
	// ErrExportStorage wraps upload and signing failures.
	ErrExportStorage = errors.New("export: storage failure")
	// ErrExportUnavailable indicates the export repository is unavailable.
	ErrExportUnavailable = errors.New("export: repository unavailable")
)

// ExportServiceDeps wires dependencies for the export service. Without a
// bucket, uploader and signer the service returns PNG bytes directly.
type ExportServiceDeps struct {
	Renderer    CardRenderer
	Exports     repositories.ExportRepository
	Uploader    ObjectUploader
	Signer      DownloadURLSigner
	Bucket      string
	URLTTL      time.Duration
	Clock       func() time.Time
	IDGenerator func() string
	Logger      func(ctx context.Context, event string, fields map[string]any)
}

type exportService struct {
	renderer CardRenderer
	exports  repositories.ExportRepository
	uploader ObjectUploader
	signer   DownloadURLSigner
	bucket   string
	urlTTL   time.Duration
	clock    func() time.Time
	newID    func() string
	logger   func(context.Context, string, map[string]any)
}

var _ ExportService = (*exportService)(nil)

// NewExportService constructs an ExportService.
func NewExportService(deps ExportServiceDeps) (ExportService, error) {
	if deps.Renderer == nil {
		return nil, errors.New("export service: renderer is required")
	}
	bucket := strings.TrimSpace(deps.Bucket)
	if bucket != "" && (deps.Uploader == nil || deps.Signer == nil || deps.Exports == nil) {
		return nil, errors.New("export service: uploader, signer and export repository are required when a bucket is set")
	}
	ttl := deps.URLTTL
	if ttl <= 0 {
		ttl = storage.DefaultSignedURLTTL
	}
	if ttl > storage.MaxSignedURLTTL {
		ttl = storage.MaxSignedURLTTL
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	newID := deps.IDGenerator
	if newID == nil {
		newID = func() string { return ulid.Make().String() }
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	return &exportService{
		renderer: deps.Renderer,
		exports:  deps.Exports,
		uploader: deps.Uploader,
		signer:   deps.Signer,
		bucket:   bucket,
		urlTTL:   ttl,
		clock: func() time.Time {
			return clock().UTC()
		},
		newID:  newID,
		logger: logger,
	}, nil
}

// DefaultShareInfo returns the share sheet metadata attached to every export.
func DefaultShareInfo() ShareInfo {
	return ShareInfo{
		FileName:    shareFileName,
		Title:       shareTitle,
		Text:        shareText,
		WhatsAppURL: whatsAppURL,
		EmailURL:    emailURL,
	}
}

func (s *exportService) ExportCard(ctx context.Context, session CardSession) (ExportResult, error) {
	if strings.TrimSpace(session.ID) == "" || strings.TrimSpace(session.OwnerID) == "" {
		return ExportResult{}, fmt.Errorf("%w: session id and owner are required", ErrExportInvalidInput)
	}
	png, err := s.renderer.Export(ctx, session.State.Card)
	if err != nil {
		return ExportResult{}, fmt.Errorf("%w: %v", ErrCardRenderFailed, err)
	}
	if s.bucket == "" {
		return ExportResult{PNG: png, Share: DefaultShareInfo()}, nil
	}

	exportID := s.newID()
	object, err := storage.ExportObject(session.ID, exportID)
	if err != nil {
		return ExportResult{}, fmt.Errorf("%w: %v", ErrExportInvalidInput, err)
	}
	if err := s.uploader.Upload(ctx, s.bucket, object, png, storage.UploadOptions{
		ContentType:  exportContentType,
		CacheControl: exportCacheControl,
		Metadata: map[string]string{
			"sessionId": session.ID,
			"ownerId":   session.OwnerID,
		},
	}); err != nil {
		return ExportResult{}, fmt.Errorf("%w: upload: %v", ErrExportStorage, err)
	}

	pixels := int(compose.CanvasSize * compose.ExportPixelRatio)
	record := CardExport{
		ID:          exportID,
		SessionID:   session.ID,
		OwnerID:     session.OwnerID,
		Bucket:      s.bucket,
		ObjectPath:  object,
		ContentType: exportContentType,
		Size:        int64(len(png)),
		Width:       pixels,
		Height:      pixels,
		CreatedAt:   s.clock(),
	}
	if err := s.exports.Insert(ctx, record); err != nil {
		return ExportResult{}, s.translateRepoErr(err)
	}

	result, err := s.sign(ctx, record)
	if err != nil {
		return ExportResult{}, err
	}
	s.logger(ctx, exportEventCreated, map[string]any{
		"exportId":  exportID,
		"sessionId": session.ID,
		"bytes":     len(png),
	})
	return result, nil
}

func (s *exportService) GetExport(ctx context.Context, ownerID, exportID string) (ExportResult, error) {
	ownerID = strings.TrimSpace(ownerID)
	exportID = strings.TrimSpace(exportID)
	if ownerID == "" || exportID == "" {
		return ExportResult{}, fmt.Errorf("%w: owner and export id are required", ErrExportInvalidInput)
	}
	if s.bucket == "" {
		return ExportResult{}, ErrExportNotFound
	}
	record, err := s.exports.Get(ctx, exportID)
	if err != nil {
		return ExportResult{}, s.translateRepoErr(err)
	}
	if record.OwnerID != ownerID {
		return ExportResult{}, ErrExportNotFound
	}
	return s.sign(ctx, record)
}

// StoreBackground uploads a generated data URL next to the session's exports
// and returns its gs:// reference. Without storage the data URL is returned
// as is.
func (s *exportService) StoreBackground(ctx context.Context, session CardSession, dataURL string) (string, error) {
	if s.bucket == "" {
		return dataURL, nil
	}
	data, contentType, err := decodeImageDataURL(dataURL)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrExportInvalidInput, err)
	}
	object, err := storage.BackgroundObject(session.ID, s.newID()+extensionFor(contentType))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrExportInvalidInput, err)
	}
	if err := s.uploader.Upload(ctx, s.bucket, object, data, storage.UploadOptions{
		ContentType: contentType,
		Metadata:    map[string]string{"sessionId": session.ID},
	}); err != nil {
		return "", fmt.Errorf("%w: upload background: %v", ErrExportStorage, err)
	}
	s.logger(ctx, exportEventBackground, map[string]any{
		"sessionId": session.ID,
		"object":    object,
	})
	return storage.ObjectURI(s.bucket, object), nil
}

// SignBackground turns a reference returned by StoreBackground into a
// download URL valid for the export URL TTL. Anything else passes through.
func (s *exportService) SignBackground(ctx context.Context, session CardSession, ref string) (string, error) {
	bucket, object, ok := storage.ParseObjectURI(ref)
	if !ok {
		return ref, nil
	}
	prefix, err := storage.BackgroundPrefix(session.ID)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrExportInvalidInput, err)
	}
	if s.bucket == "" || bucket != s.bucket || !strings.HasPrefix(object, prefix) {
		return "", fmt.Errorf("%w: background %s is outside the session", ErrExportInvalidInput, ref)
	}
	signed, err := s.signer.SignedDownloadURL(ctx, bucket, object, storage.DownloadOptions{
		ExpiresIn: s.urlTTL,
		OwnerID:   session.OwnerID,
		Requester: &auth.Owner{ID: session.OwnerID},
	})
	if err != nil {
		return "", fmt.Errorf("%w: sign background: %v", ErrExportStorage, err)
	}
	return signed.URL, nil
}

func (s *exportService) sign(ctx context.Context, record CardExport) (ExportResult, error) {
	signed, err := s.signer.SignedDownloadURL(ctx, record.Bucket, record.ObjectPath, storage.DownloadOptions{
		ExpiresIn:    s.urlTTL,
		Disposition:  fmt.Sprintf("inline; filename=%q", shareFileName),
		ResponseType: record.ContentType,
		OwnerID:      record.OwnerID,
		Requester:    &auth.Owner{ID: record.OwnerID},
	})
	if err != nil {
		return ExportResult{}, fmt.Errorf("%w: sign: %v", ErrExportStorage, err)
	}
	exp := record
	return ExportResult{
		Export:    &exp,
		URL:       signed.URL,
		ExpiresAt: signed.ExpiresAt,
		Share:     DefaultShareInfo(),
	}, nil
}

func (s *exportService) translateRepoErr(err error) error {
	switch {
	case repositories.IsNotFound(err):
		return ErrExportNotFound
	case repositories.IsUnavailable(err):
		return fmt.Errorf("%w: %v", ErrExportUnavailable, err)
	default:
		return fmt.Errorf("export: repository: %w", err)
	}
}

func decodeImageDataURL(src string) ([]byte, string, error) {
	header, payload, ok := strings.Cut(src, ",")
	if !ok || !strings.HasPrefix(header, "data:image/") || !strings.HasSuffix(header, ";base64") {
		return nil, "", errors.New("background is not a base64 image data URL")
	}
	contentType := strings.TrimSuffix(strings.TrimPrefix(header, "data:"), ";base64")
	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return nil, "", fmt.Errorf("decode background: %w", err)
	}
	if len(data) == 0 {
		return nil, "", errors.New("background is empty")
	}
	return data, contentType, nil
}

func extensionFor(contentType string) string {
	switch contentType {
	case "image/jpeg":
		return ".jpg"
	case "image/webp":
		return ".webp"
	case "image/gif":
		return ".gif"
	default:
		return ".png"
	}
}
