package service

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/shimimasa/game-asset-manager/internal/domain"
	"github.com/shimimasa/game-asset-manager/internal/ratelimit"
	"github.com/shimimasa/game-asset-manager/internal/storage"
)

type fakeAssetRepo struct {
	assets    map[string]*domain.Asset
	createErr error
}

func newFakeAssetRepo() *fakeAssetRepo {
	return &fakeAssetRepo{assets: map[string]*domain.Asset{}}
}

func (r *fakeAssetRepo) Create(_ context.Context, a *domain.Asset) error {
	if r.createErr != nil {
		return r.createErr
	}
	r.assets[a.ID] = a
	return nil
}

func (r *fakeAssetRepo) GetForUser(_ context.Context, id, userID string) (*domain.Asset, error) {
	a, ok := r.assets[id]
	if !ok || a.UserID != userID {
		return nil, domain.ErrNotFound
	}
	return a, nil
}

func (r *fakeAssetRepo) List(_ context.Context, userID string, _ domain.AssetFilter, _ domain.Page) ([]domain.Asset, int, error) {
	var out []domain.Asset
	for _, a := range r.assets {
		if a.UserID == userID {
			out = append(out, *a)
		}
	}
	return out, len(out), nil
}

func (r *fakeAssetRepo) Delete(_ context.Context, id, userID string) error {
	a, ok := r.assets[id]
	if !ok || a.UserID != userID {
		return domain.ErrNotFound
	}
	delete(r.assets, id)
	return nil
}

func uploadRegistry(points int) *ratelimit.Registry {
	reg := ratelimit.NewRegistry(true)
	reg.Register(UserUploadLimiter, ratelimit.Config{Points: points, Window: time.Hour})
	return reg
}

func newUploadService(t *testing.T, assets *fakeAssetRepo, points int) (*AssetService, *storage.FileStore) {
	t.Helper()
	store, err := storage.NewFileStore(t.TempDir(), "http://localhost:8080/files")
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	logger := zerolog.Nop()
	return NewAssetService(assets, store, uploadRegistry(points), logger), store
}

func TestUploadStoresFileAndCreatesRecord(t *testing.T) {
	assets := newFakeAssetRepo()
	svc, store := newUploadService(t, assets, 10)

	asset, err := svc.Upload(context.Background(), "u1", UploadInput{
		Filename: "hero.png",
		MimeType: "image/png",
		Data:     []byte("png-bytes"),
		Tags:     []string{"sprites"},
		Category: "characters",
	})
	if err != nil {
		t.Fatalf("Upload: %v", err)
	}
	if asset.FileType != domain.AssetTypeImage {
		t.Errorf("FileType = %s, want IMAGE", asset.FileType)
	}
	if asset.UserID != "u1" || asset.Category != "characters" {
		t.Errorf("asset = %+v", asset)
	}
	if _, ok := assets.assets[asset.ID]; !ok {
		t.Fatal("asset row not created")
	}
	data, err := store.Read(context.Background(), asset.StorageKey)
	if err != nil {
		t.Fatalf("stored object missing: %v", err)
	}
	if string(data) != "png-bytes" {
		t.Errorf("stored bytes = %q", data)
	}
}

func TestUploadRejectsUnsupportedType(t *testing.T) {
	svc, _ := newUploadService(t, newFakeAssetRepo(), 10)

	_, err := svc.Upload(context.Background(), "u1", UploadInput{
		Filename: "payload.exe",
		MimeType: "application/octet-stream",
		Data:     []byte("nope"),
	})
	if !errors.Is(err, domain.ErrInvalidParameters) {
		t.Fatalf("err = %v, want invalid parameters", err)
	}
}

func TestUploadRejectsEmptyFile(t *testing.T) {
	svc, _ := newUploadService(t, newFakeAssetRepo(), 10)

	_, err := svc.Upload(context.Background(), "u1", UploadInput{
		Filename: "empty.png",
		MimeType: "image/png",
	})
	if !errors.Is(err, domain.ErrInvalidParameters) {
		t.Fatalf("err = %v, want invalid parameters", err)
	}
}

func TestUploadRateLimited(t *testing.T) {
	svc, _ := newUploadService(t, newFakeAssetRepo(), 1)

	in := UploadInput{Filename: "a.png", MimeType: "image/png", Data: []byte("x")}
	if _, err := svc.Upload(context.Background(), "u1", in); err != nil {
		t.Fatalf("first upload: %v", err)
	}
	_, err := svc.Upload(context.Background(), "u1", in)
	var rle *domain.RateLimitedError
	if !errors.As(err, &rle) {
		t.Fatalf("err = %v, want rate limited", err)
	}
	if rle.Scope != UserUploadLimiter {
		t.Errorf("scope = %q", rle.Scope)
	}

	// Other users keep their own budget.
	if _, err := svc.Upload(context.Background(), "u2", in); err != nil {
		t.Fatalf("other user's upload: %v", err)
	}
}

func TestUploadCleansUpOnCreateFailure(t *testing.T) {
	assets := newFakeAssetRepo()
	assets.createErr = errors.New("insert failed")
	svc, store := newUploadService(t, assets, 10)

	_, err := svc.Upload(context.Background(), "u1", UploadInput{
		Filename: "a.png",
		MimeType: "image/png",
		Data:     []byte("x"),
	})
	if err == nil {
		t.Fatal("Upload succeeded despite create failure")
	}
	// The stored object must not be left behind.
	entries, err := os.ReadDir(filepath.Join(store.BasePath(), "uploads", "u1"))
	if err == nil && len(entries) > 0 {
		t.Errorf("orphan object survived cleanup: %v", entries)
	}
}
