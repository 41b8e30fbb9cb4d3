package domain

import "time"

// AssetType enumerates stored artifact categories.
type AssetType string

const (
	AssetTypeImage AssetType = "IMAGE"
	AssetTypeAudio AssetType = "AUDIO"
)

// MaxUploadBytes caps the size of a manually uploaded file.
const MaxUploadBytes = 50 << 20

var uploadMimeTypes = map[string]AssetType{
	"image/jpeg": AssetTypeImage,
	"image/jpg":  AssetTypeImage,
	"image/png":  AssetTypeImage,
	"image/webp": AssetTypeImage,
	"image/gif":  AssetTypeImage,
	"audio/mpeg": AssetTypeAudio,
	"audio/mp3":  AssetTypeAudio,
	"audio/wav":  AssetTypeAudio,
	"audio/ogg":  AssetTypeAudio,
	"audio/webm": AssetTypeAudio,
}

// AssetTypeForMime maps an uploadable MIME type onto its asset type. The
// second return is false for types not accepted as uploads.
func AssetTypeForMime(mimeType string) (AssetType, bool) {
	t, ok := uploadMimeTypes[mimeType]
	return t, ok
}

// Asset is a durable artifact, either uploaded by a user or produced by a
// generation job. The pipeline's only write to assets is creation on
// successful generation.
type Asset struct {
	ID         string
	UserID     string
	PromptID   string
	Filename   string
	FileType   AssetType
	MimeType   string
	FileSize   int64
	StorageKey string
	StorageURL string
	Metadata   map[string]any
	Tags       []string
	Category   string
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// GeneratedArtifact is what a provider hands back before persistence: raw
// bytes plus whatever metadata the provider reported.
type GeneratedArtifact struct {
	Data     []byte
	MimeType string
	Width    int
	Height   int
	Duration int
	Metadata map[string]any
}
