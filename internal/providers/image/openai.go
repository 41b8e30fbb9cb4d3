// Package image contains image generation providers.
package image

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"image/png"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/shimimasa/game-asset-manager/internal/domain"
	"github.com/shimimasa/game-asset-manager/internal/infra"
)

// GenerateRequest is the normalized request passed to any image provider.
type GenerateRequest struct {
	Prompt    string
	Size      string
	Quality   string
	Style     string
	RequestID string
}

// Generator is the contract implemented by all image providers.
type Generator interface {
	Generate(ctx context.Context, req GenerateRequest) (*domain.GeneratedArtifact, error)
}

const providerName = "openai-images"

// Options configures the OpenAI image client.
type Options struct {
	APIKey     string
	BaseURL    string
	Model      string
	HTTPClient *http.Client
	Logger     *infra.Logger
}

// OpenAIGenerator calls the OpenAI images API (DALL-E 3). Without an API key
// it produces deterministic synthetic PNGs so the worker stays fully
// operational in local and CI environments.
type OpenAIGenerator struct {
	apiKey     string
	baseURL    string
	model      string
	httpClient *http.Client
	logger     *infra.Logger
}

// NewOpenAIGenerator creates the image provider.
func NewOpenAIGenerator(opts Options) *OpenAIGenerator {
	baseURL := strings.TrimRight(opts.BaseURL, "/")
	if baseURL == "" {
		baseURL = "https://api.openai.com/v1"
	}
	model := opts.Model
	if model == "" {
		model = "dall-e-3"
	}
	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 120 * time.Second}
	}
	return &OpenAIGenerator{
		apiKey:     strings.TrimSpace(opts.APIKey),
		baseURL:    baseURL,
		model:      model,
		httpClient: client,
		logger:     opts.Logger,
	}
}

type imagesGenerateRequest struct {
	Model          string `json:"model"`
	Prompt         string `json:"prompt"`
	Size           string `json:"size"`
	Quality        string `json:"quality"`
	Style          string `json:"style"`
	N              int    `json:"n"`
	ResponseFormat string `json:"response_format"`
}

type imagesGenerateResponse struct {
	Data []struct {
		B64JSON       string `json:"b64_json"`
		RevisedPrompt string `json:"revised_prompt"`
	} `json:"data"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

// Generate produces one image for the request.
func (g *OpenAIGenerator) Generate(ctx context.Context, req GenerateRequest) (*domain.GeneratedArtifact, error) {
	if g.apiKey == "" {
		if g.logger != nil {
			g.logger.Warn().Str("request_id", req.RequestID).Msg("image: api key missing, producing synthetic artifact")
		}
		return syntheticImage(req)
	}

	payload, err := json.Marshal(imagesGenerateRequest{
		Model:          g.model,
		Prompt:         req.Prompt,
		Size:           req.Size,
		Quality:        req.Quality,
		Style:          req.Style,
		N:              1,
		ResponseFormat: "b64_json",
	})
	if err != nil {
		return nil, domain.NewPermanentProviderError(providerName, fmt.Sprintf("encode request: %v", err))
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, g.baseURL+"/images/generations", bytes.NewReader(payload))
	if err != nil {
		return nil, domain.NewPermanentProviderError(providerName, fmt.Sprintf("build request: %v", err))
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+g.apiKey)

	resp, err := g.httpClient.Do(httpReq)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return nil, err
		}
		// Network failures and timeouts are worth retrying.
		return nil, domain.NewTransientProviderError(providerName, err.Error())
	}
	defer resp.Body.Close()

	var decoded imagesGenerateResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil && resp.StatusCode == http.StatusOK {
		return nil, domain.NewTransientProviderError(providerName, fmt.Sprintf("decode response: %v", err))
	}

	if resp.StatusCode != http.StatusOK {
		message := resp.Status
		if decoded.Error != nil && decoded.Error.Message != "" {
			message = decoded.Error.Message
		}
		if transientStatus(resp.StatusCode) {
			return nil, domain.NewTransientProviderError(providerName, message)
		}
		return nil, domain.NewPermanentProviderError(providerName, message)
	}

	if len(decoded.Data) == 0 || decoded.Data[0].B64JSON == "" {
		return nil, domain.NewTransientProviderError(providerName, "no image returned")
	}
	data, err := base64.StdEncoding.DecodeString(decoded.Data[0].B64JSON)
	if err != nil {
		return nil, domain.NewTransientProviderError(providerName, fmt.Sprintf("decode image payload: %v", err))
	}

	width, height := ParseSize(req.Size)
	metadata := map[string]any{"provider": providerName, "model": g.model}
	if decoded.Data[0].RevisedPrompt != "" {
		metadata["revised_prompt"] = decoded.Data[0].RevisedPrompt
	}
	return &domain.GeneratedArtifact{
		Data:     data,
		MimeType: "image/png",
		Width:    width,
		Height:   height,
		Metadata: metadata,
	}, nil
}

// transientStatus reports whether an HTTP status is worth retrying: rate
// limits and server-side failures are, client errors are not.
func transientStatus(status int) bool {
	return status == http.StatusTooManyRequests || status >= 500
}

// ParseSize splits a "WxH" size string; unknown input falls back to
// 1024x1024.
func ParseSize(size string) (int, int) {
	parts := strings.SplitN(size, "x", 2)
	if len(parts) == 2 {
		w, werr := strconv.Atoi(parts[0])
		h, herr := strconv.Atoi(parts[1])
		if werr == nil && herr == nil && w > 0 && h > 0 {
			return w, h
		}
	}
	return 1024, 1024
}

// syntheticImage renders a deterministic flat-color PNG derived from the
// prompt so repeated runs produce identical bytes.
func syntheticImage(req GenerateRequest) (*domain.GeneratedArtifact, error) {
	width, height := ParseSize(req.Size)
	sum := sha256.Sum256([]byte(req.Prompt))

	img := image.NewRGBA(image.Rect(0, 0, width, height))
	fill := color.RGBA{R: sum[0], G: sum[1], B: sum[2], A: 255}
	draw.Draw(img, img.Bounds(), &image.Uniform{C: fill}, image.Point{}, draw.Src)

	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, domain.NewPermanentProviderError(providerName, fmt.Sprintf("encode synthetic image: %v", err))
	}
	return &domain.GeneratedArtifact{
		Data:     buf.Bytes(),
		MimeType: "image/png",
		Width:    width,
		Height:   height,
		Metadata: map[string]any{"provider": providerName, "synthetic": true},
	}, nil
}

var _ Generator = (*OpenAIGenerator)(nil)
