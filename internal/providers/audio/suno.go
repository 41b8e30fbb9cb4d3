// Package audio contains audio generation providers.
package audio

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/shimimasa/game-asset-manager/internal/domain"
	"github.com/shimimasa/game-asset-manager/internal/infra"
)

// GenerateRequest is the normalized request passed to any audio provider.
type GenerateRequest struct {
	Prompt      string
	Duration    int
	Genre       string
	Mood        string
	Instruments []string
	RequestID   string
}

// Generator is the contract implemented by all audio providers.
type Generator interface {
	Generate(ctx context.Context, req GenerateRequest) (*domain.GeneratedArtifact, error)
}

const providerName = "suno-requests"

// Options configures the Suno client.
type Options struct {
	APIKey     string
	BaseURL    string
	HTTPClient *http.Client
	Logger     *infra.Logger
}

// SunoGenerator targets a Suno-style music generation API. Without an API
// key it produces deterministic synthetic audio, which also serves as the
// integration placeholder while the upstream API is unavailable.
type SunoGenerator struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
	logger     *infra.Logger
}

// NewSunoGenerator creates the audio provider.
func NewSunoGenerator(opts Options) *SunoGenerator {
	baseURL := strings.TrimRight(opts.BaseURL, "/")
	if baseURL == "" {
		baseURL = "https://api.suno.ai/v1"
	}
	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 180 * time.Second}
	}
	return &SunoGenerator{
		apiKey:     strings.TrimSpace(opts.APIKey),
		baseURL:    baseURL,
		httpClient: client,
		logger:     opts.Logger,
	}
}

type sunoGenerateRequest struct {
	Prompt      string   `json:"prompt"`
	Duration    int      `json:"duration"`
	Genre       string   `json:"genre,omitempty"`
	Mood        string   `json:"mood,omitempty"`
	Instruments []string `json:"instruments,omitempty"`
}

type sunoGenerateResponse struct {
	AudioURL string `json:"audio_url"`
	Error    string `json:"error"`
}

// Generate produces one audio clip for the request.
func (g *SunoGenerator) Generate(ctx context.Context, req GenerateRequest) (*domain.GeneratedArtifact, error) {
	if g.apiKey == "" {
		if g.logger != nil {
			g.logger.Warn().Str("request_id", req.RequestID).Msg("audio: api key missing, producing synthetic artifact")
		}
		return syntheticAudio(req), nil
	}

	payload, err := json.Marshal(sunoGenerateRequest{
		Prompt:      req.Prompt,
		Duration:    req.Duration,
		Genre:       req.Genre,
		Mood:        req.Mood,
		Instruments: req.Instruments,
	})
	if err != nil {
		return nil, domain.NewPermanentProviderError(providerName, fmt.Sprintf("encode request: %v", err))
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, g.baseURL+"/generate", bytes.NewReader(payload))
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
		return nil, domain.NewTransientProviderError(providerName, err.Error())
	}
	defer resp.Body.Close()

	var decoded sunoGenerateResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil && resp.StatusCode == http.StatusOK {
		return nil, domain.NewTransientProviderError(providerName, fmt.Sprintf("decode response: %v", err))
	}

	if resp.StatusCode != http.StatusOK {
		message := resp.Status
		if decoded.Error != "" {
			message = decoded.Error
		}
		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			return nil, domain.NewTransientProviderError(providerName, message)
		}
		return nil, domain.NewPermanentProviderError(providerName, message)
	}
	if decoded.AudioURL == "" {
		return nil, domain.NewTransientProviderError(providerName, "no audio returned")
	}

	data, err := g.download(ctx, decoded.AudioURL)
	if err != nil {
		return nil, domain.NewTransientProviderError(providerName, fmt.Sprintf("download audio: %v", err))
	}

	return &domain.GeneratedArtifact{
		Data:     data,
		MimeType: "audio/mpeg",
		Duration: req.Duration,
		Metadata: map[string]any{
			"provider":   providerName,
			"duration":   req.Duration,
			"genre":      req.Genre,
			"mood":       req.Mood,
			"source_url": decoded.AudioURL,
		},
	}, nil
}

func (g *SunoGenerator) download(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := g.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %s", resp.Status)
	}
	return io.ReadAll(resp.Body)
}

// syntheticAudio emits a deterministic pseudo-waveform derived from the
// prompt. One kilobyte per requested second keeps fixtures small while
// still scaling with duration.
func syntheticAudio(req GenerateRequest) *domain.GeneratedArtifact {
	seed := sha256.Sum256([]byte(req.Prompt))
	size := req.Duration * 1024
	if size <= 0 {
		size = 1024
	}

	data := make([]byte, 0, size)
	counter := uint64(0)
	block := seed[:]
	for len(data) < size {
		var next [8]byte
		binary.BigEndian.PutUint64(next[:], counter)
		sum := sha256.Sum256(append(block, next[:]...))
		data = append(data, sum[:]...)
		counter++
	}

	genre := req.Genre
	if genre == "" {
		genre = "electronic"
	}
	mood := req.Mood
	if mood == "" {
		mood = "energetic"
	}
	return &domain.GeneratedArtifact{
		Data:     data[:size],
		MimeType: "audio/mpeg",
		Duration: req.Duration,
		Metadata: map[string]any{
			"provider":    providerName,
			"synthetic":   true,
			"duration":    req.Duration,
			"genre":       genre,
			"mood":        mood,
			"bitrate":     320000,
			"sample_rate": 44100,
		},
	}
}

var _ Generator = (*SunoGenerator)(nil)
