package tts

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/onnwee/ttsbot-control/telemetry"
)

// VendorTimeout bounds one synthesis call.
const VendorTimeout = 60 * time.Second

// MaxTextLength caps test synthesis input.
const MaxTextLength = 500

// VendorError is a failed synthesis, either a non-2xx response or a task the vendor
// reported as failed.
type VendorError struct {
	Status  int
	Message string
}

func (e *VendorError) Error() string {
	return fmt.Sprintf("speech vendor error (%d): %s", e.Status, e.Message)
}

// Result is a completed synthesis.
type Result struct {
	AudioURL  string
	RequestID string
}

// Client calls a Wavespeed-style synthesis API: POST {BaseURL}/api/v3/{Model} with a
// bearer key, synchronous mode, and the output URL in data.outputs[0].
type Client struct {
	BaseURL    string
	APIKey     string
	Model      string
	HTTPClient *http.Client

	limiter *rate.Limiter
}

// NewClient limits outbound calls to perMinute (burst of 5). perMinute <= 0 disables
// the limit.
func NewClient(baseURL, apiKey, model string, perMinute int) *Client {
	lim := rate.NewLimiter(rate.Inf, 0)
	if perMinute > 0 {
		lim = rate.NewLimiter(rate.Every(time.Minute/time.Duration(perMinute)), 5)
	}
	return &Client{
		BaseURL: strings.TrimRight(baseURL, "/"),
		APIKey:  apiKey,
		Model:   model,
		limiter: lim,
	}
}

type synthRequest struct {
	Text                 string  `json:"text"`
	VoiceID              string  `json:"voice_id"`
	Emotion              string  `json:"emotion"`
	Pitch                int     `json:"pitch"`
	Speed                float64 `json:"speed"`
	Volume               float64 `json:"volume"`
	LanguageBoost        string  `json:"language_boost,omitempty"`
	EnglishNormalization bool    `json:"english_normalization"`
	EnableSyncMode       bool    `json:"enable_sync_mode"`
}

type synthResponse struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    struct {
		ID      string   `json:"id"`
		Status  string   `json:"status"`
		Outputs []string `json:"outputs"`
		Error   string   `json:"error"`
	} `json:"data"`
}

// Synthesize renders text with p and returns the audio URL.
func (c *Client) Synthesize(ctx context.Context, text string, p Params) (*Result, error) {
	if c.APIKey == "" {
		return nil, &VendorError{Status: http.StatusServiceUnavailable, Message: "speech vendor not configured"}
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("tts rate limit: %w", err)
	}
	var (
		res *Result
		err error
	)
	telemetry.TimeFunc(telemetry.TTSDuration, func() { res, err = c.synthesize(ctx, text, p) })
	if err != nil {
		telemetry.TTSRequests.WithLabelValues("failure").Inc()
		return nil, err
	}
	telemetry.TTSRequests.WithLabelValues("success").Inc()
	return res, nil
}

func (c *Client) synthesize(ctx context.Context, text string, p Params) (res *Result, err error) {
	ctx, cancel := context.WithTimeout(ctx, VendorTimeout)
	defer cancel()
	ctx, span := telemetry.StartClientSpan(ctx, "speech-vendor", c.Model)
	defer func() { telemetry.EndSpan(span, err) }()

	lang := p.LanguageBoost
	if lang == "None" {
		lang = ""
	}
	body, err := json.Marshal(synthRequest{
		Text:                 text,
		VoiceID:              p.VoiceID,
		Emotion:              p.Emotion,
		Pitch:                p.Pitch,
		Speed:                p.Speed,
		Volume:               1,
		LanguageBoost:        lang,
		EnglishNormalization: p.EnglishNormalization,
		EnableSyncMode:       true,
	})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/api/v3/"+c.Model, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.APIKey)
	req.Header.Set("Content-Type", "application/json")
	hc := c.HTTPClient
	if hc == nil {
		hc = http.DefaultClient
	}
	resp, err := hc.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			slog.Warn("failed to close response body", slog.Any("err", err))
		}
	}()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, err
	}
	var out synthResponse
	decodeErr := json.Unmarshal(raw, &out)
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg := strings.TrimSpace(string(raw))
		if decodeErr == nil && out.Message != "" {
			msg = out.Message
		}
		return nil, &VendorError{Status: resp.StatusCode, Message: msg}
	}
	if decodeErr != nil {
		return nil, fmt.Errorf("decode speech vendor response: %w", decodeErr)
	}
	if out.Data.Status == "failed" || len(out.Data.Outputs) == 0 || out.Data.Outputs[0] == "" {
		msg := out.Data.Error
		if msg == "" {
			msg = out.Message
		}
		if msg == "" {
			msg = "synthesis produced no audio (status " + out.Data.Status + ")"
		}
		return nil, &VendorError{Status: http.StatusBadGateway, Message: msg}
	}
	return &Result{AudioURL: out.Data.Outputs[0], RequestID: out.Data.ID}, nil
}
