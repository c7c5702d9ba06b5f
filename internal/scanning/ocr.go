package scanning

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/zombor/fleet-receipts/internal/auth"
)

// OCRClient implements Recognizer against the OCR endpoint.
// It makes exactly one request per call; retrying is left to the capture session.
type OCRClient struct {
	endpoint string
	images   ImageSource
	client   *http.Client
	limiter  *rate.Limiter
	// forwardAuth sends the caller's bearer token to the OCR endpoint
	forwardAuth bool
}

// OCROption configures an OCRClient
type OCROption func(*OCRClient)

// WithHTTPClient replaces the default client (60 second timeout)
func WithHTTPClient(client *http.Client) OCROption {
	return func(c *OCRClient) {
		c.client = client
	}
}

// WithRateLimit caps outbound OCR requests per second. Zero or negative disables the limit.
func WithRateLimit(perSecond float64, burst int) OCROption {
	return func(c *OCRClient) {
		if perSecond <= 0 {
			c.limiter = nil
			return
		}
		if burst < 1 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(perSecond), burst)
	}
}

// WithForwardAuth sends the caller's session token as a bearer token on each OCR request.
// Only enable it for an OCR service that trusts this service's tokens.
func WithForwardAuth() OCROption {
	return func(c *OCRClient) {
		c.forwardAuth = true
	}
}

type ocrRequest struct {
	Image string `json:"image"`
}

type ocrResponse struct {
	Text *string `json:"text"`
}

// NewOCRClient creates a Recognizer that reads images from images and posts them to endpoint
func NewOCRClient(endpoint string, images ImageSource, opts ...OCROption) (*OCRClient, error) {
	if endpoint == "" {
		return nil, fmt.Errorf("ocr endpoint is required")
	}
	if images == nil {
		return nil, fmt.Errorf("image source is required")
	}

	c := &OCRClient{
		endpoint: endpoint,
		images:   images,
		client:   &http.Client{Timeout: 60 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Recognize returns the text found in the image. A missing or blank text field is a failure;
// sentinel text such as "no text found" is returned as is.
func (c *OCRClient) Recognize(ctx context.Context, imageRef string) (string, error) {
	data, err := c.images.Get(imageRef)
	if err != nil {
		return "", fmt.Errorf("%w: reading image: %v", ErrRecognitionFailed, err)
	}

	jpegData, converted, err := prepareImage(data)
	if err != nil {
		return "", fmt.Errorf("%w: preparing image: %v", ErrRecognitionFailed, err)
	}
	if converted {
		slog.Debug("converted image for ocr", "image_ref", imageRef, "original_bytes", len(data), "jpeg_bytes", len(jpegData))
	}

	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return "", fmt.Errorf("%w: waiting for rate limit: %w", ErrRecognitionFailed, err)
		}
	}

	headers := http.Header{}
	if s, ok := auth.FromContext(ctx); c.forwardAuth && ok && s.Token != "" {
		headers.Set("Authorization", "Bearer "+s.Token)
	}

	payload := ocrRequest{Image: "data:image/jpeg;base64," + base64.StdEncoding.EncodeToString(jpegData)}
	var resp ocrResponse
	if err := postJSON(ctx, c.client, c.endpoint, headers, payload, &resp, "ocr"); err != nil {
		return "", fmt.Errorf("%w: %w", ErrRecognitionFailed, err)
	}
	if resp.Text == nil {
		return "", fmt.Errorf("%w: response has no text field", ErrRecognitionFailed)
	}
	text := strings.TrimSpace(*resp.Text)
	if text == "" {
		return "", fmt.Errorf("%w: response text is empty", ErrRecognitionFailed)
	}

	return text, nil
}
