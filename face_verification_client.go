package main

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"time"

	"go-attendance-verifier/capture"
	"go-attendance-verifier/images"
	"go-attendance-verifier/models"
)

const DefaultSimilarityThreshold = 0.75

// Regula image sources
const (
	regulaImageDocument = 1
	regulaImageLive     = 3
)

var ErrMissingFrame = errors.New("no camera frame provided")

// FaceVerificationClient defines the interface for face verification operations
type FaceVerificationClient interface {
	// MatchFaces compares a reference photo with a live frame
	MatchFaces(ctx context.Context, reference, live string) (*models.FaceMatchResponse, error)

	// HealthCheck verifies the Regula Face API service is available
	HealthCheck(ctx context.Context) error
}

// RegulaFaceClient implements the FaceVerificationClient interface
type RegulaFaceClient struct {
	baseURL    string
	threshold  float64
	httpClient *http.Client
}

// NewRegulaFaceClient creates a new instance of RegulaFaceClient. A
// threshold outside (0, 1] falls back to DefaultSimilarityThreshold.
func NewRegulaFaceClient(baseURL string, threshold float64) *RegulaFaceClient {
	if threshold <= 0 || threshold > 1 {
		threshold = DefaultSimilarityThreshold
	}
	return &RegulaFaceClient{
		baseURL:   baseURL,
		threshold: threshold,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// MatchFaces compares two face images using Regula Face API
func (c *RegulaFaceClient) MatchFaces(ctx context.Context, reference, live string) (*models.FaceMatchResponse, error) {
	url := fmt.Sprintf("%s/api/match", c.baseURL)

	requestBody := models.FaceMatchRequest{
		Images: []models.FaceMatchImage{
			{Type: regulaImageDocument, Data: reference, Index: 1},
			{Type: regulaImageLive, Data: live, Index: 2},
		},
	}

	jsonData, err := json.Marshal(requestBody)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal match request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewBuffer(jsonData))
	if err != nil {
		return nil, fmt.Errorf("failed to create match request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to execute match request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("face match failed with status %d: %s", resp.StatusCode, string(body))
	}

	var regulaResponse struct {
		Results []struct {
			Similarity float64 `json:"similarity"`
		} `json:"results"`
	}

	if err := json.NewDecoder(resp.Body).Decode(&regulaResponse); err != nil {
		return nil, fmt.Errorf("failed to decode match response: %w", err)
	}

	var similarity float64
	if len(regulaResponse.Results) > 0 {
		similarity = regulaResponse.Results[0].Similarity
	}

	matched := similarity >= c.threshold

	slog.Info("Face match completed", "similarity", similarity, "matched", matched)

	return &models.FaceMatchResponse{
		Similarity: similarity,
		Matched:    matched,
	}, nil
}

// HealthCheck verifies the Regula Face API service is available
func (c *RegulaFaceClient) HealthCheck(ctx context.Context) error {
	url := fmt.Sprintf("%s/api/healthz", c.baseURL)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("failed to create health check request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to execute health check request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("health check failed with status %d: %s", resp.StatusCode, string(body))
	}

	slog.Info("Regula Face API health check passed")
	return nil
}

// RegulaCapturer is the capture strategy that matches the live frame
// against the configured reference photo.
type RegulaCapturer struct {
	client    FaceVerificationClient
	reference string
}

func NewRegulaCapturer(client FaceVerificationClient, reference string) *RegulaCapturer {
	return &RegulaCapturer{client: client, reference: reference}
}

// LoadReferencePhoto reads an image file and normalises it like a frame.
func LoadReferencePhoto(path string) (string, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("failed to read reference photo: %w", err)
	}
	return images.NormalizeFrame(base64.StdEncoding.EncodeToString(b), images.DefaultMaxWidth, images.DefaultMaxHeight)
}

func (rc *RegulaCapturer) Capture(ctx context.Context, frame capture.Frame) (capture.Result, error) {
	if frame.Image == "" {
		return capture.Result{}, ErrMissingFrame
	}

	live, err := images.NormalizeFrame(frame.Image, images.DefaultMaxWidth, images.DefaultMaxHeight)
	if err != nil {
		return capture.Result{}, fmt.Errorf("failed to normalise frame: %w", err)
	}

	match, err := rc.client.MatchFaces(ctx, rc.reference, live)
	if err != nil {
		return capture.Result{}, err
	}
	return capture.Result{Matched: match.Matched, Similarity: match.Similarity}, nil
}
