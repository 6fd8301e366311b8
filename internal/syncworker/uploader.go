package syncworker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/sessionwire/sessionwire/internal/envelope"
)

// BatchRequest is the wire shape of one sync batch.
type BatchRequest struct {
	DeviceID  string              `json:"deviceId"`
	Envelopes []envelope.Envelope `json:"envelopes"`
}

// BatchResponse carries the per-envelope verdicts.
type BatchResponse struct {
	Results []UploadResult `json:"results"`
}

// HTTPUploader posts batches to the cloud store's sync endpoint.
type HTTPUploader struct {
	Endpoint string
	Client   *http.Client
}

// NewHTTPUploader builds an uploader for the given sync endpoint.
func NewHTTPUploader(endpoint string) *HTTPUploader {
	return &HTTPUploader{
		Endpoint: endpoint,
		Client:   &http.Client{Timeout: 15 * time.Second},
	}
}

func (u *HTTPUploader) UploadBatch(ctx context.Context, auth AuthContext, batch []envelope.Envelope) ([]UploadResult, error) {
	body, err := json.Marshal(BatchRequest{DeviceID: auth.DeviceID, Envelopes: batch})
	if err != nil {
		return nil, fmt.Errorf("encode batch: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.Endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+auth.Token)

	resp, err := u.Client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("post batch: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("sync endpoint returned %s", resp.Status)
	}

	var decoded BatchResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, fmt.Errorf("decode batch response: %w", err)
	}
	return decoded.Results, nil
}
