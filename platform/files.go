package platform

import (
	"context"
	"fmt"
	"net/http"
	"time"

	metrics "github.com/Shyp/go-simple-metrics"

	"github.com/canopus-hq/docforge/models"
)

type FileService struct {
	client *Client
}

type uploadResponse struct {
	ID string `json:"id"`
}

// Upload stores a rendered document and returns the platform's opaque file
// identifier. Failures are UPLOAD_FAILED; a 4xx other than 401 means the
// platform will never accept this payload, so the error is permanent.
func (s *FileService) Upload(ctx context.Context, name, contentType string, data []byte) (string, error) {
	var res uploadResponse
	start := time.Now()
	err := s.client.Binary(ctx, "/v1/files", data, map[string]string{
		"X-File-Name":         name,
		"X-File-Content-Type": contentType,
	}, &res)
	go metrics.Time("platform.files.upload.latency", time.Since(start))
	if err != nil {
		perr := models.NewPipelineError("upload", models.CodeUploadFailed, err)
		if code := StatusCode(err); code >= 400 && code < 500 && code != http.StatusUnauthorized {
			perr.Permanent = true
		}
		go metrics.Increment("platform.files.upload.error")
		return "", perr
	}
	if res.ID == "" {
		return "", models.NewPipelineError("upload", models.CodeUploadFailed,
			fmt.Errorf("platform accepted upload of %s but returned no file id", name))
	}
	go metrics.Increment("platform.files.upload.success")
	return res.ID, nil
}

type LinkService struct {
	client *Client
}

type linkRequest struct {
	FileID   string `json:"fileId"`
	RecordID string `json:"recordId"`
	Relation string `json:"relation"`
}

// Create associates a stored file with one business record. Callers treat
// failures as non-fatal: the file stays stored and reachable even when a
// link cannot be made.
func (s *LinkService) Create(ctx context.Context, fileID, recordID, relation string) error {
	err := s.client.JSON(ctx, "POST", "/v1/links", linkRequest{
		FileID:   fileID,
		RecordID: recordID,
		Relation: relation,
	}, nil)
	if err != nil {
		go metrics.Increment("platform.links.create.error")
		return models.NewPipelineError("link", models.CodeLinkFailed, err)
	}
	go metrics.Increment("platform.links.create.success")
	return nil
}
