package platform

import (
	"context"
	"fmt"
	"net/http"
	"time"

	metrics "github.com/Shyp/go-simple-metrics"

	"github.com/canopus-hq/docforge/models"
)

type TemplateService struct {
	client *Client
}

// Content downloads the raw bytes of a template. Template identifiers are
// content-addressed on the platform side, so the same ID always returns the
// same bytes; the template cache depends on that.
//
// A missing template is a non-retryable TEMPLATE_NOT_FOUND.
func (s *TemplateService) Content(ctx context.Context, templateID string) ([]byte, error) {
	start := time.Now()
	body, err := s.client.Raw(ctx, "GET", fmt.Sprintf("/v1/templates/%s/content", templateID))
	go metrics.Time("platform.templates.fetch.latency", time.Since(start))
	if err != nil {
		if StatusCode(err) == http.StatusNotFound {
			return nil, models.NewPipelineError("fetch-template", models.CodeTemplateNotFound,
				fmt.Errorf("template %s does not exist: %w", templateID, err))
		}
		return nil, err
	}
	return body, nil
}
