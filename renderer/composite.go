package renderer

import (
	"bytes"
	"context"
	"fmt"
	"io"

	"github.com/pdfcpu/pdfcpu/pkg/api"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/canopus-hq/docforge/models"
	"github.com/canopus-hq/docforge/platform"
)

// A Concatenator stitches converted parts into one document, in the order
// given.
type Concatenator interface {
	Concatenate(ctx context.Context, parts [][]byte) ([]byte, error)
}

// renderComposite renders each part against its namespace slice of the data
// and concatenates the converted results in ascending sequence order. Parts
// render in parallel; the converter pool is the concurrency ceiling, so no
// extra bound is applied here.
func (r *Renderer) renderComposite(ctx context.Context, env *models.RequestEnvelope, correlationID string) ([]byte, error) {
	if r.Concatenator == nil {
		return nil, models.NewPipelineError("concatenate", models.CodeConversionFailed,
			fmt.Errorf("no concatenator configured"))
	}
	refs := env.OrderedTemplates()
	parts := make([][]byte, len(refs))

	g, gctx := errgroup.WithContext(ctx)
	for i, ref := range refs {
		i, ref := i, ref
		g.Go(func() error {
			data, err := namespaceData(env.Data, ref.Namespace)
			if err != nil {
				return err
			}
			tmpl, err := r.Templates.Get(gctx, ref.TemplateID)
			if err != nil {
				return models.Classify("fetch-template", err)
			}
			merged, err := r.Merger.Merge(gctx, tmpl, data)
			if err != nil {
				return models.Classify("merge", err)
			}
			part, err := r.Converter.Convert(gctx, merged, env.OutputFormat, correlationID)
			if err != nil {
				return err
			}
			parts[i] = part
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	debug("concatenating %d parts", len(parts))
	out, err := r.Concatenator.Concatenate(ctx, parts)
	if err != nil {
		return nil, models.Classify("concatenate", err)
	}
	r.logger().Debug("composite assembled",
		zap.String("correlation_id", platform.CorrelationID(ctx)),
		zap.Int("parts", len(parts)))
	return out, nil
}

// PDFConcatenator merges converted PDF parts into a single document.
type PDFConcatenator struct {
	// SectionBreaks inserts a divider page between parts.
	SectionBreaks bool
}

func (c *PDFConcatenator) Concatenate(ctx context.Context, parts [][]byte) ([]byte, error) {
	if len(parts) == 1 {
		return parts[0], nil
	}
	readers := make([]io.ReadSeeker, len(parts))
	for i, part := range parts {
		readers[i] = bytes.NewReader(part)
	}
	var out bytes.Buffer
	if err := api.MergeRaw(readers, &out, c.SectionBreaks, nil); err != nil {
		return nil, models.NewPipelineError("concatenate", models.CodeConversionFailed,
			fmt.Errorf("merging %d pdf parts: %w", len(parts), err))
	}
	return out.Bytes(), nil
}
