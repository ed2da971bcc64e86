// Package renderer runs the document pipeline: validate, check for reusable
// output, fetch templates, merge, convert and store. It is shared verbatim
// by the batch scheduler and the interactive endpoint; the only difference
// between the two paths is who calls Render and what they do with the
// result.
package renderer

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	godebug "github.com/Shyp/go-debug"
	metrics "github.com/Shyp/go-simple-metrics"
	"go.uber.org/zap"

	"github.com/canopus-hq/docforge/idempotency"
	"github.com/canopus-hq/docforge/merge"
	"github.com/canopus-hq/docforge/models"
	"github.com/canopus-hq/docforge/platform"
)

var debug = godebug.Debug("docforge:renderer")

// TemplateSource hands out immutable template bytes by ID. Satisfied by
// *templatecache.Cache.
type TemplateSource interface {
	Get(ctx context.Context, templateID string) ([]byte, error)
}

// Converter turns a merged document into the target format. Satisfied by
// *convert.Pool.
type Converter interface {
	Convert(ctx context.Context, input []byte, target models.OutputFormat, correlationID string) ([]byte, error)
}

// FileStore persists rendered documents. Satisfied by
// *platform.FileService.
type FileStore interface {
	Upload(ctx context.Context, name, contentType string, data []byte) (string, error)
}

// Linker attaches stored files to business records. Satisfied by
// *platform.LinkService.
type Linker interface {
	Create(ctx context.Context, fileID, recordID, relation string) error
}

// ReuseLookup finds prior successful work for a request hash. Satisfied by
// *platform.JobService. May be nil, which disables output reuse.
type ReuseLookup interface {
	FindReusableByHash(ctx context.Context, hash string, window time.Duration) (*models.Job, error)
}

// A Result describes where the rendered output ended up.
type Result struct {
	OutputFileID       string `json:"outputFileId"`
	IntermediateFileID string `json:"intermediateFileId,omitempty"`
	RequestHash        string `json:"requestHash"`
	// Reused is true when an earlier job's output satisfied the request and
	// no new document was produced.
	Reused bool `json:"reused"`
}

type Renderer struct {
	Templates    TemplateSource
	Merger       merge.Merger
	Converter    Converter
	Concatenator Concatenator
	Files        FileStore
	Links        Linker
	Reuse        ReuseLookup

	// RelationKeys maps envelope parent keys to the platform's relation
	// names. A key with no mapping is passed through unchanged.
	RelationKeys map[string]string

	// HashWindow bounds how old a SUCCEEDED job may be for its output to be
	// reused.
	HashWindow time.Duration

	Logger *zap.Logger
}

func (r *Renderer) logger() *zap.Logger {
	if r.Logger == nil {
		return zap.NewNop()
	}
	return r.Logger
}

// Render runs the full pipeline for one envelope. The returned error, when
// non-nil, is always a *models.PipelineError so callers can branch on its
// code and retryability.
func (r *Renderer) Render(ctx context.Context, env *models.RequestEnvelope) (*Result, error) {
	if err := env.Validate(); err != nil {
		return nil, models.Classify("validate", err)
	}
	if err := idempotency.Ensure(env); err != nil {
		return nil, models.Classify("hash", err)
	}
	correlationID := platform.CorrelationID(ctx)
	log := r.logger().With(
		zap.String("correlation_id", correlationID),
		zap.String("request_hash", env.RequestHash))

	if r.Reuse != nil && r.HashWindow > 0 {
		prior, err := r.Reuse.FindReusableByHash(ctx, env.RequestHash, r.HashWindow)
		if err != nil {
			// Reuse is an optimization; never let its lookup kill a render.
			log.Warn("reuse lookup failed, rendering anyway", zap.Error(err))
		} else if prior != nil && prior.OutputFileID != "" {
			log.Info("reusing prior output", zap.String("job_id", prior.ID))
			go metrics.Increment("renderer.reused")
			return &Result{
				OutputFileID: prior.OutputFileID,
				RequestHash:  env.RequestHash,
				Reused:       true,
			}, nil
		}
	}

	start := time.Now()
	output, intermediate, err := r.produce(ctx, env, correlationID)
	go metrics.Time("renderer.produce.latency", time.Since(start))
	if err != nil {
		return nil, models.Classify("render", err)
	}

	res := &Result{RequestHash: env.RequestHash}
	res.OutputFileID, err = r.Files.Upload(ctx, outputName(env.OutputFormat), contentTypeFor(env.OutputFormat), output)
	if err != nil {
		return nil, models.Classify("upload", err)
	}
	if env.Options.StoreMergedIntermediate && intermediate != nil {
		res.IntermediateFileID, err = r.Files.Upload(ctx, "merged.docx", contentTypeDOCX, intermediate)
		if err != nil {
			return nil, models.Classify("upload", err)
		}
	}

	r.link(ctx, env, res.OutputFileID, log)
	log.Info("render complete",
		zap.String("output_file_id", res.OutputFileID),
		zap.Duration("elapsed", time.Since(start)))
	go metrics.Increment("renderer.rendered")
	return res, nil
}

// produce returns the final document bytes and, for the single-template
// strategy, the merged pre-conversion intermediate. Composite renders have
// no single intermediate, so it is nil there.
func (r *Renderer) produce(ctx context.Context, env *models.RequestEnvelope, correlationID string) (output, intermediate []byte, err error) {
	switch env.Strategy() {
	case models.StrategyConcatenateTemplates:
		output, err = r.renderComposite(ctx, env, correlationID)
		return output, nil, err
	default:
		return r.renderSingle(ctx, env, correlationID)
	}
}

func (r *Renderer) renderSingle(ctx context.Context, env *models.RequestEnvelope, correlationID string) (output, intermediate []byte, err error) {
	// A single-template envelope may name its template as templateId or as a
	// one-element templates list. Validate guarantees exactly one reference
	// survives to this point.
	templateID := env.TemplateID
	if templateID == "" {
		templateID = env.TemplateIDs()[0]
	}
	tmpl, err := r.Templates.Get(ctx, templateID)
	if err != nil {
		return nil, nil, models.Classify("fetch-template", err)
	}
	merged, err := r.Merger.Merge(ctx, tmpl, env.Data)
	if err != nil {
		return nil, nil, models.Classify("merge", err)
	}
	if env.OutputFormat == models.FormatDOCX {
		// The merged document already is the output; no converter run.
		return merged, nil, nil
	}
	converted, err := r.Converter.Convert(ctx, merged, env.OutputFormat, correlationID)
	if err != nil {
		return nil, nil, err
	}
	return converted, merged, nil
}

// link attaches the output to every parent record. Failures are logged and
// swallowed: the document is already stored, and a broken link must never
// undo a completed render.
func (r *Renderer) link(ctx context.Context, env *models.RequestEnvelope, fileID string, log *zap.Logger) {
	if r.Links == nil {
		return
	}
	for key, recordID := range env.Parents {
		if recordID == nil || *recordID == "" {
			debug("skipping parent %s with no record id", key)
			continue
		}
		relation := key
		if mapped, ok := r.RelationKeys[key]; ok {
			relation = mapped
		}
		if err := r.Links.Create(ctx, fileID, *recordID, relation); err != nil {
			log.Warn("link creation failed",
				zap.String("relation", relation),
				zap.String("record_id", *recordID),
				zap.Error(err))
		}
	}
}

const contentTypePDF = "application/pdf"
const contentTypeDOCX = "application/vnd.openxmlformats-officedocument.wordprocessingml.document"

func contentTypeFor(format models.OutputFormat) string {
	if format == models.FormatDOCX {
		return contentTypeDOCX
	}
	return contentTypePDF
}

func outputName(format models.OutputFormat) string {
	if format == models.FormatDOCX {
		return "document.docx"
	}
	return "document.pdf"
}

// namespaceData slices one part's data out of the envelope's tree. An empty
// namespace means the part sees the whole tree.
func namespaceData(data json.RawMessage, namespace string) (json.RawMessage, error) {
	if namespace == "" {
		return data, nil
	}
	var tree map[string]json.RawMessage
	if err := json.Unmarshal(data, &tree); err != nil {
		return nil, models.NewPipelineError("validate", models.CodeValidation,
			fmt.Errorf("data tree is not a JSON object: %w", err))
	}
	slice, ok := tree[namespace]
	if !ok {
		return nil, models.NewPipelineError("validate", models.CodeValidation,
			fmt.Errorf("data has no namespace %q", namespace))
	}
	return slice, nil
}
