package models

import (
	"encoding/json"
	"fmt"
	"sort"
)

type OutputFormat string

const FormatPDF = OutputFormat("PDF")
const FormatDOCX = OutputFormat("DOCX")

type TemplateStrategy string

// StrategyOwnTemplate renders a single template against the entire data
// tree. It is the default for single-template envelopes.
const StrategyOwnTemplate = TemplateStrategy("OwnTemplate")

// StrategyConcatenateTemplates renders every listed template against its
// own namespace slice of the data and concatenates the converted parts in
// ascending sequence order.
const StrategyConcatenateTemplates = TemplateStrategy("ConcatenateTemplates")

// A TemplateRef names one part of a composite document.
type TemplateRef struct {
	TemplateID string `json:"templateId"`
	Namespace  string `json:"namespace"`
	Sequence   int    `json:"sequence"`
}

type RenderOptions struct {
	// StoreMergedIntermediate uploads the merged, pre-conversion document
	// alongside the final output.
	StoreMergedIntermediate bool `json:"storeMergedIntermediate"`
	// ReturnIntermediateToCaller includes the intermediate file's ID in the
	// synchronous response. Implies nothing for batch jobs.
	ReturnIntermediateToCaller bool `json:"returnIntermediateToCaller"`
}

// A RequestEnvelope is the full input for one render, produced by an
// external enqueuer (batch) or sent to the interactive endpoint.
type RequestEnvelope struct {
	TemplateID       string           `json:"templateId,omitempty"`
	Templates        []TemplateRef    `json:"templates,omitempty"`
	TemplateStrategy TemplateStrategy `json:"templateStrategy,omitempty"`
	OutputFormat     OutputFormat     `json:"outputFormat"`
	Locale           string           `json:"locale,omitempty"`
	Timezone         string           `json:"timezone,omitempty"`
	Options          RenderOptions    `json:"options"`

	// Data is the namespace-keyed tree handed to the merge function.
	Data json.RawMessage `json:"data"`

	// Parents maps relation keys to business-record IDs the stored output
	// should be linked to. Null IDs are skipped silently.
	Parents map[string]*string `json:"parents,omitempty"`

	RequestHash string `json:"requestHash,omitempty"`
	JobID       string `json:"jobId,omitempty"`
}

// Strategy returns the effective template strategy, defaulting to
// OwnTemplate when the envelope does not name one.
func (e *RequestEnvelope) Strategy() TemplateStrategy {
	if e.TemplateStrategy != "" {
		return e.TemplateStrategy
	}
	if len(e.Templates) > 1 {
		return StrategyConcatenateTemplates
	}
	return StrategyOwnTemplate
}

// TemplateIDs returns every referenced template ID, ordered by ascending
// sequence (list position breaks ties). For a single-template envelope the
// slice has one element.
func (e *RequestEnvelope) TemplateIDs() []string {
	if len(e.Templates) == 0 {
		if e.TemplateID == "" {
			return nil
		}
		return []string{e.TemplateID}
	}
	refs := e.OrderedTemplates()
	ids := make([]string, len(refs))
	for i, ref := range refs {
		ids[i] = ref.TemplateID
	}
	return ids
}

// OrderedTemplates returns the composite parts sorted by ascending
// sequence. The sort is stable so equal sequences keep their insertion
// order.
func (e *RequestEnvelope) OrderedTemplates() []TemplateRef {
	refs := make([]TemplateRef, len(e.Templates))
	copy(refs, e.Templates)
	sort.SliceStable(refs, func(i, j int) bool {
		return refs[i].Sequence < refs[j].Sequence
	})
	return refs
}

// Validate checks the envelope's shape. All problems are reported as
// non-retryable VALIDATION errors.
func (e *RequestEnvelope) Validate() error {
	if e.OutputFormat != FormatPDF && e.OutputFormat != FormatDOCX {
		return validationErr(fmt.Sprintf("unsupported output format %q", e.OutputFormat))
	}
	if e.TemplateID == "" && len(e.Templates) == 0 {
		return validationErr("envelope references no templates")
	}
	if e.TemplateID != "" && len(e.Templates) > 0 {
		return validationErr("envelope sets both templateId and templates")
	}
	for i, ref := range e.Templates {
		if ref.TemplateID == "" {
			return validationErr(fmt.Sprintf("templates[%d] is missing templateId", i))
		}
	}
	switch e.Strategy() {
	case StrategyOwnTemplate:
		if len(e.Templates) > 1 {
			return validationErr("OwnTemplate renders one template; use ConcatenateTemplates for a list")
		}
	case StrategyConcatenateTemplates:
		if len(e.Templates) == 0 {
			return validationErr("ConcatenateTemplates requires a templates list")
		}
		// Concatenation operates on converted output; only PDF parts can be
		// stitched together.
		if e.OutputFormat != FormatPDF {
			return validationErr("ConcatenateTemplates requires PDF output")
		}
	default:
		return validationErr(fmt.Sprintf("unknown template strategy %q", e.TemplateStrategy))
	}
	if len(e.Data) == 0 {
		return validationErr("envelope has no data tree")
	}
	if !json.Valid(e.Data) {
		return validationErr("data is not valid JSON")
	}
	return nil
}

func validationErr(msg string) *PipelineError {
	return &PipelineError{
		Phase: "validate",
		Code:  CodeValidation,
		Err:   fmt.Errorf("%s", msg),
	}
}
