// Package idempotency computes the deterministic request hash that keys
// duplicate-work detection.
//
// The hash covers the template reference(s), the output format and the
// canonicalized data tree. The platform enforces hash uniqueness across
// jobs; this package makes sure two semantically identical envelopes always
// produce the same digest no matter how the caller ordered their JSON keys.
package idempotency

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/canopus-hq/docforge/models"
)

// Canonicalize rewrites a JSON document into a stable byte form: object
// keys sorted, insignificant whitespace dropped. encoding/json sorts map
// keys on marshal, which is exactly the property we need.
func Canonicalize(data json.RawMessage) ([]byte, error) {
	var v interface{}
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, err
	}
	return json.Marshal(v)
}

// Compute returns the request hash for an envelope:
// digest(templateIds | outputFormat | digest(canonicalized(data))).
func Compute(env *models.RequestEnvelope) (string, error) {
	canonical, err := Canonicalize(env.Data)
	if err != nil {
		return "", models.NewPipelineError("hash", models.CodeValidation,
			fmt.Errorf("data is not valid JSON: %w", err))
	}
	dataDigest := sha256.Sum256(canonical)
	material := strings.Join(env.TemplateIDs(), ",") + "|" +
		string(env.OutputFormat) + "|" +
		hex.EncodeToString(dataDigest[:])
	sum := sha256.Sum256([]byte(material))
	return hex.EncodeToString(sum[:]), nil
}

// Ensure fills in the envelope's RequestHash if absent, and rejects an
// envelope whose declared hash does not match its contents — a mismatch
// means either caller corruption or a tampered envelope, and processing it
// would poison the idempotency key space.
func Ensure(env *models.RequestEnvelope) error {
	computed, err := Compute(env)
	if err != nil {
		return err
	}
	if env.RequestHash == "" {
		env.RequestHash = computed
		return nil
	}
	if env.RequestHash != computed {
		return models.NewPipelineError("hash", models.CodeValidation,
			fmt.Errorf("requestHash %s does not match envelope contents", env.RequestHash))
	}
	return nil
}
