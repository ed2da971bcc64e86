// Package merge is the boundary to the placeholder-substitution library:
// template bytes plus a data tree in, merged document bytes out. The
// substitution engine itself is an external collaborator; docforge only
// defines the contract and ships an adapter that shells out to it.
package merge

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// A Merger fills a template's tags from a data tree. Implementations must
// be pure with respect to their inputs: same template and data, same
// output.
type Merger interface {
	Merge(ctx context.Context, template []byte, data json.RawMessage) ([]byte, error)
}

// Func adapts a plain function to the Merger interface. Tests use it.
type Func func(ctx context.Context, template []byte, data json.RawMessage) ([]byte, error)

func (f Func) Merge(ctx context.Context, template []byte, data json.RawMessage) ([]byte, error) {
	return f(ctx, template, data)
}

const commandTimeout = 30 * time.Second

// Command invokes the substitution tool as an external process:
//
//	BINARY <template> <data.json> <output>
type Command struct {
	Binary string
	Logger *zap.Logger
}

func NewCommand(binary string, logger *zap.Logger) *Command {
	return &Command{Binary: binary, Logger: logger}
}

func (c *Command) Merge(ctx context.Context, template []byte, data json.RawMessage) ([]byte, error) {
	dir, err := os.MkdirTemp("", "docforge-merge-"+uuid.New().String())
	if err != nil {
		return nil, fmt.Errorf("merge: creating work dir: %w", err)
	}
	defer os.RemoveAll(dir)

	templatePath := filepath.Join(dir, "template.docx")
	dataPath := filepath.Join(dir, "data.json")
	outPath := filepath.Join(dir, "merged.docx")
	if err := os.WriteFile(templatePath, template, 0600); err != nil {
		return nil, fmt.Errorf("merge: writing template: %w", err)
	}
	if err := os.WriteFile(dataPath, data, 0600); err != nil {
		return nil, fmt.Errorf("merge: writing data: %w", err)
	}

	cctx, cancel := context.WithTimeout(ctx, commandTimeout)
	defer cancel()
	cmd := exec.CommandContext(cctx, c.Binary, templatePath, dataPath, outPath)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("merge: %v: %s", err, bytes.TrimSpace(stderr.Bytes()))
	}
	out, err := os.ReadFile(outPath)
	if err != nil {
		return nil, fmt.Errorf("merge: tool produced no output: %w", err)
	}
	return out, nil
}
