package engine

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/rootbeer/rootbeer/pkg/paths"
)

const (
	// ScratchDir is the hidden directory beside the script holding
	// intermediate files.
	ScratchDir = ".rb-tmp"

	// MaxIntermediateID is the longest accepted intermediate id.
	MaxIntermediateID = 64

	intermediatePrefix = "rb_transform_"
)

// ValidateIntermediateID accepts ids made of letters, digits, '_', '-' and
// '.' up to MaxIntermediateID characters. "." and ".." are rejected.
func ValidateIntermediateID(id string) error {
	if id == "" || len(id) > MaxIntermediateID || id == "." || id == ".." {
		return NewInvalidError(fmt.Sprintf("intermediate id must be 1-%d characters", MaxIntermediateID), nil).
			WithOperation("intermediate")
	}
	for i := 0; i < len(id); i++ {
		ch := id[i]
		switch {
		case ch >= 'a' && ch <= 'z', ch >= 'A' && ch <= 'Z', ch >= '0' && ch <= '9':
		case ch == '_', ch == '-', ch == '.':
		default:
			return NewInvalidError(fmt.Sprintf("invalid character %q in intermediate id", ch), nil).
				WithOperation("intermediate")
		}
	}
	return nil
}

// OpenIntermediate creates or truncates the scratch file for id and
// returns it open for writing. The file's path relative to the script
// directory is recorded under id. The handle is closed by Close if the
// caller does not close it first.
func (c *Context) OpenIntermediate(id string) (*os.File, error) {
	if err := ValidateIntermediateID(id); err != nil {
		return nil, err
	}
	if _, ok := c.intermediates.Get(id); !ok && c.intermediates.Len() >= c.intermediates.Limit() {
		return nil, NewCapacityError(fmt.Sprintf("intermediates registry full (limit %d)", c.intermediates.Limit()), nil).
			WithOperation("open_intermediate")
	}

	dir := filepath.Join(c.scriptDir, ScratchDir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, Classify("open_intermediate", dir, err)
	}
	abs := filepath.Join(dir, intermediatePrefix+id)
	f, err := os.OpenFile(abs, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, Classify("open_intermediate", abs, err)
	}

	rel, _ := paths.CanonicalizeRelativeTo(c.scriptDir, abs)
	if err := c.intermediates.Set(id, rel); err != nil {
		f.Close()
		return nil, Classify("open_intermediate", abs, err)
	}
	c.handles = append(c.handles, f)

	c.logger.Debug().Str("id", id).Str("path", rel).Msg("Opened intermediate")
	return f, nil
}

// GetIntermediate returns the script-relative path of the scratch file
// opened for id earlier in this run.
func (c *Context) GetIntermediate(id string) (string, error) {
	if err := ValidateIntermediateID(id); err != nil {
		return "", err
	}
	rel, ok := c.intermediates.Get(id)
	if !ok {
		return "", NewNotFoundError(fmt.Sprintf("no intermediate %q in this run", id), nil).
			WithOperation("get_intermediate")
	}
	return rel, nil
}

// IntermediatePath returns the absolute path of a script-relative
// intermediate path.
func (c *Context) IntermediatePath(rel string) string {
	return filepath.Join(c.scriptDir, rel)
}
