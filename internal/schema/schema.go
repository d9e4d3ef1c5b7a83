// Package schema validates document payloads against per-collection JSON
// schemas. Default schemas for the tournament collections are compiled into
// the binary; a directory of <collection>.json files can add or override them.
package schema

import (
	"bytes"
	"embed"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"

	apperrors "github.com/kimhsiao/tourneysync/internal/errors"
	"github.com/kimhsiao/tourneysync/internal/models"
)

const baseURL = "https://tourneysync.local/schemas/"

//go:embed schemas/*.json
var defaults embed.FS

// Validator holds compiled schemas keyed by collection.
type Validator struct {
	schemas map[string]*jsonschema.Schema
}

// New compiles the built-in schemas.
func New() (*Validator, error) {
	sub, err := fs.Sub(defaults, "schemas")
	if err != nil {
		return nil, err
	}
	v := &Validator{schemas: make(map[string]*jsonschema.Schema)}
	if err := v.load(sub); err != nil {
		return nil, err
	}
	return v, nil
}

// LoadDir compiles every <collection>.json in dir, replacing built-in
// schemas of the same name. A missing directory is not an error.
func (v *Validator) LoadDir(dir string) error {
	if dir == "" {
		return nil
	}
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		return nil
	}
	return v.load(os.DirFS(dir))
}

func (v *Validator) load(fsys fs.FS) error {
	names, err := fs.Glob(fsys, "*.json")
	if err != nil {
		return err
	}
	for _, name := range names {
		data, err := fs.ReadFile(fsys, name)
		if err != nil {
			return fmt.Errorf("failed to read schema %s: %w", name, err)
		}
		collection := strings.TrimSuffix(filepath.Base(name), ".json")
		if err := v.Add(collection, data); err != nil {
			return err
		}
	}
	return nil
}

// Add compiles a schema for collection.
func (v *Validator) Add(collection string, schemaJSON []byte) error {
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(schemaJSON))
	if err != nil {
		return apperrors.Wrap(apperrors.ErrInvalid, fmt.Sprintf("schema for %s is not valid JSON", collection), err)
	}

	url := baseURL + collection + ".json"
	c := jsonschema.NewCompiler()
	if err := c.AddResource(url, doc); err != nil {
		return apperrors.Wrap(apperrors.ErrInvalid, fmt.Sprintf("failed to add schema for %s", collection), err)
	}
	compiled, err := c.Compile(url)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrInvalid, fmt.Sprintf("failed to compile schema for %s", collection), err)
	}
	v.schemas[collection] = compiled
	return nil
}

// Collections returns the collections that have a schema.
func (v *Validator) Collections() []string {
	out := make([]string, 0, len(v.schemas))
	for c := range v.schemas {
		out = append(out, c)
	}
	sort.Strings(out)
	return out
}

// Validate checks payload against the collection's schema. Collections
// without a schema only need a JSON object.
func (v *Validator) Validate(collection string, payload models.Payload) error {
	if payload == nil {
		return apperrors.Newf(apperrors.ErrValidation, "%s payload is not a JSON object", collection)
	}
	sch, ok := v.schemas[collection]
	if !ok {
		return nil
	}

	// Re-decode through the validator's own reader so numbers are compared
	// as json.Number regardless of how the payload was built.
	data, err := json.Marshal(payload)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrValidation, "payload cannot be encoded", err)
	}
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(data))
	if err != nil {
		return apperrors.Wrap(apperrors.ErrValidation, "payload cannot be decoded", err)
	}
	if err := sch.Validate(inst); err != nil {
		return apperrors.Wrap(apperrors.ErrValidation, fmt.Sprintf("%s payload failed validation", collection), err)
	}
	return nil
}

// ValidateRaw checks an undecoded document, rejecting anything that is not a
// JSON object before schema validation.
func (v *Validator) ValidateRaw(collection string, raw []byte) (models.Payload, error) {
	var payload models.Payload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrValidation, fmt.Sprintf("%s payload is not a JSON object", collection), err)
	}
	if err := v.Validate(collection, payload); err != nil {
		return nil, err
	}
	return payload, nil
}
