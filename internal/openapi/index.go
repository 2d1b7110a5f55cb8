// Package openapi loads and indexes the registration backend's OpenAPI
// specification, providing operation lookup by operationId and request body
// validation against the declared schema.
package openapi

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/getkin/kin-openapi/openapi3"
)

// IndexedOperation holds a resolved OpenAPI operation with its context.
type IndexedOperation struct {
	OperationID  string
	Method       string
	PathTemplate string
	RequestBody  *openapi3.RequestBody
	Responses    *openapi3.Responses
	BaseURL      string
}

// ValidationError describes a schema validation error.
type ValidationError struct {
	Field   string
	Message string
}

// Index is an in-memory index of OpenAPI operations keyed by operationID.
type Index struct {
	operations map[string]IndexedOperation
}

// NewIndex creates an empty OpenAPI index.
func NewIndex() *Index {
	return &Index{
		operations: make(map[string]IndexedOperation),
	}
}

// Load parses the OpenAPI spec at specPath and indexes all operations that
// carry an operationId. baseURL overrides the first server entry when set.
func (idx *Index) Load(specPath, baseURL string) error {
	loader := openapi3.NewLoader()
	loader.IsExternalRefsAllowed = false

	doc, err := loader.LoadFromFile(specPath)
	if err != nil {
		return fmt.Errorf("openapi: loading %s: %w", specPath, err)
	}
	if err := doc.Validate(context.Background()); err != nil {
		return fmt.Errorf("openapi: validating %s: %w", specPath, err)
	}

	if baseURL == "" && len(doc.Servers) > 0 {
		baseURL = doc.Servers[0].URL
	}

	for path, pathItem := range doc.Paths.Map() {
		for method, op := range pathItem.Operations() {
			if op.OperationID == "" {
				continue
			}

			var reqBody *openapi3.RequestBody
			if op.RequestBody != nil && op.RequestBody.Value != nil {
				reqBody = op.RequestBody.Value
			}

			idx.operations[op.OperationID] = IndexedOperation{
				OperationID:  op.OperationID,
				Method:       method,
				PathTemplate: path,
				RequestBody:  reqBody,
				Responses:    op.Responses,
				BaseURL:      baseURL,
			}
		}
	}

	return nil
}

// GetOperation returns the indexed operation for the given operation ID.
func (idx *Index) GetOperation(operationID string) (IndexedOperation, bool) {
	op, ok := idx.operations[operationID]
	return op, ok
}

// AllOperationIDs returns all indexed operation IDs, sorted.
func (idx *Index) AllOperationIDs() []string {
	ids := make([]string, 0, len(idx.operations))
	for id := range idx.operations {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// ValidateRequest validates a JSON request body against the operation's
// application/json request schema. Returns nil when the body conforms or the
// operation declares no JSON schema.
func (idx *Index) ValidateRequest(operationID string, body map[string]any) []ValidationError {
	op, ok := idx.operations[operationID]
	if !ok {
		return []ValidationError{{Message: fmt.Sprintf("operation %q not found", operationID)}}
	}
	if op.RequestBody == nil {
		return nil
	}

	ct := op.RequestBody.Content.Get("application/json")
	if ct == nil || ct.Schema == nil || ct.Schema.Value == nil {
		return nil
	}

	err := ct.Schema.Value.VisitJSON(body, openapi3.MultiErrors())
	if err == nil {
		return nil
	}

	var multi openapi3.MultiError
	if errors.As(err, &multi) {
		out := make([]ValidationError, 0, len(multi))
		for _, e := range multi {
			out = append(out, toValidationError(e))
		}
		return out
	}
	return []ValidationError{toValidationError(err)}
}

func toValidationError(err error) ValidationError {
	var se *openapi3.SchemaError
	if errors.As(err, &se) {
		return ValidationError{
			Field:   strings.Join(se.JSONPointer(), "."),
			Message: se.Reason,
		}
	}
	return ValidationError{Message: err.Error()}
}
