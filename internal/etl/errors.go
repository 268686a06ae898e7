package etl

import (
	"errors"
	"fmt"

	"commerce-etl/internal/models"
)

// ValidationError marks a single staged record that can never be transformed.
// The engine skips it and marks the document processed.
type ValidationError struct {
	Platform   models.Platform
	DataType   models.DataType
	DocumentID string
	Field      string
	Err        error
}

func (e *ValidationError) Error() string {
	msg := fmt.Sprintf("invalid %s %s record %s", e.Platform, e.DataType, e.DocumentID)
	if e.Field != "" {
		msg += ": field " + e.Field
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ValidationError) Unwrap() error { return e.Err }

func IsValidationError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

func invalid(doc models.StagedDocument, field string, err error) *ValidationError {
	return &ValidationError{
		Platform:   doc.Platform,
		DataType:   doc.DataType,
		DocumentID: doc.ID,
		Field:      field,
		Err:        err,
	}
}
