package services

import (
	"errors"
	"fmt"
)

var (
	// ErrDuplicateDocument matches DuplicateDocumentError with errors.Is.
	ErrDuplicateDocument = errors.New("document already indexed")
	// ErrIndexEmpty is returned when a review needs retrieval but no chunks exist.
	ErrIndexEmpty = errors.New("no study materials have been indexed")
	// ErrNoExtractableText is returned when neither the text layer nor OCR yields text.
	ErrNoExtractableText = errors.New("no extractable text in document")
	// ErrDocumentNotFound is returned for unknown document ids or hashes.
	ErrDocumentNotFound = errors.New("document not found")
	// ErrUnsupportedFile is returned for file types the extractor cannot read.
	ErrUnsupportedFile = errors.New("unsupported file type")
)

// DuplicateDocumentError reports that the uploaded bytes were indexed before.
type DuplicateDocumentError struct {
	Filename   string
	Hash       string
	DocumentID int64
}

func (e *DuplicateDocumentError) Error() string {
	return fmt.Sprintf("%s: %s (document %d, hash %s)", ErrDuplicateDocument, e.Filename, e.DocumentID, e.Hash)
}

func (e *DuplicateDocumentError) Is(target error) bool {
	return target == ErrDuplicateDocument
}

// ExtractionError means no question list could be obtained from an exam. It
// fails the whole review call.
type ExtractionError struct {
	Err error
}

func (e *ExtractionError) Error() string {
	return fmt.Sprintf("extract questions: %v", e.Err)
}

func (e *ExtractionError) Unwrap() error { return e.Err }

// GenerationError means no answer could be produced for one question.
type GenerationError struct {
	Attempt int
	Err     error
}

func (e *GenerationError) Error() string {
	return fmt.Sprintf("generate answer (attempt %d): %v", e.Attempt, e.Err)
}

func (e *GenerationError) Unwrap() error { return e.Err }

// CriticParseError means the critic produced no usable score. Callers treat the
// attempt as scoring exactly 0.5.
type CriticParseError struct {
	Raw string
	Err error
}

func (e *CriticParseError) Error() string {
	return fmt.Sprintf("critic evaluation unusable: %v", e.Err)
}

func (e *CriticParseError) Unwrap() error { return e.Err }
