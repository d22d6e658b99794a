// Package documents renders placement letters and certificates to PDF and
// stores them for download.
package documents

import "errors"

// Result is a rendered file.
type Result struct {
	Data     []byte
	Filename string
	MimeType string
}

var (
	ErrUnknownTemplate = errors.New("unknown document template")
	// ErrPDFDependencyMissing indicates the headless browser is not installed.
	ErrPDFDependencyMissing = errors.New("pdf dependency missing")
)
