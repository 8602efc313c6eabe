package app

import (
	"errors"

	"gopherai-context/internal/ingest"
	"gopherai-context/internal/source"
	"gopherai-context/internal/storage"
)

var (
	ErrInvalidInput        = errors.New("invalid input")
	ErrSessionNotFound     = errors.New("session not found")
	ErrForbidden           = errors.New("session belongs to another user")
	ErrArtifactNotFound    = errors.New("artifact not found")
	ErrFileNotFound        = errors.New("file not found")
	ErrNoFieldsToUpdate    = errors.New("no fields to update")
	ErrDownloadUnsupported = errors.New("download is only available for single-file artifacts")
)

// Pipeline errors raised below the service layer.
var (
	ErrInvalidSource     = source.ErrInvalidSource
	ErrAcquisitionFailed = source.ErrAcquisitionFailed
	ErrInvalidFormat     = source.ErrInvalidFormat
	ErrUploadTooLarge    = source.ErrUploadTooLarge
	ErrEmptyArtifact     = ingest.ErrEmptyArtifact
	ErrInvalidPath       = storage.ErrInvalidPath
	ErrStorageIO         = storage.ErrIO
)
