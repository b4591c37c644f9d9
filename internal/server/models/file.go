// Package models defines server-side data models persisted in the database.
package models

import "time"

// EncryptionVersion says how a stored blob is protected.
type EncryptionVersion int

const (
	// EncryptionNone: blob is the plaintext.
	EncryptionNone EncryptionVersion = 0
	// EncryptionServerPassword: blob is sealed by the server under a key
	// derived from the file password.
	EncryptionServerPassword EncryptionVersion = 1
	// EncryptionClientWrapped: blob was encrypted by the client; the server
	// never holds the content key.
	EncryptionClientWrapped EncryptionVersion = 2
)

// ServerDecrypts reports whether the server opens the blob on download.
func (v EncryptionVersion) ServerDecrypts() bool {
	return v == EncryptionServerPassword
}

// File describes an uploaded file. The bytes themselves live in the blob
// store under ExternalID.
type File struct {
	ID int64 `json:"-"`
	// ExternalID is the opaque public identifier, also the blob key.
	ExternalID  string `json:"id"`
	DisplayName string `json:"name"`
	// SizeBytes is the stored (possibly encrypted) size.
	SizeBytes int64 `json:"size"`
	// OriginalSizeBytes is the plaintext size for encrypted variants.
	OriginalSizeBytes int64 `json:"original_size"`
	// UploadedAt is a calendar date; renewal resets it to today.
	UploadedAt       time.Time `json:"uploaded_at"`
	KeepIndefinitely bool      `json:"keep_indefinitely"`
	Hidden           bool      `json:"hidden"`
	// PasswordHash is a bcrypt hash, empty when the file has no password.
	PasswordHash      string            `json:"-"`
	Encrypted         bool              `json:"encrypted"`
	EncryptionVersion EncryptionVersion `json:"encryption_version"`
	Downloads         int64             `json:"downloads"`
}

// HasPassword reports whether a password hash is stored.
func (f *File) HasPassword() bool {
	return f.PasswordHash != ""
}

// Analytics summarises stored files.
type Analytics struct {
	TotalFiles       int64   `json:"total_files"`
	TotalDownloads   int64   `json:"total_downloads"`
	TotalSpaceUsed   int64   `json:"total_space_used"`
	AverageFileSize  float64 `json:"average_file_size"`
	HiddenFiles      int64   `json:"hidden_files"`
	KeptIndefinitely int64   `json:"kept_indefinitely"`
}
