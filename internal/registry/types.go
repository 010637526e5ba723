package registry

import (
	"fmt"
	"time"
)

// ErrorCode is a machine-readable failure category carried in Result.
type ErrorCode string

// Failure codes.
const (
	CodeInvalidName       ErrorCode = "invalid_name"
	CodeSyntaxError       ErrorCode = "syntax_error"
	CodePathTraversal     ErrorCode = "path_traversal"
	CodeAlreadyExists     ErrorCode = "already_exists"
	CodeNotFound          ErrorCode = "not_found"
	CodeNotEnabled        ErrorCode = "not_enabled"
	CodeLoadFailed        ErrorCode = "load_failed"
	CodeMissingEntryPoint ErrorCode = "missing_entry_point"
	CodeExecutionFailed   ErrorCode = "execution_failed"
	CodeStorage           ErrorCode = "storage"
)

// DefaultPlatform is assigned when Add gets no platform.
const DefaultPlatform = "custom"

// Descriptor is the catalog entry for one crawler.
type Descriptor struct {
	Name        string    `json:"name"`
	Description string    `json:"description"`
	Platform    string    `json:"platform"`
	FilePath    string    `json:"file_path"`
	Enabled     bool      `json:"enabled"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
	Version     int       `json:"version"`
}

// Result is returned by every mutating or executing operation.
type Result struct {
	Success bool        `json:"success"`
	Message string      `json:"message,omitempty"`
	Error   string      `json:"error,omitempty"`
	Code    ErrorCode   `json:"code,omitempty"`
	Crawler *Descriptor `json:"crawler,omitempty"`
	Output  any         `json:"result,omitempty"`
}

// AddRequest describes a new crawler.
type AddRequest struct {
	Name        string `json:"name"`
	Code        string `json:"code"`
	Description string `json:"description"`
	Platform    string `json:"platform"`
}

// UpdateRequest changes only the non-nil fields.
type UpdateRequest struct {
	Code        *string `json:"code,omitempty"`
	Description *string `json:"description,omitempty"`
	Platform    *string `json:"platform,omitempty"`
	Enabled     *bool   `json:"enabled,omitempty"`
}

// ListFilter narrows List.
type ListFilter struct {
	Platform    string
	EnabledOnly bool
}

func failure(code ErrorCode, format string, args ...any) Result {
	return Result{Code: code, Error: fmt.Sprintf(format, args...)}
}

func success(msg string, d *Descriptor) Result {
	return Result{Success: true, Message: msg, Crawler: d}
}
