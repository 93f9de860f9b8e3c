package provider

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies a gateway error by the operation that raised it.
type Kind string

const (
	KindInvalidPath    Kind = "invalid_path"
	KindDownload       Kind = "download"
	KindUpload         Kind = "upload"
	KindDelete         Kind = "delete"
	KindMetadata       Kind = "metadata"
	KindRevisions      Kind = "revisions"
	KindCreateFolder   Kind = "create_folder"
	KindIntraCopy      Kind = "intra_copy"
	KindIntraMove      Kind = "intra_move"
	KindNamingConflict Kind = "naming_conflict"
	KindProvider       Kind = "provider"
)

// Error is the error every adapter translates backend failures into. It
// carries the HTTP status the front end responds with.
type Error struct {
	Kind    Kind
	Code    int
	Message string
	Path    string
	Err     error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" {
		msg = http.StatusText(e.Code)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, msg)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches another *Error with the same Kind and, if the target sets one,
// the same Code. This lets callers test errors.Is(err, ErrNotFound).
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if t.Kind != "" && t.Kind != e.Kind {
		return false
	}
	return t.Code == 0 || t.Code == e.Code
}

// ErrNotFound matches any gateway error carrying a 404.
var ErrNotFound = &Error{Code: http.StatusNotFound}

// NewError builds an error of the given kind wrapping cause.
func NewError(kind Kind, code int, path, message string, cause error) *Error {
	return &Error{Kind: kind, Code: code, Path: path, Message: message, Err: cause}
}

func InvalidPath(path, message string) *Error {
	return &Error{Kind: KindInvalidPath, Code: http.StatusBadRequest, Path: path, Message: message}
}

// NotFound reports that path does not exist, in the vocabulary of kind.
func NotFound(kind Kind, path string) *Error {
	return &Error{Kind: kind, Code: http.StatusNotFound, Path: path, Message: fmt.Sprintf("could not retrieve file or directory %s", path)}
}

// FolderNamingConflict reports that name already exists at the target.
func FolderNamingConflict(path, name string) *Error {
	return &Error{
		Kind:    KindNamingConflict,
		Code:    http.StatusConflict,
		Path:    path,
		Message: fmt.Sprintf("cannot create folder %q because a file or folder already exists at path %q", name, path),
	}
}

// NamingConflict reports that a copy or move target is already taken.
func NamingConflict(path string) *Error {
	return &Error{Kind: KindNamingConflict, Code: http.StatusConflict, Path: path, Message: fmt.Sprintf("%s already exists", path)}
}

// OverlapConflict reports a copy or move whose destination is the source
// itself or lies inside it.
func OverlapConflict(src, dst string) *Error {
	return &Error{Kind: KindNamingConflict, Code: http.StatusConflict, Path: dst, Message: fmt.Sprintf("cannot copy or move %s onto itself or into its own subtree at %s", src, dst)}
}

// Wrap converts err into an *Error of kind unless it already is one, in
// which case it passes through unchanged.
func Wrap(kind Kind, path string, err error) error {
	if err == nil {
		return nil
	}
	var gerr *Error
	if errors.As(err, &gerr) {
		return err
	}
	return &Error{Kind: kind, Code: http.StatusInternalServerError, Path: path, Err: err}
}

// StatusCode maps err to the HTTP status the front end should return.
func StatusCode(err error) int {
	var gerr *Error
	if errors.As(err, &gerr) && gerr.Code != 0 {
		return gerr.Code
	}
	return http.StatusInternalServerError
}

// IsNotFound reports whether err carries a 404.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
