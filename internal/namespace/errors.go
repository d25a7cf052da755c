package namespace

import "errors"

var (
	ErrNotFound      = errors.New("no such file or directory")
	ErrAlreadyExists = errors.New("file exists")
	ErrNotDir        = errors.New("not a directory")
	ErrInvalidPath   = errors.New("invalid path")
)
