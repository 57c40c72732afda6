package registry

import "errors"

var (
	errEmptyConnID = errors.New("empty connection id")
	errEmptyJobID  = errors.New("empty job id")
)
