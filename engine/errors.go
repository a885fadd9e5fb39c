package engine

import "errors"

// ErrTaskNotFound is returned by Create when the named task does not
// exist in the loaded task tree.
var ErrTaskNotFound = errors.New("engine: task not found")

// ErrRunNotFound is returned by Cancel and Restart when the run id
// does not exist.
var ErrRunNotFound = errors.New("engine: run not found")
