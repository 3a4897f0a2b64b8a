package staging

import (
	"errors"
	"fmt"
)

var ErrMissingOutput = errors.New("declared output missing")

type MissingOutputError struct {
	TaskID string
	Output string
	Path   string
}

func (e *MissingOutputError) Error() string {
	return fmt.Sprintf("task %s did not produce output %s in %s", e.TaskID, e.Output, e.Path)
}

func (e *MissingOutputError) Is(target error) bool {
	return target == ErrMissingOutput
}
