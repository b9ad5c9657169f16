package errorlog

import (
	"fmt"

	"github.com/cockroachdb/errors"
)

// Stack returns the verbose rendering of err including a stack trace. Errors
// that carry no stack get one captured at the caller of LogError.
func Stack(err error) string {
	if err == nil {
		return ""
	}
	if _, _, _, ok := errors.GetOneLineSource(err); !ok {
		err = errors.WithStackDepth(err, 2)
	}
	return fmt.Sprintf("%+v", err)
}
