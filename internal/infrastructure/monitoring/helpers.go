package monitoring

import (
	"github.com/GriffinCanCode/webext/internal/shared/exterr"
)

// StatusSuccess labels operations that returned no error
const StatusSuccess = "success"

// StatusOf returns the metric status label for err: "success", or the
// taxonomy name of the error kind.
func StatusOf(err error) string {
	if err == nil {
		return StatusSuccess
	}
	return exterr.KindOf(err).String()
}
