package eventlog

import (
	"fmt"

	"github.com/swarmlog/swarmlog/internal/apperrors"
)

// validateData rejects event payloads carrying a "timestamp" field that
// isn't a number. Early tarsy sessions stored timestamps as RFC3339 strings
// in a few payload variants, which broke downstream latency math once mixed
// with numeric ones; this system stores Timestamp on the envelope only
// (epoch milliseconds, spec §6) and refuses any payload that tries to smuggle
// a second, differently-typed one in.
func validateData(data map[string]any) error {
	if data == nil {
		return nil
	}
	if ts, ok := data["timestamp"]; ok {
		switch ts.(type) {
		case int, int32, int64, float64:
		default:
			return apperrors.NewValidationError("timestamp", fmt.Sprintf("must be a number, got %T", ts))
		}
	}
	return nil
}
