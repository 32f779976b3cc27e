package supervisor

import (
	"errors"

	"github.com/splice-rpc/splice/internal/metrics"
)

// Sentinel errors used for wrapping so callers can classify via errors.Is,
// mirroring the teacher's internal/server/errors.go.
var (
	ErrListen       = errors.New("listen")
	ErrAccept       = errors.New("accept")
	ErrHandshake    = errors.New("handshake")
	ErrSpawn        = errors.New("spawn")
	ErrConnRead     = errors.New("conn_read")
	ErrConnWrite    = errors.New("conn_write")
	ErrDrainTimeout = errors.New("drain_timeout")
	ErrCircuit      = errors.New("circuit_broken")
	ErrContext      = errors.New("context_cancelled")
)

// mapErrToMetric maps wrapped sentinel errors to the error-counter labels
// registered in internal/metrics.
func mapErrToMetric(err error) string {
	switch {
	case errors.Is(err, ErrListen):
		return metrics.ErrListen
	case errors.Is(err, ErrAccept):
		return metrics.ErrAccept
	case errors.Is(err, ErrHandshake):
		return metrics.ErrHandshake
	case errors.Is(err, ErrSpawn):
		return metrics.ErrSpawn
	case errors.Is(err, ErrConnRead):
		return metrics.ErrConnRead
	case errors.Is(err, ErrConnWrite):
		return metrics.ErrConnWrite
	case errors.Is(err, ErrDrainTimeout):
		return metrics.ErrDrain
	case errors.Is(err, ErrCircuit):
		return metrics.ErrCircuit
	default:
		return "other"
	}
}
