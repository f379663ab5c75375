package normalizer

import "errors"

// ErrContractViolation is returned when the caller hands the normalizer
// something other than complete parse/extract pairs. No table is built
// when it is returned.
var ErrContractViolation = errors.New("normalizer: contract violation")
