package nuclio

import "errors"

var errMinAboveMax = errors.New("min_replicas exceeds max_replicas")
