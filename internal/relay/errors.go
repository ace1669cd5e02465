package relay

import "errors"

// ErrPersistence marks a failure to write the message record. The send
// is rejected and nothing is routed.
var ErrPersistence = errors.New("relay: persistence failed")
