package broadcast

import "errors"

var ErrUnknownConn = errors.New("broadcast: unknown connection")
