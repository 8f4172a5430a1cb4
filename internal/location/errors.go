package location

import "errors"

// ErrNotAuthorized is returned when sampling is started without permission.
var ErrNotAuthorized = errors.New("location access not authorized")
