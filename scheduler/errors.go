package scheduler

import "errors"

// Disconnected marks a fatal POLLHUP/POLLERR on a watched device fd (spec §7).
var Disconnected = errors.New("scheduler: disconnected")
