package model

import "time"

// DefaultTransferTimeout is DEFAULT_TRANSFER_TIMEOUT, the floor applied
// to unknown_file_time/locked_file_time when computing sweep age
// thresholds, §4.5 steps 3d and 5.
const DefaultTransferTimeout = 15 * time.Minute
