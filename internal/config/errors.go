package config

import "errors"

// Error variables for config loading and validation.
var (
	ErrConfigFileNotFound = errors.New("config file not found")
	ErrConfigFileRead     = errors.New("cannot read config file")
	ErrConfigInvalid      = errors.New("invalid config file")
	ErrSegmentDirEmpty    = errors.New("segment_dir cannot be empty")
	ErrNameInvalid        = errors.New("name must be a plain file name")
	ErrWorkersRange       = errors.New("workers out of range")
	ErrWorkerIDRange      = errors.New("worker_id out of range")
	ErrSizeInvalid        = errors.New("invalid size")
	ErrLogLevelInvalid    = errors.New("invalid log_level")
)
