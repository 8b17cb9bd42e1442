package dberrors

import "errors"

var (
	ErrClosed          = errors.New("lsmkv: closed")
	ErrInvalidArgument = errors.New("lsmkv: invalid argument")
	ErrCorrupt         = errors.New("lsmkv: corrupt storage")
	ErrBackpressure    = errors.New("lsmkv: memtable over hard limit while flushing")
)
