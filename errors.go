package ctrfs

import "github.com/connesc/ctrfs/ctrutil"

// Errors returned by the parsers of this module, to be matched with errors.Is.
var (
	ErrInvalidFormat         = ctrutil.ErrInvalidFormat
	ErrEncryptionUnavailable = ctrutil.ErrEncryptionUnavailable
	ErrNotPresent            = ctrutil.ErrNotPresent
)
