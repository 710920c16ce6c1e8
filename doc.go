// Package ctrfs opens the content containers of the Nintendo 3DS, also known as CTR, the way
// an emulator needs them.
//
// NCSD card images and NCCH containers are parsed lazily: headers are decoded up front, while
// keys are derived from a keys.Store only when an encrypted region is actually read. The
// embedded RomFS is exposed as a romfs.Reader, optionally rebuilt with user mods on top of it
// (see package layeredfs). CIA packages, TMDs and tickets are parsed to locate and decrypt the
// contents they describe.
//
// This package comes with a CLI. You can install it like this:
//
//	go install github.com/connesc/ctrfs/cmd/ctrfs@latest
package ctrfs
