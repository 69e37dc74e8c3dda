package es

import (
	"log/slog"
	"math"
)

// Version is the position of an event within its aggregate stream. It is
// 1-based and contiguous; a stream with no events has version 0. Version
// is the currency of optimistic concurrency control: an append that names
// an expected version fails unless it matches the stream's current one.
type Version uint64

// AnyVersion disables the concurrency check for an append: the write is
// accepted whatever the current stream version is (last-writer-wins).
// It is the default when no expected version is given.
const AnyVersion Version = math.MaxUint64

func (v Version) Uint64() uint64                         { return uint64(v) }
func (v Version) SlogAttr() slog.Attr                    { return newSlogVersionAttr("version", v) }
func (v Version) SlogAttrWithKey(key string) slog.Attr   { return newSlogVersionAttr(key, v) }
func newSlogVersionAttr(key string, v Version) slog.Attr { return slog.Uint64(key, uint64(v)) }
