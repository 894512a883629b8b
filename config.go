package litecore

import (
	"time"

	"github.com/sirupsen/logrus"
)

// Config configures a database instance.
type Config struct {
	// Path is the database directory; records and blobs live under it.
	Path string
	// Create makes the directory when it does not exist.
	Create bool
	// MinimumFreeGB is a free-space threshold checked on open.
	MinimumFreeGB int
	// MaxRevTreeDepth bounds each document's revision history; pruning
	// applies on save. Defaults to 20.
	MaxRevTreeDepth int
	// GarbageCollectionInterval runs background maintenance when positive.
	GarbageCollectionInterval time.Duration
	// BlobEncryptionKey, when 32 bytes, seals blob files at rest.
	BlobEncryptionKey []byte
	// SyncWrites forces durable record writes.
	SyncWrites bool
	// Logger is optional; a default logrus logger is used when nil.
	Logger *logrus.Logger
}

const defaultMaxRevTreeDepth = 20

func (c *Config) withDefaults() Config {
	out := *c
	if out.MaxRevTreeDepth <= 0 {
		out.MaxRevTreeDepth = defaultMaxRevTreeDepth
	}
	if out.Logger == nil {
		out.Logger = logrus.New()
	}
	return out
}
