// Package data implements the versioned data registry. Every application
// value handed to the runtime becomes a logical data item whose successive
// versions are identified by DataInstances; each version carries the
// registered value (an in-memory object or a file) and a reader count that
// gates when it may be discarded.
package data
