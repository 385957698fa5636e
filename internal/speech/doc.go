// Package speech renders narrative text to audio through an external
// text-to-speech HTTP API, with concurrency limiting, retries, and
// on-disk artifact storage.
package speech
