// Package audio measures the play duration of synthesized speech files.
// It parses MP3 frame headers and WAV chunk layouts directly so session
// pacing does not depend on external media tooling.
package audio
