// Package audio renders WAV chunks to the sound device. Tracks are decoded
// with go-audio/wav, resampled to the device rate with the playback rate
// applied, and played through a single shared oto/v3 context.
package audio
