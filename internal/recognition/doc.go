// Package recognition converts 16 kHz mono waveforms to text. Client talks to
// a Whisper compatible HTTP endpoint with multipart WAV uploads, retries with
// exponential backoff and a concurrency limit; Command runs a local
// recognizer binary against a temporary WAV file.
package recognition
