// Package util provides small helpers shared by the storage backends.
//
// Key utilities:
//   - SafeTruncate: Safely truncates strings for logging sensitive data
//   - LogPrefix: The loggable prefix of a token, code or client secret
package util
