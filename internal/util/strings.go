package util

// LogPrefixLength is the number of characters of a credential that may appear in logs.
const LogPrefixLength = 8

// SafeTruncate safely truncates a string to maxLen bytes without panicking.
// If maxLen is negative, it's treated as 0 and returns an empty string.
//
// Example:
//
//	SafeTruncate("very-long-token-abc123", 8) // Returns: "very-lon"
//	SafeTruncate("short", 10)                  // Returns: "short"
//	SafeTruncate("test", -1)                   // Returns: ""
func SafeTruncate(s string, maxLen int) string {
	if maxLen < 0 {
		return ""
	}
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen]
}

// LogPrefix returns the part of a credential that is safe to log.
// Values longer than LogPrefixLength are marked with a trailing "...".
func LogPrefix(credential string) string {
	if len(credential) <= LogPrefixLength {
		return credential
	}
	return SafeTruncate(credential, LogPrefixLength) + "..."
}
