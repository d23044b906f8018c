package main

// Exit codes
const (
	ExitSuccess     = 0 // Success
	ExitError       = 1 // General error (invalid arguments, runtime failure)
	ExitConfigError = 2 // Missing or unreadable referral file, archive or database
	ExitDataError   = 3 // Malformed IRT export or archive file
)
