package cli

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
)

// ErrorMessages maps gateway error codes to human-readable messages
var ErrorMessages = map[string]string{
	"auth_required":       "Authentication failed - missing token",
	"permission_denied":   "Access denied - you don't have permission for this project",
	"sandbox_unavailable": "Sandbox unavailable - provisioning failed or is still in progress",
	"path_invalid":        "Invalid path or request",
	"already_locked":      "File is locked by another user",
	"not_lock_holder":     "You do not hold this lock",
	"entry_exists":        "An entry with that name already exists",
	"entry_not_found":     "Entry not found",
	"session_not_found":   "Terminal session not found",
	"terminal_exited":     "Terminal process has exited",
	"sync_conflict":       "Sync conflict - the sandbox copy won",
	"timeout":             "Request timed out",
	"internal":            "Internal server error",
}

// ErrorSuggestions provides helpful suggestions for specific error codes
var ErrorSuggestions = map[string][]string{
	"auth_required": {
		"Pass a token: " + CodeStyle.Render("--token <token>"),
		"Or set " + CodeStyle.Render("AIRSYNC_TOKEN"),
	},
	"permission_denied": {
		"Check that your token is scoped to this project",
	},
	"sandbox_unavailable": {
		"Retry with " + CodeStyle.Render("airsync up <project>"),
		"Check the gateway logs for provisioning errors",
	},
	"timeout": {
		"The sandbox may be busy",
		"Try again with a larger " + CodeStyle.Render("--timeout"),
	},
}

var connectionSuggestions = []string{
	"Verify the gateway is running: " + CodeStyle.Render("airsync serve"),
	"Check the address: " + CodeStyle.Render("--gateway <addr>") + " or " + CodeStyle.Render("AIRSYNC_GATEWAY"),
}

// FormatError converts an error to a human-readable message
func FormatError(err error) string {
	if err == nil {
		return ""
	}

	var apiErr *APIError
	if errors.As(err, &apiErr) {
		if msg, ok := ErrorMessages[apiErr.Code]; ok {
			// Include the gateway's description if it adds context
			if apiErr.Message != "" && !strings.Contains(strings.ToLower(msg), strings.ToLower(apiErr.Message)) {
				return fmt.Sprintf("%s (%s)", msg, apiErr.Message)
			}
			return msg
		}
		return apiErr.Message
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return ErrorMessages["timeout"]
	}
	if isConnectionError(err) {
		return "Cannot connect to gateway"
	}

	return cleanErrorMessage(err.Error())
}

// GetErrorSuggestions returns helpful suggestions for an error
func GetErrorSuggestions(err error) []string {
	if err == nil {
		return nil
	}

	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return ErrorSuggestions[apiErr.Code]
	}
	if isConnectionError(err) {
		return connectionSuggestions
	}
	return nil
}

func isConnectionError(err error) bool {
	var opErr *net.OpError
	var urlErr *url.Error
	return errors.As(err, &opErr) || (errors.As(err, &urlErr) && !urlErr.Timeout())
}

// cleanErrorMessage cleans up common error message patterns
func cleanErrorMessage(msg string) string {
	msg = strings.TrimPrefix(msg, "error: ")
	msg = strings.TrimPrefix(msg, "Error: ")

	// For deeply nested errors, just show the most relevant part
	if parts := strings.Split(msg, ": "); len(parts) > 3 {
		msg = parts[0] + ": " + parts[len(parts)-1]
	}
	return msg
}

// PrintFormattedError prints an error with styling and optional suggestions
func PrintFormattedError(title string, err error) {
	fmt.Println()
	PrintErrorMsg(title)

	if err != nil {
		fmt.Printf("  %s\n", DimStyle.Render(FormatError(err)))

		if suggestions := GetErrorSuggestions(err); len(suggestions) > 0 {
			PrintSuggestions("Suggestions:", suggestions)
		}
	}
	fmt.Println()
}
