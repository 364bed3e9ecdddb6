package speech

import (
	"errors"
	"strings"
)

type deviceError struct {
	indicator string
	message   string
}

// Ordered: the first matching indicator wins.
var deviceErrors = []deviceError{
	{"service-not-allowed", "Speech recognition is not available in this browser."},
	{"notallowed", "Microphone access was denied. Allow microphone access in your browser settings and try again."},
	{"not-allowed", "Microphone access was denied. Allow microphone access in your browser settings and try again."},
	{"permission denied", "Microphone access was denied. Allow microphone access in your browser settings and try again."},
	{"notfound", "No microphone was found. Connect a microphone and try again."},
	{"requested device not found", "No microphone was found. Connect a microphone and try again."},
	{"audio-capture", "No microphone was found. Connect a microphone and try again."},
	{"notreadable", "Your microphone is being used by another application."},
	{"could not start audio source", "Your microphone is being used by another application."},
	{"no-speech", "No speech was detected. Please try again."},
	{"network", "Speech recognition needs a network connection."},
	{"language-not-supported", "The selected language is not supported for speech recognition."},
}

// DescribeDeviceError maps a microphone or recognizer error to a message for
// the user by known substring.
func DescribeDeviceError(err error) string {
	if err == nil {
		return ""
	}
	if errors.Is(err, ErrNoDevice) {
		return "Open the expert page in your browser to use the microphone."
	}
	lower := strings.ToLower(err.Error())
	for _, d := range deviceErrors {
		if strings.Contains(lower, d.indicator) {
			return d.message
		}
	}
	return "Speech recognition failed. Please try again."
}
