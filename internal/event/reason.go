package event

// ErrorReason enumerates declared scan failures and gate rejections. The values
// are part of the wire contract.
type ErrorReason string

const (
	ReasonNotAnEvent      ErrorReason = "PROBABLY_NOT_AN_EVENT"
	ReasonImageBlurred    ErrorReason = "IMAGE_TOO_BLURRED"
	ReasonLowContrast     ErrorReason = "LOW_CONTRAST_OR_POOR_LIGHTING"
	ReasonTextTooSmall    ErrorReason = "TEXT_TOO_SMALL"
	ReasonOverlappingText ErrorReason = "OVERLAPPING_TEXT_OR_GRAPHICS"
	ReasonUnknown         ErrorReason = "UNKNOWN"
	ReasonLimitReached    ErrorReason = "LIMIT_REACHED"
)

// ModelReasons are the reasons a model may legitimately declare.
var ModelReasons = []ErrorReason{
	ReasonNotAnEvent,
	ReasonImageBlurred,
	ReasonLowContrast,
	ReasonTextTooSmall,
	ReasonOverlappingText,
	ReasonUnknown,
}

// Valid reports whether r is one of the known reasons.
func (r ErrorReason) Valid() bool {
	switch r {
	case ReasonNotAnEvent, ReasonImageBlurred, ReasonLowContrast, ReasonTextTooSmall,
		ReasonOverlappingText, ReasonUnknown, ReasonLimitReached:
		return true
	}
	return false
}

// Guidance returns the user-facing hint shown for a declared reason.
func (r ErrorReason) Guidance() string {
	switch r {
	case ReasonNotAnEvent:
		return "This doesn't look like an event. Try a poster or flyer with a date on it."
	case ReasonImageBlurred:
		return "The photo is blurry. Hold steady and try again."
	case ReasonLowContrast:
		return "The photo is too dark or washed out. Try better lighting."
	case ReasonTextTooSmall:
		return "The text is too small to read. Move closer to the poster."
	case ReasonOverlappingText:
		return "Text overlaps with graphics. Try a straighter angle."
	case ReasonLimitReached:
		return "You have used all free captures. Upgrade to keep capturing."
	default:
		return "Something went wrong reading this image. Please try again."
	}
}
