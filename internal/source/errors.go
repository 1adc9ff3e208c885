package source

import "fmt"

// InvalidContentError represents malformed or rejected torrent content. This
// includes invalid bencode, missing info dictionaries, files exceeding size
// limits, or content rejected by the download agent.
type InvalidContentError struct {
	Filename string // Name of the file that failed validation
	Reason   string // Human-readable explanation of why the content is invalid
	Err      error  // Underlying error, if any
}

func (e *InvalidContentError) Error() string {
	return fmt.Sprintf("invalid torrent content in %s: %s", e.Filename, e.Reason)
}

func (e *InvalidContentError) Unwrap() error {
	return e.Err
}
