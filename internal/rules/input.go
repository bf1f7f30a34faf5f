package rules

import (
	"errors"
	"fmt"
)

// InputVersion is the only input context version this build understands.
const InputVersion = 1

// InputKind tags which variant of Input is populated.
type InputKind string

const (
	KindNone    InputKind = ""
	KindText    InputKind = "text"
	KindListing InputKind = "listing"
	KindMedia   InputKind = "media"
)

// ErrInvalidInput rejects malformed input contexts.
var ErrInvalidInput = errors.New("invalid input context")

// Input is the versioned, tagged payload that accompanies an attempt.
// Exactly the variant named by Kind may be set.
type Input struct {
	Version int       `json:"version,omitempty"`
	Kind    InputKind `json:"kind,omitempty"`
	Text    string    `json:"text,omitempty"`
	Listing *Listing  `json:"listing,omitempty"`
	Media   *Media    `json:"media,omitempty"`
}

// Listing is a marketplace listing handed to a tool.
type Listing struct {
	ListingID   string  `json:"listing_id"`
	Price       float64 `json:"price"`
	Description string  `json:"description,omitempty"`
}

// Media references an uploaded asset.
type Media struct {
	URL   string `json:"url"`
	Bytes int64  `json:"bytes,omitempty"`
}

// Validate checks the version and that the populated variant matches Kind.
// A zero Version is read as the current one.
func (in *Input) Validate() error {
	if in.Version == 0 {
		in.Version = InputVersion
	}
	if in.Version != InputVersion {
		return fmt.Errorf("%w: unsupported version %d", ErrInvalidInput, in.Version)
	}
	switch in.Kind {
	case KindNone:
		if in.Text != "" || in.Listing != nil || in.Media != nil {
			return fmt.Errorf("%w: payload without kind", ErrInvalidInput)
		}
	case KindText:
		if in.Listing != nil || in.Media != nil {
			return fmt.Errorf("%w: text input carries another variant", ErrInvalidInput)
		}
	case KindListing:
		if in.Listing == nil || in.Text != "" || in.Media != nil {
			return fmt.Errorf("%w: listing input must carry only a listing", ErrInvalidInput)
		}
		if in.Listing.Price < 0 {
			return fmt.Errorf("%w: negative listing price", ErrInvalidInput)
		}
	case KindMedia:
		if in.Media == nil || in.Text != "" || in.Listing != nil {
			return fmt.Errorf("%w: media input must carry only media", ErrInvalidInput)
		}
		if in.Media.Bytes < 0 {
			return fmt.Errorf("%w: negative media size", ErrInvalidInput)
		}
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidInput, in.Kind)
	}
	return nil
}

// Content returns the free text carried by the input, whichever variant it is.
func (in Input) Content() string {
	switch in.Kind {
	case KindText:
		return in.Text
	case KindListing:
		if in.Listing != nil {
			return in.Listing.Description
		}
	case KindMedia:
		if in.Media != nil {
			return in.Media.URL
		}
	}
	return ""
}
