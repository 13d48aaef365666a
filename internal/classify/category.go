// Package classify maps outgoing requests to the request categories that the
// routing policy reasons about.
package classify

// Category is the semantic class of an outgoing request. It is derived from
// the URL host (and, for token-host requests, the body and headers) and never
// changes for the lifetime of a request.
type Category string

const (
	TokenRequest           Category = "TOKEN"
	TokenIntegrityRequest  Category = "TOKEN_INTEGRITY"
	ManifestIndexRequest   Category = "MANIFEST_INDEX"
	SegmentPlaylistRequest Category = "SEGMENT_PLAYLIST"
	PageRequest            Category = "PAGE"
	Other                  Category = "OTHER"
)

// Categories lists every category in a stable order.
var Categories = []Category{
	TokenRequest,
	TokenIntegrityRequest,
	ManifestIndexRequest,
	SegmentPlaylistRequest,
	PageRequest,
	Other,
}

// ParseCategory normalizes external string input into a supported category.
// Unknown values map to Other.
func ParseCategory(raw string) Category {
	c := Category(raw)
	if c.IsValid() {
		return c
	}
	return Other
}

func (c Category) IsValid() bool {
	switch c {
	case TokenRequest, TokenIntegrityRequest, ManifestIndexRequest,
		SegmentPlaylistRequest, PageRequest, Other:
		return true
	default:
		return false
	}
}
