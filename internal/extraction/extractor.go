package extraction

import (
	"context"
	"encoding/json"
)

// Extractor is the external model call: image bytes in, raw structured
// readings out. Implementations should return *Error where they know the
// failure class; anything else goes through Classify.
type Extractor interface {
	Extract(ctx context.Context, image []byte) (json.RawMessage, error)
}

type ExtractorFunc func(ctx context.Context, image []byte) (json.RawMessage, error)

func (f ExtractorFunc) Extract(ctx context.Context, image []byte) (json.RawMessage, error) {
	return f(ctx, image)
}

// Loader resolves a job's inputRef to image bytes when no payload was
// submitted inline.
type Loader interface {
	Load(ctx context.Context, ref string) ([]byte, error)
}
