package threat

import (
	"bytes"
	"io"
	"net/http"
	"net/url"
	"slices"
)

// skippedHeaders carry credentials and are never inspected.
var skippedHeaders = map[string]bool{
	"Authorization": true,
	"Cookie":        true,
}

type replayBody struct {
	io.Reader
	io.Closer
}

// SurfaceFromRequest extracts the inspected surface of r. At most maxBody
// bytes of the body are read; r.Body is replaced so handlers still see the
// complete body.
func SurfaceFromRequest(r *http.Request, maxBody int64) (Surface, error) {
	s := Surface{Paths: []string{r.URL.Path}}
	if escaped := r.URL.EscapedPath(); escaped != r.URL.Path {
		s.Paths = append(s.Paths, escaped)
	}
	if raw := r.URL.RawQuery; raw != "" {
		s.Query = append(s.Query, raw)
		if decoded, err := url.QueryUnescape(raw); err == nil && decoded != raw {
			s.Query = append(s.Query, decoded)
		}
	}

	names := make([]string, 0, len(r.Header))
	for name := range r.Header {
		if !skippedHeaders[http.CanonicalHeaderKey(name)] {
			names = append(names, name)
		}
	}
	slices.Sort(names)
	for _, name := range names {
		s.Headers = append(s.Headers, r.Header[name]...)
	}

	if r.Body == nil || r.Body == http.NoBody || maxBody <= 0 {
		return s, nil
	}
	buf, err := io.ReadAll(io.LimitReader(r.Body, maxBody))
	r.Body = replayBody{Reader: io.MultiReader(bytes.NewReader(buf), r.Body), Closer: r.Body}
	if err != nil {
		return s, err
	}
	s.Body = buf
	return s, nil
}
