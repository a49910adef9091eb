package http

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"strings"

	"github.com/cockroachdb/errors"
)

const (
	contentTypeForm      = "application/x-www-form-urlencoded"
	contentTypeMultipart = "multipart/form-data"
	contentTypeJSON      = "application/json"
)

// Body decodes the request body once and returns the same value and error
// to every caller. The value depends on Content-Type:
//
//	application/x-www-form-urlencoded  normalized fields (map[string]any)
//	multipart/form-data                normalized fields with *UploadedFile values
//	application/json                   the decoded JSON value
//	anything else                      map[string]any{"body": []byte}
//
// A GET request without a form content type decodes its query string
// instead of reading the payload.
func (r *Request) Body(ctx context.Context) (any, error) {
	r.bodyOnce.Do(func() {
		r.bodyValue, r.bodyErr = r.decodeBody(ctx)
	})
	return r.bodyValue, r.bodyErr
}

func (r *Request) decodeBody(ctx context.Context) (any, error) {
	contentType := strings.ToLower(r.Header("content-type"))
	isForm := strings.Contains(contentType, contentTypeForm)

	if r.method == "GET" && !isForm {
		return NormalizeFields(r.queryOrder), nil
	}

	switch {
	case isForm:
		raw, err := r.rawBody(r.limits.MaxFormBytes)
		if err != nil {
			return nil, err
		}
		return NormalizeFields(ParseURLEncoded(string(raw))), nil

	case strings.Contains(contentType, contentTypeMultipart):
		boundary, err := Boundary(r.Header("content-type"))
		if err != nil {
			return nil, err
		}
		raw, err := r.rawBody(r.limits.MaxBodyBytes)
		if err != nil {
			return nil, err
		}
		return ScanMultipart(ctx, raw, boundary, ScanOptions{Window: r.limits.MultipartWindow})

	case strings.Contains(contentType, contentTypeJSON):
		raw, err := r.rawBody(r.limits.MaxJSONBytes)
		if err != nil {
			return nil, err
		}
		var v any
		if err := decodeStrict(raw, &v); err != nil {
			return nil, err
		}
		return v, nil

	default:
		raw, err := r.rawBody(r.limits.MaxBodyBytes)
		if err != nil {
			return nil, err
		}
		return map[string]any{"body": raw}, nil
	}
}

// RawBody returns the unparsed payload, bounded by Limits.MaxBodyBytes.
func (r *Request) RawBody() ([]byte, error) {
	return r.rawBody(r.limits.MaxBodyBytes)
}

// rawBody reads the payload once. limit applies to the first read; later
// calls share its result.
func (r *Request) rawBody(limit int64) ([]byte, error) {
	r.rawOnce.Do(func() {
		if r.body == nil {
			return
		}
		reader := r.body
		if limit > 0 {
			reader = io.LimitReader(r.body, limit+1)
		}
		raw, err := io.ReadAll(reader)
		if err != nil {
			r.rawErr = Transport(err, "read request body")
			return
		}
		if limit > 0 && int64(len(raw)) > limit {
			r.rawErr = errors.Mark(errors.Wrapf(ErrPayloadTooLarge, "body exceeds %d bytes", limit), ErrClientInput)
			return
		}
		r.raw = raw
	})
	return r.raw, r.rawErr
}

// BindJSON decodes a JSON payload into v.
func (r *Request) BindJSON(v any) error {
	raw, err := r.rawBody(r.limits.MaxJSONBytes)
	if err != nil {
		return err
	}
	return decodeStrict(raw, v)
}

// decodeStrict accepts exactly one JSON value with nothing after it.
func decodeStrict(raw []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(raw))
	if err := dec.Decode(v); err != nil {
		return ClientInput(ErrMalformedJSON, err.Error())
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return ClientInput(ErrMalformedJSON, "trailing data after JSON value")
	}
	return nil
}

// AllParams merges query parameters, path parameters and the decoded body,
// in that order; later sources win. A body that is not an object is stored
// under "body". The result is computed once.
func (r *Request) AllParams(ctx context.Context) (map[string]any, error) {
	r.allOnce.Do(func() {
		body, err := r.Body(ctx)
		if err != nil {
			r.allErr = err
			return
		}

		all := make(map[string]any, len(r.query)+len(r.params))
		for k, v := range r.query {
			all[k] = v
		}
		for k, v := range r.params {
			all[k] = v
		}
		if m, ok := body.(map[string]any); ok {
			for k, v := range m {
				all[k] = v
			}
		} else {
			all["body"] = body
		}
		r.all = all
	})
	return r.all, r.allErr
}
