package fetcher

import (
	"context"
	"encoding/json"
	"io"

	"github.com/rotisserie/eris"
)

// DecodeJSONLines streams newline-delimited JSON objects to a channel.
// A json.Decoder carries the stream, so object size is unbounded and blank
// lines are tolerated. Both channels are closed when decoding ends; at most
// one error is sent.
func DecodeJSONLines[T any](ctx context.Context, r io.Reader) (<-chan T, <-chan error) {
	outCh := make(chan T, 64)
	errCh := make(chan error, 1)

	go func() {
		defer close(outCh)
		defer close(errCh)

		decoder := json.NewDecoder(r)
		for {
			if ctx.Err() != nil {
				errCh <- eris.Wrap(ctx.Err(), "jsonl: context cancelled")
				return
			}

			var item T
			if err := decoder.Decode(&item); err != nil {
				if err == io.EOF {
					return
				}
				errCh <- eris.Wrap(err, "jsonl: decode line")
				return
			}

			select {
			case outCh <- item:
			case <-ctx.Done():
				errCh <- eris.Wrap(ctx.Err(), "jsonl: context cancelled")
				return
			}
		}
	}()

	return outCh, errCh
}

// DecodeJSONObject decodes a single JSON document from a reader.
func DecodeJSONObject[T any](r io.Reader) (*T, error) {
	var obj T
	if err := json.NewDecoder(r).Decode(&obj); err != nil {
		return nil, eris.Wrap(err, "json: decode object")
	}
	return &obj, nil
}
