package streaming

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/stacklok/api-publisher/internal/apiclient"
	"github.com/stacklok/api-publisher/internal/resources"
	"github.com/stacklok/api-publisher/internal/retry"
)

// pageFetcher reads pages from the source and turns their items into action messages
type pageFetcher struct {
	source apiclient.Client
	policy retry.Policy
	sink   *ErrorSink
	stage  Stage
}

// fetch reads page and sends its action messages to out. HTTP calls run on ctx; stream is
// checked before every page and item and stops dispatch once cancelled. An item without the
// natural key metadata the stage needs stops the resource through cancel. It returns the
// number of items dispatched.
func (f *pageFetcher) fetch(
	ctx, stream context.Context,
	cancel context.CancelCauseFunc,
	page PageMessage,
	out chan<- ActionMessage,
) int {
	dispatched := 0
	offset := page.Offset

	for {
		if stream.Err() != nil {
			return dispatched
		}

		items, ok := f.get(ctx, page, offset)
		if !ok {
			return dispatched
		}

		for _, item := range items {
			if stream.Err() != nil {
				return dispatched
			}

			msg, err := f.stage.Transform(page.ResourcePath, item)
			if errors.Is(err, ErrUnsupportedKeyMetadata) {
				slog.Warn("Source does not support the natural key metadata required, cancelling the resource",
					"phase", f.stage.Kind(), "resource", page.ResourcePath, "error", err)
				cancel(err)
				return dispatched
			}
			if err != nil {
				f.sink.Post(ErrorItemMessage{
					Timestamp:   time.Now().UTC(),
					Phase:       f.stage.Kind(),
					Method:      http.MethodGet,
					ResourceURL: f.source.DataPath(page.SourcePath),
					SourceID:    item.ID(),
					Message:     err.Error(),
				})
				continue
			}

			select {
			case out <- msg:
				dispatched++
			case <-stream.Done():
				return dispatched
			}
		}

		// Items added while a long run was paging land past the last counted page.
		if !page.IsFinalPage || page.Reverse || page.Limit <= 0 || int64(len(items)) < page.Limit {
			return dispatched
		}
		offset += page.Limit
		slog.Debug("Final page was full, reading the next one",
			"resource", page.ResourcePath, "offset", offset)
	}
}

func (f *pageFetcher) get(ctx context.Context, page PageMessage, offset int64) ([]resources.Item, bool) {
	path := f.source.DataPath(page.SourcePath)
	query := windowQuery(page.Window)
	query.Set("offset", strconv.FormatInt(offset, 10))
	query.Set("limit", strconv.FormatInt(page.Limit, 10))
	requestURL := describeURL(path, query)

	resp, attempts, err := retry.Do(ctx, f.policy, nil, func(ctx context.Context) (*apiclient.Response, error) {
		return f.source.Get(ctx, path, query)
	})
	if err == nil && !resp.IsSuccess() {
		err = fmt.Errorf("failed to read page after %d attempts", attempts)
	}
	var items []resources.Item
	if err == nil {
		items, err = resources.DecodeItems(resp.Body)
	}
	if err != nil {
		if ctx.Err() != nil {
			return nil, false
		}
		msg := ErrorItemMessage{
			Timestamp:   time.Now().UTC(),
			Phase:       f.stage.Kind(),
			Method:      http.MethodGet,
			ResourceURL: requestURL,
			Message:     err.Error(),
		}
		if resp != nil {
			msg.ResponseStatus = resp.StatusCode
			msg.ResponseContent = string(resp.Body)
		}
		slog.Error("Failed to read page", "phase", f.stage.Kind(), "url", requestURL, "error", err)
		f.sink.Post(msg)
		return nil, false
	}
	return items, true
}
