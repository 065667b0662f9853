package streaming

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"slices"
	"strconv"

	"github.com/stacklok/api-publisher/internal/apiclient"
	"github.com/stacklok/api-publisher/internal/changes"
	"github.com/stacklok/api-publisher/internal/retry"
)

// PageResultStatus is the outcome of page production for one resource
type PageResultStatus int

const (
	// PagesProduced means the pages cover every item in scope (possibly none)
	PagesProduced PageResultStatus = iota

	// EmptyDueToProbeFailure means the item count could not be obtained. The resource
	// contributes nothing this run.
	EmptyDueToProbeFailure

	// CancelledDueToUnsupportedMetadata means the phase was cancelled because the source
	// lacks natural key metadata
	CancelledDueToUnsupportedMetadata

	// Cancelled means streaming was cancelled for another reason
	Cancelled
)

// String implements fmt.Stringer
func (s PageResultStatus) String() string {
	switch s {
	case PagesProduced:
		return "PagesProduced"
	case EmptyDueToProbeFailure:
		return "EmptyDueToProbeFailure"
	case CancelledDueToUnsupportedMetadata:
		return "CancelledDueToUnsupportedMetadata"
	case Cancelled:
		return "Cancelled"
	}
	return "PageResultStatus(" + strconv.Itoa(int(s)) + ")"
}

// PageResult is the page set produced for one resource
type PageResult struct {
	Status PageResultStatus
	Pages  []PageMessage

	// TotalCount is the number of items the probes reported
	TotalCount int64
}

// PageProducer computes the pages covering a resource's items
type PageProducer struct {
	source apiclient.Client
	opts   Options
}

// NewPageProducer creates a producer reading counts from source
func NewPageProducer(source apiclient.Client, opts Options) *PageProducer {
	return &PageProducer{source: source, opts: opts.WithDefaults()}
}

// Produce returns the pages for msg read from sourcePath. Without a window every item is
// in scope. With change-version paging the window is split into sub-windows that are
// counted and paged separately. Exactly one page, the last, is flagged final.
func (p *PageProducer) Produce(ctx context.Context, msg StreamResourceMessage, sourcePath string) PageResult {
	if result, cancelled := cancelledResult(ctx); cancelled {
		return result
	}

	limit := msg.PageSize
	if limit <= 0 {
		limit = p.opts.PageSize
	}

	windows := []*changes.Window{msg.Window}
	if msg.Window != nil && p.opts.UseChangeVersionPaging && p.opts.ChangeVersionPagingWindowSize > 0 {
		windows = windows[:0]
		for _, sub := range msg.Window.Partition(p.opts.ChangeVersionPagingWindowSize) {
			windows = append(windows, &sub)
		}
	}
	if p.opts.UseReversePaging {
		slices.Reverse(windows)
	}

	result := PageResult{Status: PagesProduced}
	for _, window := range windows {
		total, err := p.count(ctx, sourcePath, window)
		if err != nil {
			if cancelled, ok := cancelledResult(ctx); ok {
				return cancelled
			}
			slog.Error("Failed to count items, skipping resource for this run",
				"resource", msg.ResourcePath, "source_path", sourcePath, "window", window.String(), "error", err)
			return PageResult{Status: EmptyDueToProbeFailure}
		}
		result.TotalCount += total
		result.Pages = append(result.Pages, pagesFor(msg.ResourcePath, sourcePath, window, total, limit, p.opts.UseReversePaging)...)
	}

	if len(result.Pages) > 0 {
		result.Pages[len(result.Pages)-1].IsFinalPage = true
	}
	slog.Debug("Pages produced",
		"resource", msg.ResourcePath, "total", result.TotalCount, "pages", len(result.Pages), "window", msg.Window.String())
	return result
}

func cancelledResult(ctx context.Context) (PageResult, bool) {
	if ctx.Err() == nil {
		return PageResult{}, false
	}
	if errors.Is(context.Cause(ctx), ErrUnsupportedKeyMetadata) {
		return PageResult{Status: CancelledDueToUnsupportedMetadata}, true
	}
	return PageResult{Status: Cancelled}, true
}

// count probes the number of items in window
func (p *PageProducer) count(ctx context.Context, sourcePath string, window *changes.Window) (int64, error) {
	path := p.source.DataPath(sourcePath)
	query := windowQuery(window)
	query.Set("offset", "0")
	query.Set("limit", "0")
	query.Set("totalCount", "true")

	resp, _, err := retry.Do(ctx, p.opts.Retry, nil, func(ctx context.Context) (*apiclient.Response, error) {
		return p.source.Get(ctx, path, query)
	})
	if err != nil {
		return 0, fmt.Errorf("failed to probe item count: %w", err)
	}
	if !resp.IsSuccess() {
		return 0, apiclient.ErrorFromResponse(resp, describeURL(path, query))
	}
	return resp.TotalCount()
}

// pagesFor lays out the pages covering total items. Forward pages start at offset zero.
// Reverse pages start at the end, the last one holding the remainder at offset zero.
func pagesFor(resourcePath, sourcePath string, window *changes.Window, total, limit int64, reverse bool) []PageMessage {
	if total <= 0 || limit <= 0 {
		return nil
	}

	pages := make([]PageMessage, 0, (total+limit-1)/limit)
	newPage := func(offset, size int64) PageMessage {
		return PageMessage{
			ResourcePath: resourcePath,
			SourcePath:   sourcePath,
			Offset:       offset,
			Limit:        size,
			Window:       window,
			Reverse:      reverse,
		}
	}

	if !reverse {
		for offset := int64(0); offset < total; offset += limit {
			pages = append(pages, newPage(offset, limit))
		}
		return pages
	}

	for end := total; end > 0; {
		start := max(end-limit, 0)
		pages = append(pages, newPage(start, end-start))
		end = start
	}
	return pages
}

func windowQuery(window *changes.Window) url.Values {
	query := url.Values{}
	if window != nil {
		query.Set("minChangeVersion", strconv.FormatInt(window.Min, 10))
		query.Set("maxChangeVersion", strconv.FormatInt(window.Max, 10))
	}
	return query
}
