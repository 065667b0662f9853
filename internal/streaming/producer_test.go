package streaming

import (
	"context"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stacklok/api-publisher/internal/changes"
)

func TestPagesFor_Forward(t *testing.T) {
	t.Parallel()

	tests := []struct {
		total, limit int64
		pages        int
	}{
		{total: 0, limit: 25, pages: 0},
		{total: 1, limit: 25, pages: 1},
		{total: 25, limit: 25, pages: 1},
		{total: 26, limit: 25, pages: 2},
		{total: 103, limit: 25, pages: 5},
		{total: 1000, limit: 75, pages: 14},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprintf("%d by %d", tt.total, tt.limit), func(t *testing.T) {
			t.Parallel()

			pages := pagesFor("/ed-fi/students", "/ed-fi/students", nil, tt.total, tt.limit, false)
			require.Len(t, pages, tt.pages)

			// Offsets partition [0, total) without gaps or overlaps
			next := int64(0)
			for _, page := range pages {
				assert.Equal(t, next, page.Offset)
				assert.Equal(t, tt.limit, page.Limit)
				next += page.Limit
			}
			if tt.pages > 0 {
				assert.GreaterOrEqual(t, next, tt.total)
				assert.Less(t, next-tt.limit, tt.total)
			}
		})
	}
}

func TestPagesFor_Reverse(t *testing.T) {
	t.Parallel()

	pages := pagesFor("/ed-fi/students", "/ed-fi/students/deletes", nil, 103, 25, true)
	require.Len(t, pages, 5)

	expected := [][2]int64{{78, 25}, {53, 25}, {28, 25}, {3, 25}, {0, 3}}
	for i, page := range pages {
		assert.Equal(t, expected[i][0], page.Offset, "page %d offset", i)
		assert.Equal(t, expected[i][1], page.Limit, "page %d limit", i)
		assert.True(t, page.Reverse)
	}
}

func TestPageProducer_OffsetPaging(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	for i := 0; i < 23; i++ {
		h.source.AddItem("/ed-fi/students", map[string]any{"studentUniqueId": fmt.Sprint(i)}, int64(i+1))
	}

	producer := NewPageProducer(h.sourceClient, h.opts)
	result := producer.Produce(context.Background(), StreamResourceMessage{
		ResourceKey:  "/ed-fi/students",
		ResourcePath: "/ed-fi/students",
		PageSize:     10,
	}, "/ed-fi/students")

	require.Equal(t, PagesProduced, result.Status)
	assert.Equal(t, int64(23), result.TotalCount)
	require.Len(t, result.Pages, 3)

	final := 0
	for _, page := range result.Pages {
		if page.IsFinalPage {
			final++
		}
		assert.Nil(t, page.Window)
	}
	assert.Equal(t, 1, final)
	assert.True(t, result.Pages[2].IsFinalPage)

	probes := h.source.CallsTo(http.MethodGet, "/data/v3/ed-fi/students")
	require.Len(t, probes, 1, "the count is probed once")
	assert.Contains(t, probes[0].RawQuery, "totalCount=true")
}

func TestPageProducer_ChangeVersionPaging(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.opts.UseChangeVersionPaging = true
	h.opts.ChangeVersionPagingWindowSize = 25000

	// Items spread across the four sub-windows: 3, 0, 12 and 1 items
	versions := []int64{1, 2, 25000}
	for i := int64(0); i < 12; i++ {
		versions = append(versions, 50001+i)
	}
	versions = append(versions, 100000)
	for i, version := range versions {
		h.source.AddItem("/ed-fi/students", map[string]any{"studentUniqueId": fmt.Sprint(i)}, version)
	}

	producer := NewPageProducer(h.sourceClient, h.opts)
	result := producer.Produce(context.Background(), StreamResourceMessage{
		ResourcePath: "/ed-fi/students",
		Window:       &changes.Window{Min: 1, Max: 100000},
		PageSize:     10,
	}, "/ed-fi/students")

	require.Equal(t, PagesProduced, result.Status)
	assert.Equal(t, int64(16), result.TotalCount)

	var windows []changes.Window
	for _, page := range result.Pages {
		require.NotNil(t, page.Window)
		windows = append(windows, *page.Window)
	}
	assert.Equal(t, []changes.Window{
		{Min: 1, Max: 25000},
		{Min: 50001, Max: 75000},
		{Min: 50001, Max: 75000},
		{Min: 75001, Max: 100000},
	}, windows)
	assert.True(t, result.Pages[len(result.Pages)-1].IsFinalPage)

	probes := h.source.CallsTo(http.MethodGet, "/data/v3/ed-fi/students")
	assert.Len(t, probes, 4, "one count probe per sub-window")
}

func TestPageProducer_ReverseChangeVersionPaging(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.opts.UseChangeVersionPaging = true
	h.opts.UseReversePaging = true
	h.opts.ChangeVersionPagingWindowSize = 10

	for version := int64(1); version <= 20; version++ {
		h.source.AddItem("/ed-fi/students", map[string]any{"studentUniqueId": fmt.Sprint(version)}, version)
	}

	producer := NewPageProducer(h.sourceClient, h.opts)
	result := producer.Produce(context.Background(), StreamResourceMessage{
		ResourcePath: "/ed-fi/students",
		Window:       &changes.Window{Min: 1, Max: 20},
		PageSize:     4,
	}, "/ed-fi/students")

	require.Equal(t, PagesProduced, result.Status)
	require.Len(t, result.Pages, 6)
	assert.Equal(t, changes.Window{Min: 11, Max: 20}, *result.Pages[0].Window, "newest sub-window first")
	assert.Equal(t, int64(6), result.Pages[0].Offset)
	assert.Equal(t, int64(0), result.Pages[2].Offset)
	assert.Equal(t, int64(2), result.Pages[2].Limit)
	assert.Equal(t, changes.Window{Min: 1, Max: 10}, *result.Pages[5].Window)
	assert.True(t, result.Pages[5].IsFinalPage)
}

func TestPageProducer_SingleVersionWindow(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.opts.UseChangeVersionPaging = true
	h.opts.ChangeVersionPagingWindowSize = 1000
	h.source.AddItem("/ed-fi/students", map[string]any{"studentUniqueId": "1"}, 7)

	result := NewPageProducer(h.sourceClient, h.opts).Produce(context.Background(), StreamResourceMessage{
		ResourcePath: "/ed-fi/students",
		Window:       &changes.Window{Min: 7, Max: 7},
	}, "/ed-fi/students")

	require.Equal(t, PagesProduced, result.Status)
	require.Len(t, result.Pages, 1)
	assert.Equal(t, changes.Window{Min: 7, Max: 7}, *result.Pages[0].Window)
}

func TestPageProducer_ProbeFailure(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.source.FailTimes(http.MethodGet, "/data/v3/ed-fi/students", http.StatusServiceUnavailable, 10, "")

	result := NewPageProducer(h.sourceClient, h.opts).Produce(context.Background(), StreamResourceMessage{
		ResourcePath: "/ed-fi/students",
	}, "/ed-fi/students")

	assert.Equal(t, EmptyDueToProbeFailure, result.Status)
	assert.Empty(t, result.Pages)
	assert.Len(t, h.source.CallsTo(http.MethodGet, "/data/v3/ed-fi/students"), 3, "probe is retried")
}

func TestPageProducer_Cancelled(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	producer := NewPageProducer(h.sourceClient, h.opts)

	unsupported, cancel := context.WithCancelCause(context.Background())
	cancel(ErrUnsupportedKeyMetadata)
	result := producer.Produce(unsupported, StreamResourceMessage{ResourcePath: "/ed-fi/students"}, "/ed-fi/students/deletes")
	assert.Equal(t, CancelledDueToUnsupportedMetadata, result.Status)

	stopped, stop := context.WithCancel(context.Background())
	stop()
	result = producer.Produce(stopped, StreamResourceMessage{ResourcePath: "/ed-fi/students"}, "/ed-fi/students")
	assert.Equal(t, Cancelled, result.Status)
	assert.Empty(t, h.source.Calls())
}
