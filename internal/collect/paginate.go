// Package collect walks the provider's paginated connections and turns the
// pages into stored raw facts, advancing per-subject collection metadata only
// after a fully successful crawl.
package collect

import (
	"context"
	"errors"

	"github.com/devpulse/harvester/internal/githubapi"
)

// ErrStop may be returned from a fold function to end pagination early
// without reporting a failure.
var ErrStop = errors.New("stop pagination")

// Page is one fetched page of items plus its connection page info.
type Page[T any] struct {
	Items []T
	Info  githubapi.PageInfo
}

// FetchFunc fetches the page at the given cursor. An empty cursor fetches the
// first page.
type FetchFunc[T any] func(ctx context.Context, cursor string) (Page[T], error)

// FoldFunc folds one item into the caller's accumulator.
type FoldFunc[T any] func(item T) error

// Result is the outcome of a pagination walk. On error it carries the partial
// progress made before the failure.
type Result struct {
	// Folded is the number of items passed to the fold function.
	Folded int
	// Pages is the number of fetch calls made.
	Pages int
	// LastCursor is the cursor of the last successfully fetched page, suitable
	// for resuming a later crawl.
	LastCursor string
	// HasMore reports that the walk stopped at maxPages while the connection
	// still had a next page. Resuming from LastCursor continues it.
	HasMore bool
}

// Paginate iteratively walks a paginated connection starting from startCursor
// (empty for the beginning, or a stored cursor to resume). Each fetched page
// is folded item by item. The walk stops when the connection reports no next
// page, when the returned cursor is empty, or when maxPages fetches have been
// made; a page with zero items does not itself stop the walk. A fetch or fold
// error stops the walk and returns the partial result alongside the error.
func Paginate[T any](ctx context.Context, startCursor string, maxPages int, fetch FetchFunc[T], fold FoldFunc[T]) (Result, error) {
	var result Result
	cursor := startCursor

	for {
		page, err := fetch(ctx, cursor)
		if err != nil {
			return result, err
		}
		result.Pages++

		for _, item := range page.Items {
			if err := fold(item); err != nil {
				if errors.Is(err, ErrStop) {
					return result, nil
				}
				return result, err
			}
			result.Folded++
		}

		if page.Info.EndCursor != "" {
			result.LastCursor = page.Info.EndCursor
		}
		if !page.Info.HasNextPage || page.Info.EndCursor == "" {
			return result, nil
		}
		if maxPages > 0 && result.Pages >= maxPages {
			result.HasMore = true
			return result, nil
		}
		cursor = page.Info.EndCursor
	}
}
