package ledger

import (
	"context"
	"encoding/base64"
	"fmt"
	"iter"
	"strconv"
	"strings"
)

const (
	DefaultPageSize = 20
	MaxPageSize     = 100
)

// Order controls the direction of ListTransactions.
type Order string

const (
	NewestFirst Order = "newest"
	OldestFirst Order = "oldest"
)

func ParseOrder(s string) (Order, error) {
	switch Order(s) {
	case "", NewestFirst:
		return NewestFirst, nil
	case OldestFirst:
		return OldestFirst, nil
	}
	return "", fmt.Errorf("unknown order %q", s)
}

// PageRequest asks for the page after Cursor. An empty cursor starts at
// the newest (or oldest) transaction. Cursors are positions in the log,
// not offsets, so appends between two calls never shift a page.
type PageRequest struct {
	Cursor string
	Limit  int
	Order  Order
}

// Normalize applies defaults and bounds.
func (r PageRequest) Normalize() PageRequest {
	if r.Limit <= 0 {
		r.Limit = DefaultPageSize
	}
	if r.Limit > MaxPageSize {
		r.Limit = MaxPageSize
	}
	if r.Order == "" {
		r.Order = NewestFirst
	}
	return r
}

// After decodes the cursor into the sequence number to continue from.
// Zero means "from the start".
func (r PageRequest) After() (int64, error) {
	return DecodeCursor(r.Cursor)
}

type Page struct {
	Transactions []Transaction
	NextCursor   string // empty on the last page
}

// =============================================================================
// CURSOR ENCODING
// =============================================================================

const cursorPrefix = "seq:"

func EncodeCursor(seq int64) string {
	return base64.RawURLEncoding.EncodeToString([]byte(cursorPrefix + strconv.FormatInt(seq, 10)))
}

func DecodeCursor(c string) (int64, error) {
	if c == "" {
		return 0, nil
	}
	raw, err := base64.RawURLEncoding.DecodeString(c)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrInvalidCursor, err)
	}
	s, ok := strings.CutPrefix(string(raw), cursorPrefix)
	if !ok {
		return 0, ErrInvalidCursor
	}
	seq, err := strconv.ParseInt(s, 10, 64)
	if err != nil || seq <= 0 {
		return 0, ErrInvalidCursor
	}
	return seq, nil
}

// BuildPage trims a result fetched with Limit+1 rows and sets NextCursor.
// Store implementations share it.
func BuildPage(txs []Transaction, limit int) Page {
	if len(txs) <= limit {
		return Page{Transactions: txs}
	}
	txs = txs[:limit]
	return Page{Transactions: txs, NextCursor: EncodeCursor(txs[len(txs)-1].Seq)}
}

// =============================================================================
// LAZY SEQUENCE
// =============================================================================

// Pager is the read side of Store used by Transactions.
type Pager interface {
	ListTransactions(ctx context.Context, userID UserID, req PageRequest) (Page, error)
}

// Transactions walks the whole log of a user page by page. Nothing is
// fetched until the sequence is ranged over, and every range starts again
// from the first page. A fetch error is yielded once and ends the walk.
func Transactions(ctx context.Context, p Pager, userID UserID, order Order, pageSize int) iter.Seq2[Transaction, error] {
	return func(yield func(Transaction, error) bool) {
		req := PageRequest{Limit: pageSize, Order: order}.Normalize()
		for {
			page, err := p.ListTransactions(ctx, userID, req)
			if err != nil {
				yield(Transaction{}, err)
				return
			}
			for _, tx := range page.Transactions {
				if !yield(tx, nil) {
					return
				}
			}
			if page.NextCursor == "" {
				return
			}
			req.Cursor = page.NextCursor
		}
	}
}
