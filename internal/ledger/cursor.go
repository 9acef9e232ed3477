package ledger

import "context"

// Lister is the subset of Store needed to page through account history.
type Lister interface {
	ListByAccount(ctx context.Context, accountID string, f Filter) ([]Entry, error)
}

// Cursor lazily walks an account's entries in creation order, one page at a time.
// It is finite and can be restarted with Reset.
type Cursor struct {
	src       Lister
	accountID string
	filter    Filter

	page  []Entry
	pos   int
	after string
	done  bool
	cur   Entry
	err   error
}

// NewCursor returns a cursor positioned before the first matching entry.
func NewCursor(src Lister, accountID string, f Filter) *Cursor {
	return &Cursor{src: src, accountID: accountID, filter: f, after: f.After}
}

// Next advances to the next entry, fetching a new page when needed.
func (c *Cursor) Next(ctx context.Context) bool {
	if c.err != nil {
		return false
	}
	if c.pos >= len(c.page) {
		if c.done {
			return false
		}
		f := c.filter
		f.After = c.after
		page, err := c.src.ListByAccount(ctx, c.accountID, f)
		if err != nil {
			c.err = err
			return false
		}
		c.page, c.pos = page, 0
		if len(page) < f.pageSize() {
			c.done = true
		}
		if len(page) == 0 {
			return false
		}
		c.after = page[len(page)-1].ID
	}
	c.cur = c.page[c.pos]
	c.pos++
	return true
}

// Entry returns the entry at the current position.
func (c *Cursor) Entry() Entry { return c.cur }

// Err returns the first error encountered while paging.
func (c *Cursor) Err() error { return c.err }

// Reset rewinds the cursor to its starting position.
func (c *Cursor) Reset() {
	c.page, c.pos, c.done, c.err = nil, 0, false, nil
	c.after = c.filter.After
	c.cur = Entry{}
}

// Collect drains the cursor into a slice.
func Collect(ctx context.Context, c *Cursor) ([]Entry, error) {
	var out []Entry
	for c.Next(ctx) {
		out = append(out, c.Entry())
	}
	return out, c.Err()
}
