// Copyright 2022 Molecula Corp. (DBA FeatureBase).
// SPDX-License-Identifier: Apache-2.0
package gridcursor

import (
	"context"
	"io"
	"time"
)

// EntryIterator walks a Cursor one entry at a time.
//
//	itr := NewEntryIterator(ctx, cur, time.Minute)
//	defer itr.Close()
//	for itr.Next() {
//		e := itr.Entry()
//		...
//	}
//	if err := itr.Err(); err != nil {
//		...
//	}
type EntryIterator struct {
	ctx     context.Context
	cursor  *Cursor
	timeout time.Duration

	page []Entry
	pos  int
	cur  Entry
	err  error
	done bool
}

// NewEntryIterator returns an iterator over the entries of c. Each page is
// fetched with the given timeout.
func NewEntryIterator(ctx context.Context, c *Cursor, timeout time.Duration) *EntryIterator {
	return &EntryIterator{ctx: ctx, cursor: c, timeout: timeout}
}

// Next advances to the next entry. It returns false at the end of the
// stream or on error; the cursor is closed in both cases.
func (itr *EntryIterator) Next() bool {
	if itr.done {
		return false
	}
	for itr.pos >= len(itr.page) {
		page, err := itr.cursor.Next(itr.ctx, itr.timeout)
		if err != nil {
			if err != io.EOF {
				itr.err = err
			}
			itr.finish()
			return false
		}
		itr.page, itr.pos = page, 0
	}
	itr.cur = itr.page[itr.pos]
	itr.pos++
	return true
}

// Entry returns the current entry.
func (itr *EntryIterator) Entry() Entry { return itr.cur }

// Err returns the error which stopped the iteration, if any.
func (itr *EntryIterator) Err() error { return itr.err }

// Close stops the iteration early.
func (itr *EntryIterator) Close() error {
	itr.finish()
	return nil
}

func (itr *EntryIterator) finish() {
	itr.done = true
	itr.page = nil
	itr.cursor.Close()
}
