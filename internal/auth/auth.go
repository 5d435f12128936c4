// Package auth gates bot use to a static list of Telegram user ids.
package auth

import (
	"errors"

	"golang.org/x/exp/slices"
)

var ErrUnauthorized = errors.New("unauthorized user")

type AllowList struct {
	ids []int64
}

func New(ids []int64) *AllowList {
	sorted := slices.Clone(ids)
	slices.Sort(sorted)
	return &AllowList{ids: slices.Compact(sorted)}
}

// Check returns ErrUnauthorized unless userID is listed. An empty list lets
// nobody in.
func (a *AllowList) Check(userID int64) error {
	if _, ok := slices.BinarySearch(a.ids, userID); ok {
		return nil
	}
	return ErrUnauthorized
}

func (a *AllowList) Len() int { return len(a.ids) }
