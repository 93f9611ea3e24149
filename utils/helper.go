package utils

import (
	"errors"
	"reflect"
	"time"
)

func ErrorDuplicate(column string) error {
	return errors.New("duplicate " + column)
}

// UniqueSlice returns the distinct values of s, order preserved.
func UniqueSlice[T comparable](s []T) []T {
	seen := make(map[T]struct{}, len(s))
	result := make([]T, 0, len(s))
	for _, v := range s {
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		result = append(result, v)
	}
	return result
}

// TruncateToDate drops the time-of-day component, keeping the location.
func TruncateToDate(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
}

// DaysSince counts whole days from `from` to `to`, date-based (time of day
// ignored). Negative when `to` is before `from`.
func DaysSince(from time.Time, to time.Time) int {
	f := TruncateToDate(from.UTC())
	t := TruncateToDate(to.UTC())
	return int(t.Sub(f).Hours() / 24)
}

func GetTypeName[T any]() string {
	var v T
	typeOfT := reflect.TypeOf(v)
	return typeOfT.Name()
}
