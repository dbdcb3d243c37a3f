package storage

import (
	"context"
	"errors"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"
)

// DefaultKeep is the retention count used when a sink does not configure one.
const DefaultKeep = 5

// RetentionPolicy bounds how many artifacts a sink keeps.
type RetentionPolicy struct {
	// MaxCount is the number of newest artifacts to keep. Zero or less
	// disables eviction.
	MaxCount int
}

// Lister is the subset of Store that retention needs.
type Lister interface {
	List(ctx context.Context) ([]Descriptor, error)
	Delete(ctx context.Context, d Descriptor) error
}

// ApplyRetention lists the sink and deletes everything beyond the newest
// MaxCount artifacts. Delete failures do not stop the sweep; they are joined
// into the returned error. Returns the descriptors that were deleted.
func ApplyRetention(ctx context.Context, s Lister, policy RetentionPolicy) ([]Descriptor, error) {
	if policy.MaxCount <= 0 {
		return nil, nil
	}

	existing, err := s.List(ctx)
	if err != nil {
		return nil, err
	}

	_, evict := Plan(existing, policy)

	var deleted []Descriptor
	var errs []error
	for _, d := range evict {
		if err := s.Delete(ctx, d); err != nil {
			errs = append(errs, err)
			continue
		}
		deleted = append(deleted, d)
	}
	return deleted, errors.Join(errs...)
}

// Plan splits descriptors into those kept and those evicted by policy. Both
// slices are ordered newest first.
func Plan(descs []Descriptor, policy RetentionPolicy) (keep, evict []Descriptor) {
	sorted := make([]Descriptor, len(descs))
	copy(sorted, descs)
	SortNewestFirst(sorted)

	if policy.MaxCount <= 0 || len(sorted) <= policy.MaxCount {
		return sorted, nil
	}
	return sorted[:policy.MaxCount], sorted[policy.MaxCount:]
}

// SortNewestFirst orders descriptors by embedded timestamp, newest first. On
// identical timestamps the lexically greater filename sorts first.
func SortNewestFirst(descs []Descriptor) {
	sort.SliceStable(descs, func(i, j int) bool {
		ti, tj := descs[i].Timestamp(), descs[j].Timestamp()
		if !ti.Equal(tj) {
			return ti.After(tj)
		}
		return descs[i].FileName > descs[j].FileName
	})
}

var (
	dateTimePattern = regexp.MustCompile(`(\d{4})[-_]?(\d{2})[-_]?(\d{2})[-_T]?(\d{2})[-_:]?(\d{2})[-_:]?(\d{2})(Z?)`)
	datePattern     = regexp.MustCompile(`(\d{4})[-_]?(\d{2})[-_]?(\d{2})`)
)

// ParseTimestamp extracts the timestamp embedded in an artifact filename.
// Recognised forms include "20240101_030000", "2024-01-01_03-00-00",
// "2024-01-01T030000Z", "20240101030000" and a bare "20240101". A trailing
// "Z" means UTC; every other form is local time, matching how clients name
// their artifacts.
func ParseTimestamp(name string) (time.Time, bool) {
	if m := dateTimePattern.FindStringSubmatch(name); m != nil {
		loc := time.Local
		if m[7] == "Z" {
			loc = time.UTC
		}
		if t, ok := buildTime(m[1:7], loc); ok {
			return t, true
		}
	}
	if m := datePattern.FindStringSubmatch(name); m != nil {
		if t, ok := buildTime(append(m[1:4], "0", "0", "0"), time.Local); ok {
			return t, true
		}
	}
	return time.Time{}, false
}

func buildTime(parts []string, loc *time.Location) (time.Time, bool) {
	n := make([]int, len(parts))
	for i, p := range parts {
		v, err := strconv.Atoi(p)
		if err != nil {
			return time.Time{}, false
		}
		n[i] = v
	}
	t := time.Date(n[0], time.Month(n[1]), n[2], n[3], n[4], n[5], 0, loc)
	// time.Date normalises out-of-range fields; reject those.
	if t.Year() != n[0] || int(t.Month()) != n[1] || t.Day() != n[2] ||
		t.Hour() != n[3] || t.Minute() != n[4] || t.Second() != n[5] {
		return time.Time{}, false
	}
	return t, true
}

// NameFilter selects which files in a sink belong to this job.
type NameFilter struct {
	Prefix string
	Suffix string
}

// Match reports whether name is a candidate artifact. Hidden files and
// in-progress temp files never match.
func (f NameFilter) Match(name string) bool {
	if name == "" || strings.HasPrefix(name, ".") || strings.HasSuffix(name, ".part") {
		return false
	}
	if f.Prefix != "" && !strings.HasPrefix(name, f.Prefix) {
		return false
	}
	if f.Suffix != "" && !strings.HasSuffix(strings.ToLower(name), strings.ToLower(f.Suffix)) {
		return false
	}
	return true
}
