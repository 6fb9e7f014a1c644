package normalize

import (
	"strings"
	"time"
)

// MinYear and MaxYear bound what counts as a plausible timestamp.
const (
	MinYear = 1900
	MaxYear = 2100
)

// InRange reports whether t falls within MinYear..MaxYear inclusive.
func InRange(t time.Time) bool {
	y := t.Year()
	return y >= MinYear && y <= MaxYear
}

var isoLayouts = []string{
	"2006-01-02",
	"2006-1-2",
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
	"2006-01-02T15:04:05",
	"2006-01-02T15:04:05Z07:00",
	"2006-01-02T15:04:05.000Z07:00",
	"2006-01-02 15:04:05.999999999",
	"2006/1/2",
	"2006/01/02 15:04:05",
}

// Day-first layouts (French). Go's "2" and "1" accept one or two digits.
var dayFirstLayouts = []string{
	"2/1/2006",
	"2-1-2006",
	"2.1.2006",
	"2/1/2006 15:04:05",
	"2/1/2006 15:04",
	"2-1-2006 15:04:05",
	"2.1.2006 15:04:05",
	"2/1/06",
	"2-1-06",
	"2.1.06",
	"2 January 2006",
	"2 Jan 2006",
	"2 January 06",
}

var monthFirstLayouts = []string{
	"1/2/2006",
	"1-2-2006",
	"1/2/2006 15:04:05",
	"1/2/06",
	"January 2, 2006",
	"Jan 2, 2006",
}

// frenchMonths maps lowercase French month names and abbreviations to the
// English names time.Parse understands. Longer keys come first so that
// "juillet" is not matched as "juil".
var frenchMonths = []struct{ fr, en string }{
	{"janvier", "January"}, {"février", "February"}, {"fevrier", "February"},
	{"septembre", "September"}, {"novembre", "November"}, {"décembre", "December"},
	{"decembre", "December"}, {"octobre", "October"}, {"juillet", "July"},
	{"avril", "April"}, {"mars", "March"}, {"juin", "June"}, {"août", "August"},
	{"aout", "August"}, {"mai", "May"},
	{"janv.", "Jan"}, {"janv", "Jan"}, {"févr.", "Feb"}, {"févr", "Feb"}, {"fevr", "Feb"},
	{"fév", "Feb"}, {"avr.", "Apr"}, {"avr", "Apr"}, {"juil.", "Jul"}, {"juil", "Jul"},
	{"sept.", "Sep"}, {"sept", "Sep"}, {"oct.", "Oct"}, {"oct", "Oct"},
	{"nov.", "Nov"}, {"nov", "Nov"}, {"déc.", "Dec"}, {"déc", "Dec"}, {"dec", "Dec"},
}

func translateFrenchMonth(s string) string {
	fields := strings.Fields(s)
	if len(fields) != 3 {
		return s
	}
	mid := strings.ToLower(fields[1])
	for _, m := range frenchMonths {
		if mid == m.fr {
			fields[1] = m.en
			return strings.Join(fields, " ")
		}
	}
	return s
}

// ParseTime parses s as a date or date-time. Under LocaleFR day-first
// layouts win over month-first ones; under LocaleEN the order is reversed.
// Values outside MinYear..MaxYear are rejected, never clamped.
func ParseTime(s string, loc Locale) (time.Time, bool) {
	s = strings.TrimSpace(s)
	if len(s) < 6 {
		return time.Time{}, false
	}
	if loc == LocaleFR {
		s = translateFrenchMonth(s)
	}

	groups := [][]string{isoLayouts, dayFirstLayouts, monthFirstLayouts}
	if loc == LocaleEN {
		groups = [][]string{isoLayouts, monthFirstLayouts, dayFirstLayouts}
	}
	for _, layouts := range groups {
		for _, lay := range layouts {
			t, err := time.Parse(lay, s)
			if err != nil {
				continue
			}
			if !InRange(t) {
				return time.Time{}, false
			}
			return t, true
		}
	}
	return time.Time{}, false
}

// NormalizeTime is ParseTime on a Value: Time values are range-checked, Text
// values parsed, anything else rejected.
func NormalizeTime(v Value, loc Locale) (time.Time, bool) {
	switch v.Kind {
	case Time:
		return v.T, InRange(v.T)
	case Text:
		return ParseTime(v.S, loc)
	}
	return time.Time{}, false
}
