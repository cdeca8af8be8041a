// Package birthday decides whether a stored birthday falls on a given day.
//
// Stored birthdays come in two shapes: "MM-DD" when the year is unknown, and a
// full "YYYY-MM-DD" date (optionally followed by a time part). Both are parsed
// explicitly; nothing is matched on substrings.
package birthday

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ErrInvalid is returned for birthday strings that are neither MM-DD nor a full date.
var ErrInvalid = errors.New("invalid birthday")

// LeapDayPolicy controls when a February 29 birthday is observed in years
// without a February 29.
type LeapDayPolicy string

const (
	// LeapDaySkip never matches in non-leap years.
	LeapDaySkip LeapDayPolicy = "skip"
	// LeapDayFeb28 observes the birthday on February 28.
	LeapDayFeb28 LeapDayPolicy = "feb28"
	// LeapDayMar1 observes the birthday on March 1.
	LeapDayMar1 LeapDayPolicy = "mar1"
)

// ParseLeapDayPolicy validates a policy name coming from configuration.
func ParseLeapDayPolicy(s string) (LeapDayPolicy, error) {
	switch p := LeapDayPolicy(strings.ToLower(strings.TrimSpace(s))); p {
	case LeapDaySkip, LeapDayFeb28, LeapDayMar1:
		return p, nil
	case "":
		return LeapDaySkip, nil
	}
	return "", fmt.Errorf("unknown leap day policy %q", s)
}

// MonthDay is a calendar day without a year.
type MonthDay struct {
	Month time.Month
	Day   int
}

// String returns the day in MM-DD format.
func (md MonthDay) String() string {
	return fmt.Sprintf("%02d-%02d", int(md.Month), md.Day)
}

// daysIn holds the longest possible length of every month.
var daysIn = [13]int{0, 31, 29, 31, 30, 31, 30, 31, 31, 30, 31, 30, 31}

// Parse extracts month and day from a stored birthday.
func Parse(s string) (MonthDay, error) {
	s = strings.TrimSpace(s)
	switch {
	case len(s) == 5:
		return parseMonthDay(s)
	case len(s) == 7 && strings.HasPrefix(s, "--"):
		// vCard style --MM-DD
		return parseMonthDay(s[2:])
	case len(s) >= 10:
		if len(s) > 10 && s[10] != 'T' && s[10] != ' ' {
			break
		}
		if s[4] != '-' {
			break
		}
		if !digits(s[:4]) {
			break
		}
		return parseMonthDay(s[5:10])
	}
	return MonthDay{}, fmt.Errorf("%w: %q", ErrInvalid, s)
}

func parseMonthDay(s string) (MonthDay, error) {
	if len(s) != 5 || s[2] != '-' || !digits(s[:2]) || !digits(s[3:]) {
		return MonthDay{}, fmt.Errorf("%w: %q", ErrInvalid, s)
	}
	month, errMonth := strconv.Atoi(s[:2])
	day, errDay := strconv.Atoi(s[3:])
	if errMonth != nil || errDay != nil || month < 1 || month > 12 || day < 1 || day > daysIn[month] {
		return MonthDay{}, fmt.Errorf("%w: %q", ErrInvalid, s)
	}
	return MonthDay{Month: time.Month(month), Day: day}, nil
}

// Matcher compares stored birthdays against a day.
type Matcher struct {
	LeapDay LeapDayPolicy
}

// Matches reports whether a birthday on md is celebrated on today. Only the
// calendar fields of today are used; callers pick the location.
func (m Matcher) Matches(md MonthDay, today time.Time) bool {
	if md.Month == today.Month() && md.Day == today.Day() {
		return true
	}
	if md.Month != time.February || md.Day != 29 || isLeap(today.Year()) {
		return false
	}
	switch m.LeapDay {
	case LeapDayFeb28:
		return today.Month() == time.February && today.Day() == 28
	case LeapDayMar1:
		return today.Month() == time.March && today.Day() == 1
	}
	return false
}

// IsBirthdayToday parses birthday and matches it against today. Unparseable
// birthdays never match.
func (m Matcher) IsBirthdayToday(birthday string, today time.Time) bool {
	md, err := Parse(birthday)
	if err != nil {
		return false
	}
	return m.Matches(md, today)
}

// IsBirthdayToday matches with the default leap day policy.
func IsBirthdayToday(birthday string, today time.Time) bool {
	return Matcher{LeapDay: LeapDaySkip}.IsBirthdayToday(birthday, today)
}

func digits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return s != ""
}

func isLeap(year int) bool {
	return year%4 == 0 && (year%100 != 0 || year%400 == 0)
}
