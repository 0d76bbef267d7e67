// Package cli provides shared parsing utilities for CLI commands.
package cli

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/forest6511/timevault/pkg/engine"
)

// BaseUnitsPerUnit is the number of base units in one displayed unit.
const BaseUnitsPerUnit = 1_000_000_000

// MaxFractionDigits is the decimal precision of an amount string.
const MaxFractionDigits = 9

// Errors
var (
	ErrInvalidAmount     = errors.New("cli: invalid amount format")
	ErrAmountTooPrecise  = errors.New("cli: amount has too many decimal places")
	ErrAmountOutOfRange  = errors.New("cli: amount out of range")
	ErrInvalidDuration   = errors.New("cli: invalid duration format")
	ErrInvalidUnlockSpec = errors.New("cli: exactly one of --unlock-in or --unlock-at is required")
)

// ParseAmount converts a decimal string like "5", "0.5" or "2.000000001" to
// base units. At most nine fraction digits are accepted.
func ParseAmount(s string) (engine.Amount, error) {
	s = strings.TrimSpace(s)
	if s == "" || s == "." || strings.HasPrefix(s, "-") || strings.HasPrefix(s, "+") {
		return 0, fmt.Errorf("%w: %q", ErrInvalidAmount, s)
	}

	whole := s
	frac := ""
	if i := strings.IndexByte(s, '.'); i >= 0 {
		whole, frac = s[:i], s[i+1:]
		if strings.IndexByte(frac, '.') >= 0 {
			return 0, fmt.Errorf("%w: %q", ErrInvalidAmount, s)
		}
	}
	if len(frac) > MaxFractionDigits {
		return 0, fmt.Errorf("%w: %q has %d, maximum is %d", ErrAmountTooPrecise, s, len(frac), MaxFractionDigits)
	}

	if whole == "" {
		whole = "0"
	}
	units, err := strconv.ParseUint(whole, 10, 64)
	if err != nil {
		if errors.Is(err, strconv.ErrRange) {
			return 0, fmt.Errorf("%w: %q", ErrAmountOutOfRange, s)
		}
		return 0, fmt.Errorf("%w: %q", ErrInvalidAmount, s)
	}

	// Pad the fraction to nine digits before parsing
	var fracUnits uint64
	if frac != "" {
		padded := frac + strings.Repeat("0", MaxFractionDigits-len(frac))
		fracUnits, err = strconv.ParseUint(padded, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("%w: %q", ErrInvalidAmount, s)
		}
	}

	const maxUnits = ^uint64(0) / BaseUnitsPerUnit
	if units > maxUnits {
		return 0, fmt.Errorf("%w: %q", ErrAmountOutOfRange, s)
	}
	base := units * BaseUnitsPerUnit
	if base > ^uint64(0)-fracUnits {
		return 0, fmt.Errorf("%w: %q", ErrAmountOutOfRange, s)
	}
	return engine.Amount(base + fracUnits), nil
}

// FormatAmount renders base units as a decimal string with nine fraction
// digits, the inverse of ParseAmount.
func FormatAmount(a engine.Amount) string {
	return fmt.Sprintf("%d.%09d", uint64(a)/BaseUnitsPerUnit, uint64(a)%BaseUnitsPerUnit)
}

// ParseDuration parses durations like "30d", "2w", "1y" or anything the
// standard library accepts ("24h", "90m").
func ParseDuration(s string) (time.Duration, error) {
	if len(s) < 2 {
		return 0, fmt.Errorf("%w: too short: %q", ErrInvalidDuration, s)
	}

	unit := s[len(s)-1]
	valueStr := s[:len(s)-1]

	var value int
	if _, err := fmt.Sscanf(valueStr, "%d", &value); err != nil {
		return 0, fmt.Errorf("%w: %q", ErrInvalidDuration, s)
	}
	if value < 0 {
		return 0, fmt.Errorf("%w: negative: %q", ErrInvalidDuration, s)
	}

	switch unit {
	case 'd':
		return time.Duration(value) * 24 * time.Hour, nil
	case 'w':
		return time.Duration(value) * 7 * 24 * time.Hour, nil
	case 'y':
		return time.Duration(value) * 365 * 24 * time.Hour, nil
	default:
		// Try standard time.ParseDuration
		d, err := time.ParseDuration(s)
		if err != nil {
			return 0, fmt.Errorf("%w: %q", ErrInvalidDuration, s)
		}
		if d < 0 {
			return 0, fmt.Errorf("%w: negative: %q", ErrInvalidDuration, s)
		}
		return d, nil
	}
}

// ResolveUnlockTime turns the --unlock-in / --unlock-at flag pair into an
// absolute unlock time. Exactly one must be set. --unlock-at accepts RFC 3339
// or a plain date (midnight UTC).
func ResolveUnlockTime(unlockIn, unlockAt string, now time.Time) (time.Time, error) {
	switch {
	case unlockIn != "" && unlockAt != "":
		return time.Time{}, ErrInvalidUnlockSpec
	case unlockIn != "":
		d, err := ParseDuration(unlockIn)
		if err != nil {
			return time.Time{}, err
		}
		return now.Add(d), nil
	case unlockAt != "":
		if t, err := time.Parse(time.RFC3339, unlockAt); err == nil {
			return t, nil
		}
		if t, err := time.Parse("2006-01-02", unlockAt); err == nil {
			return t, nil
		}
		return time.Time{}, fmt.Errorf("cli: invalid unlock time %q: use RFC 3339 or YYYY-MM-DD", unlockAt)
	default:
		return time.Time{}, ErrInvalidUnlockSpec
	}
}
