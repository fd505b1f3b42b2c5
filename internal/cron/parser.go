package cron

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

var (
	ErrInvalidExpression = errors.New("invalid cron expression")
	ErrInvalidTimezone   = errors.New("invalid timezone")
)

// Parser accepts standard 5-field expressions and descriptors like @hourly.
type Parser struct {
	parser cron.Parser
}

func NewParser() *Parser {
	return &Parser{
		parser: cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
	}
}

// Schedule yields UTC occurrences of a cron expression evaluated in its own timezone.
type Schedule interface {
	// Next returns the first occurrence strictly after the given instant, in UTC.
	// A zero time means the schedule has no further occurrences.
	Next(after time.Time) time.Time
	Location() *time.Location
}

func (p *Parser) Parse(expression string, timezone string) (Schedule, error) {
	sched, err := p.parseExpression(expression)
	if err != nil {
		return nil, err
	}

	loc, err := LoadTimezone(timezone)
	if err != nil {
		return nil, err
	}

	return &schedule{sched: sched, loc: loc}, nil
}

// Validate checks the expression grammar only.
func (p *Parser) Validate(expression string) error {
	_, err := p.parseExpression(expression)
	return err
}

func (p *Parser) parseExpression(expression string) (cron.Schedule, error) {
	// robfig treats TZ= prefixes as part of the grammar; timezones are a separate field here.
	if strings.HasPrefix(expression, "TZ=") || strings.HasPrefix(expression, "CRON_TZ=") {
		return nil, fmt.Errorf("%w %q: embedded timezone not allowed", ErrInvalidExpression, expression)
	}
	sched, err := p.parser.Parse(expression)
	if err != nil {
		return nil, fmt.Errorf("%w %q: %v", ErrInvalidExpression, expression, err)
	}
	return sched, nil
}

// LoadTimezone resolves an IANA zone name. "Local" and the empty string are
// rejected so a schedule never depends on the host's zone.
func LoadTimezone(name string) (*time.Location, error) {
	if name == "" || name == "Local" {
		return nil, fmt.Errorf("%w %q", ErrInvalidTimezone, name)
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, fmt.Errorf("%w %q: %v", ErrInvalidTimezone, name, err)
	}
	return loc, nil
}

func ValidateTimezone(name string) error {
	_, err := LoadTimezone(name)
	return err
}

type schedule struct {
	sched cron.Schedule
	loc   *time.Location
}

func (s *schedule) Next(after time.Time) time.Time {
	next := s.sched.Next(after.In(s.loc))
	if next.IsZero() {
		return next
	}
	return next.UTC()
}

func (s *schedule) Location() *time.Location { return s.loc }
