package service

import (
	"regexp"
	"strings"
	"time"
	"unicode"

	"golang.org/x/text/unicode/norm"

	"github.com/irt-reconciliation-engine/internal/domain"
)

// CalendarDate is a date without time of day. The zero value is the absent marker.
type CalendarDate struct {
	Year  int
	Month time.Month
	Day   int
	Valid bool
}

// Equal reports calendar equality. Two absent dates are never equal.
func (d CalendarDate) Equal(other CalendarDate) bool {
	if !d.Valid || !other.Valid {
		return false
	}
	return d.Year == other.Year && d.Month == other.Month && d.Day == other.Day
}

// DaysBetween returns the absolute number of days separating d and other.
// ok is false when either date is absent.
func (d CalendarDate) DaysBetween(other CalendarDate) (days int, ok bool) {
	if !d.Valid || !other.Valid {
		return 0, false
	}
	diff := d.time().Sub(other.time()).Hours() / 24
	if diff < 0 {
		diff = -diff
	}
	return int(diff + 0.5), true
}

// String renders the date as YYYY-MM-DD, or an empty string when absent.
func (d CalendarDate) String() string {
	if !d.Valid {
		return ""
	}
	return d.time().Format(isoDateLayout)
}

func (d CalendarDate) time() time.Time {
	return time.Date(d.Year, d.Month, d.Day, 0, 0, 0, 0, time.UTC)
}

const isoDateLayout = "2006-01-02"

// dateLayouts are tried in order; ISO first since both IRT exports and referrals mostly use it.
var dateLayouts = []string{
	isoDateLayout,
	"2006/01/02",
	"01/02/2006",
	"1/2/2006",
	"02-Jan-2006",
	"2-Jan-2006",
	"Jan 2, 2006",
	"20060102",
}

var whitespaceRe = regexp.MustCompile(`\s+`)

// ParseCalendarDate parses a raw date field. Blank or unparsable input yields the absent marker.
func ParseCalendarDate(raw string) CalendarDate {
	s := strings.TrimSpace(raw)
	if s == "" {
		return CalendarDate{}
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return CalendarDate{Year: t.Year(), Month: t.Month(), Day: t.Day(), Valid: true}
	}
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return CalendarDate{Year: t.Year(), Month: t.Month(), Day: t.Day(), Valid: true}
		}
	}
	return CalendarDate{}
}

// NormalizedRecord holds comparison-ready values for an imported record.
type NormalizedRecord struct {
	Source         domain.ImportedRecord
	DateOfBirth    CalendarDate
	FirstName      string
	LastName       string
	Initials       string
	ICFSignDate    CalendarDate
	EnrollmentDate CalendarDate
	ScreeningDate  CalendarDate
	Site           string
}

// ConsentDate returns the ICF sign date, falling back to the enrollment date.
func (r NormalizedRecord) ConsentDate() CalendarDate {
	if r.ICFSignDate.Valid {
		return r.ICFSignDate
	}
	return r.EnrollmentDate
}

// NormalizedCandidate holds comparison-ready values for a referral.
type NormalizedCandidate struct {
	Source            domain.CandidateReferral
	DateOfBirth       CalendarDate
	FirstName         string
	LastName          string
	Initials          string
	AppointmentDate   CalendarDate
	ConsentSignedDate CalendarDate
	SiteNumber        string
	SiteName          string
}

// Normalizer canonicalizes raw fields before comparison. It has no state and no side effects.
type Normalizer struct{}

// NewNormalizer creates a new record normalizer
func NewNormalizer() *Normalizer {
	return &Normalizer{}
}

// NormalizeRecord produces comparison-ready values for an IRT record.
func (n *Normalizer) NormalizeRecord(record domain.ImportedRecord) NormalizedRecord {
	first := NormalizeName(record.FirstName)
	last := NormalizeName(record.LastName)

	initials := NormalizeInitials(record.Initials)
	if initials == "" {
		initials = DeriveInitials(first, last)
	}

	return NormalizedRecord{
		Source:         record,
		DateOfBirth:    ParseCalendarDate(record.DateOfBirth),
		FirstName:      first,
		LastName:       last,
		Initials:       initials,
		ICFSignDate:    ParseCalendarDate(record.ICFSignDate),
		EnrollmentDate: ParseCalendarDate(record.EnrollmentDate),
		ScreeningDate:  ParseCalendarDate(record.ScreeningDate),
		Site:           NormalizeSite(record.SiteNumber),
	}
}

// NormalizeCandidate produces comparison-ready values for a referral.
func (n *Normalizer) NormalizeCandidate(candidate domain.CandidateReferral) NormalizedCandidate {
	first := NormalizeName(candidate.FirstName)
	last := NormalizeName(candidate.LastName)

	return NormalizedCandidate{
		Source:            candidate,
		DateOfBirth:       ParseCalendarDate(candidate.DateOfBirth),
		FirstName:         first,
		LastName:          last,
		Initials:          DeriveInitials(first, last),
		AppointmentDate:   ParseCalendarDate(candidate.AppointmentDate),
		ConsentSignedDate: ParseCalendarDate(candidate.ConsentSignedDate),
		SiteNumber:        NormalizeSite(candidate.SiteNumber),
		SiteName:          NormalizeSite(candidate.SiteName),
	}
}

// NormalizeName lower-cases, trims, folds diacritics and collapses internal whitespace.
func NormalizeName(name string) string {
	s := strings.ToLower(strings.TrimSpace(name))
	if s == "" {
		return s
	}
	s = stripDiacritics(s)
	return whitespaceRe.ReplaceAllString(s, " ")
}

// stripDiacritics decomposes to NFD and drops combining marks, so "José" compares as "jose".
func stripDiacritics(s string) string {
	decomposed := norm.NFD.String(s)
	var b strings.Builder
	b.Grow(len(decomposed))
	for _, r := range decomposed {
		if unicode.Is(unicode.Mn, r) {
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// NormalizeInitials keeps letters only and upper-cases them.
func NormalizeInitials(initials string) string {
	var b strings.Builder
	for _, r := range stripDiacritics(strings.TrimSpace(initials)) {
		if unicode.IsLetter(r) {
			b.WriteRune(unicode.ToUpper(r))
		}
	}
	return b.String()
}

// DeriveInitials builds initials from the first letter of each name. Both names are required.
func DeriveInitials(firstName, lastName string) string {
	f := firstLetter(firstName)
	l := firstLetter(lastName)
	if f == 0 || l == 0 {
		return ""
	}
	return string([]rune{unicode.ToUpper(f), unicode.ToUpper(l)})
}

func firstLetter(s string) rune {
	for _, r := range stripDiacritics(s) {
		if unicode.IsLetter(r) {
			return r
		}
	}
	return 0
}

// NormalizeSite trims and lower-cases a site identifier. Purely numeric identifiers lose
// their leading zeros so "001" and "1" resolve to the same site.
func NormalizeSite(site string) string {
	s := strings.ToLower(strings.TrimSpace(site))
	if s == "" {
		return s
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return whitespaceRe.ReplaceAllString(s, " ")
		}
	}
	trimmed := strings.TrimLeft(s, "0")
	if trimmed == "" {
		return "0"
	}
	return trimmed
}
