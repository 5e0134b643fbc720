// Package dispatch validates recipient rows and delivers personalized
// messages one recipient at a time.
package dispatch

import (
	"regexp"
	"strings"
)

// Row is one recipient record keyed by column name.
type Row map[string]string

// Accepted column names, in lookup order.
var (
	AddressColumns   = []string{"WhatsApp Number(with country code)", "number"}
	FirstNameColumns = []string{"First Name", "firstName"}
	LastNameColumns  = []string{"Last Name", "lastName"}
)

// InvalidPlaceholder is reported for rows without any address.
const InvalidPlaceholder = "Invalid number"

// DefaultAddressSuffix is the messaging network's canonical user suffix.
const DefaultAddressSuffix = "@c.us"

var phonePattern = regexp.MustCompile(`^\+\d{7,}$`)

// Recipient is a validated, normalized destination.
type Recipient struct {
	Address   string `json:"address"`
	FirstName string `json:"firstName,omitempty"`
	LastName  string `json:"lastName,omitempty"`
}

// first returns the first non-empty value among keys.
func (r Row) first(keys []string) string {
	for _, k := range keys {
		if v := r[k]; v != "" {
			return v
		}
	}
	return ""
}

// Validate splits rows into recipients and the raw values of invalid rows.
// Nothing is dropped: every row lands in exactly one of the two lists.
func Validate(rows []Row, suffix string) (valid []Recipient, invalid []string) {
	valid = make([]Recipient, 0, len(rows))
	invalid = make([]string, 0)

	for _, row := range rows {
		raw := row.first(AddressColumns)
		number := strings.TrimSpace(raw)
		if number == "" || !phonePattern.MatchString(number) {
			if raw == "" {
				raw = InvalidPlaceholder
			}
			invalid = append(invalid, raw)
			continue
		}
		valid = append(valid, Recipient{
			Address:   FormatAddress(number, suffix),
			FirstName: row.first(FirstNameColumns),
			LastName:  row.first(LastNameColumns),
		})
	}
	return valid, invalid
}

// FormatAddress strips every "+" and appends the network suffix.
func FormatAddress(number, suffix string) string {
	return strings.ReplaceAll(strings.TrimSpace(number), "+", "") + suffix
}

// Personalize fills the first {firstName} and the first {lastName}.
// Later occurrences are left as written.
func Personalize(template string, r Recipient) string {
	out := strings.Replace(template, "{firstName}", r.FirstName, 1)
	return strings.Replace(out, "{lastName}", r.LastName, 1)
}
