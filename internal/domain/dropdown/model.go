package dropdown

import (
	"strings"
	"time"
)

// Categories the forms request at page load.
const (
	CategoryTRLocation   = "TR LOCATION"
	CategoryNatureOfCase = "NATURE OF CASE"
	CategoryCaseCategory = "CASE CATEGORY"
	CategoryVisitStatus  = "VISIT STATUS"
	CategoryHospital     = "HOSPITAL"
	CategoryProfession   = "PROFESSION"
)

// Preloaded lists the categories warmed once a session can authenticate
// the dropdown API.
var Preloaded = []string{
	CategoryTRLocation,
	CategoryNatureOfCase,
	CategoryCaseCategory,
	CategoryVisitStatus,
	CategoryHospital,
}

// OptionSet is the cached option list of one category.
type OptionSet struct {
	Category  string    `json:"category"`
	Options   []string  `json:"options"`
	FetchedAt time.Time `json:"fetchedAt"`
	Stale     bool      `json:"stale,omitempty"`
}

// Fresh reports whether the set was fetched less than ttl before now.
func (o *OptionSet) Fresh(now time.Time, ttl time.Duration) bool {
	return now.Sub(o.FetchedAt) < ttl
}

// NormalizeCategory trims and upper-cases a category name.
func NormalizeCategory(c string) string {
	return strings.ToUpper(strings.TrimSpace(c))
}
