package detection

import (
	"github.com/opensource-crm/shrike/internal/domain"
)

// namePrefixLen is how many leading runes of a name feed the prefix
// clause when fuzzy matching is on. Long enough to keep recall useful,
// short enough to survive typos further into the string.
const namePrefixLen = 3

// searchFields are the indexed columns the repository can query.
// Recall always spans all of them: FieldsToCompare narrows what the
// scorer weighs, not which records surface as candidates.
var searchFields = []string{
	domain.FieldEmail,
	domain.FieldPhone,
	domain.FieldName,
	domain.FieldCompany,
}

// BuildSearchCriteria derives the candidate query for a record. One
// exact clause per populated well-known field; when fuzzy matching is
// enabled the name also contributes a prefix clause so near-miss
// spellings still surface.
func BuildSearchCriteria(rec *domain.Record, cfg *domain.DetectionConfig) *domain.SearchCriteria {
	criteria := &domain.SearchCriteria{
		ExcludeID: rec.ID,
		Limit:     domain.MaxCandidates,
	}

	for _, field := range searchFields {
		value, ok := rec.Field(field)
		if !ok {
			continue
		}

		criteria.Clauses = append(criteria.Clauses, domain.FieldClause{
			Field: field,
			Value: value,
		})

		if field == domain.FieldName && cfg.FuzzyMatchingEnabled {
			criteria.Clauses = append(criteria.Clauses, domain.FieldClause{
				Field:  domain.FieldName,
				Value:  namePrefix(value),
				Prefix: true,
			})
		}
	}

	return criteria
}

func namePrefix(name string) string {
	runes := []rune(name)
	if len(runes) > namePrefixLen {
		runes = runes[:namePrefixLen]
	}
	return string(runes)
}
