package dataset

import (
	"strings"
)

// role identifies which DataRow field a column feeds.
type role int

const (
	roleQuery role = iota
	roleResponse
	roleGroundTruth
	roleRetrieved
	roleRelevant
)

var roleNames = map[role]string{
	roleQuery:       "query",
	roleResponse:    "response",
	roleGroundTruth: "ground truth",
	roleRetrieved:   "retrieved contexts",
	roleRelevant:    "relevant contexts",
}

var roleSynonyms = map[role][]string{
	roleQuery:       {"query", "question", "input", "prompt", "user_input"},
	roleResponse:    {"response", "answer", "generated_answer", "output", "prediction"},
	roleGroundTruth: {"ground_truth", "groundtruth", "reference", "expected_answer", "expected", "gold", "label"},
	roleRetrieved:   {"retrieved_contexts", "retrieved_docs", "contexts", "retrieved"},
	roleRelevant:    {"relevant_contexts", "relevant_docs", "ground_truth_contexts", "relevant"},
}

var (
	allRoles      = []role{roleQuery, roleResponse, roleGroundTruth, roleRetrieved, roleRelevant}
	requiredRoles = []role{roleQuery, roleResponse, roleGroundTruth}
)

// normalizeColumn folds case and treats spaces and hyphens as underscores.
func normalizeColumn(name string) string {
	name = strings.ToLower(strings.TrimSpace(name))
	name = strings.NewReplacer(" ", "_", "-", "_").Replace(name)
	return name
}

// DetectMappings matches header names against known synonyms.
// It returns nil unless the query, response and ground truth columns all resolve.
func DetectMappings(header []string) *ColumnMapping {
	mapping := detect(header)
	if len(missingRoles(mapping)) > 0 {
		return nil
	}
	return mapping
}

func detect(header []string) *ColumnMapping {
	byNorm := make(map[string]string, len(header))
	for _, col := range header {
		norm := normalizeColumn(col)
		if _, exists := byNorm[norm]; !exists {
			byNorm[norm] = col
		}
	}

	mapping := &ColumnMapping{}
	used := map[string]bool{}
	for _, r := range allRoles {
		for _, synonym := range roleSynonyms[r] {
			col, ok := byNorm[synonym]
			if !ok || used[col] {
				continue
			}
			mapping.set(r, col)
			used[col] = true
			break
		}
	}

	for _, col := range header {
		if used[col] {
			continue
		}
		if mapping.Metadata == nil {
			mapping.Metadata = map[string]string{}
		}
		mapping.Metadata[col] = col
	}
	return mapping
}

func (m *ColumnMapping) set(r role, col string) {
	switch r {
	case roleQuery:
		m.Query = col
	case roleResponse:
		m.Response = col
	case roleGroundTruth:
		m.GroundTruth = col
	case roleRetrieved:
		m.RetrievedContexts = col
	case roleRelevant:
		m.RelevantContexts = col
	}
}

func (m *ColumnMapping) get(r role) string {
	switch r {
	case roleQuery:
		return m.Query
	case roleResponse:
		return m.Response
	case roleGroundTruth:
		return m.GroundTruth
	case roleRetrieved:
		return m.RetrievedContexts
	case roleRelevant:
		return m.RelevantContexts
	}
	return ""
}

func missingRoles(m *ColumnMapping) []role {
	var missing []role
	for _, r := range requiredRoles {
		if m == nil || m.get(r) == "" {
			missing = append(missing, r)
		}
	}
	return missing
}
