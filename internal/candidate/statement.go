package candidate

import (
	"fmt"
	"strconv"
	"strings"
)

// StatementType tells where in a profile a statement came from.
type StatementType string

const (
	TypeSkill            StatementType = "skill"
	TypeSkillEvidence    StatementType = "skill_evidence"
	TypeEducation        StatementType = "education"
	TypeCertification    StatementType = "certification"
	TypePersonalityTrait StatementType = "personality_trait"
)

// Aux keys attached to skill statements.
const (
	AuxSkill = "skill"
	AuxYears = "years"
	AuxLevel = "level"
)

// Statement is one atomic, searchable sentence about a candidate.
type Statement struct {
	Text    string            `json:"text" msgpack:"text"`
	Type    StatementType     `json:"type" msgpack:"type"`
	OwnerID string            `json:"owner_id" msgpack:"owner_id"`
	Seq     int               `json:"seq" msgpack:"seq"`
	Aux     map[string]string `json:"aux,omitempty" msgpack:"aux,omitempty"`
}

// Key identifies the statement inside the corpus.
func (s Statement) Key() string {
	return s.OwnerID + "#" + strconv.Itoa(s.Seq)
}

// BuildCorpus flattens records into statements. The output order is fully
// determined by the input order. Blank items are skipped.
func BuildCorpus(records []Record) []Statement {
	var statements []Statement

	for _, rec := range records {
		seq := 0
		add := func(text string, typ StatementType, aux map[string]string) {
			text = strings.TrimSpace(text)
			if text == "" {
				return
			}
			statements = append(statements, Statement{
				Text:    text,
				Type:    typ,
				OwnerID: rec.ID,
				Seq:     seq,
				Aux:     aux,
			})
			seq++
		}

		for _, skill := range rec.Skills {
			name := strings.TrimSpace(skill.Name)
			aux := skillAux(skill)

			if name != "" || strings.TrimSpace(skill.Description) != "" {
				add(skillText(skill), TypeSkill, aux)
			}

			for _, evidence := range skill.Evidence {
				evidence = strings.TrimSpace(evidence)
				if evidence == "" {
					continue
				}
				if name != "" {
					evidence = fmt.Sprintf("%s - %s", name, evidence)
				}
				add(evidence, TypeSkillEvidence, map[string]string{AuxSkill: name})
			}
		}

		for _, item := range rec.Education {
			add(item, TypeEducation, nil)
		}
		for _, item := range rec.Certifications {
			add(item, TypeCertification, nil)
		}
		for _, item := range rec.PersonalityTraits {
			add(item, TypePersonalityTrait, nil)
		}
	}

	return statements
}

// CountByOwner returns the number of statements per owner. Every record gets
// an entry, zero when it produced no statements.
func CountByOwner(records []Record, statements []Statement) map[string]int {
	counts := make(map[string]int, len(records))
	for _, rec := range records {
		counts[rec.ID] = 0
	}
	for _, s := range statements {
		counts[s.OwnerID]++
	}
	return counts
}

// Texts returns the statement texts in order.
func Texts(statements []Statement) []string {
	texts := make([]string, len(statements))
	for i, s := range statements {
		texts[i] = s.Text
	}
	return texts
}

func skillText(skill Skill) string {
	name := strings.TrimSpace(skill.Name)
	description := strings.TrimSpace(skill.Description)

	var text string
	switch {
	case name != "" && description != "":
		text = fmt.Sprintf("%s: %s", name, description)
	case name != "":
		text = name
	default:
		text = description
	}

	if skill.Years > 0 {
		text = fmt.Sprintf("%s (%s years)", text, formatYears(skill.Years))
	}
	return text
}

func skillAux(skill Skill) map[string]string {
	aux := map[string]string{AuxSkill: strings.TrimSpace(skill.Name)}
	if skill.Years > 0 {
		aux[AuxYears] = formatYears(skill.Years)
	}
	if level := strings.TrimSpace(skill.Level); level != "" {
		aux[AuxLevel] = level
	}
	return aux
}

func formatYears(years float64) string {
	return strconv.FormatFloat(years, 'f', -1, 64)
}
