package candidate

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildCorpus(t *testing.T) {
	records := []Record{
		{
			ID: "backend/alice",
			Skills: []Skill{
				{
					Name:        "Go",
					Description: "backend services",
					Years:       4,
					Level:       "senior",
					Evidence:    []string{"built a payments API", "  "},
				},
				{Name: "Kubernetes", Description: "cluster operations", Years: 0},
			},
			Education:         []string{"BSc Computer Science"},
			Certifications:    []string{""},
			PersonalityTraits: []string{"curious"},
			PersonalInfo:      []string{"Alice, Berlin"},
		},
		{ID: "backend/bob"},
		{
			ID:             "data/carol",
			Certifications: []string{"CKA"},
		},
	}

	statements := BuildCorpus(records)
	require.Len(t, statements, 6)

	assert.Equal(t, Statement{
		Text:    "Go: backend services (4 years)",
		Type:    TypeSkill,
		OwnerID: "backend/alice",
		Seq:     0,
		Aux:     map[string]string{AuxSkill: "Go", AuxYears: "4", AuxLevel: "senior"},
	}, statements[0])

	assert.Equal(t, "Go - built a payments API", statements[1].Text)
	assert.Equal(t, TypeSkillEvidence, statements[1].Type)
	assert.Equal(t, "Kubernetes: cluster operations", statements[2].Text)
	assert.Equal(t, TypeEducation, statements[3].Type)
	assert.Equal(t, TypePersonalityTrait, statements[4].Type)
	assert.Equal(t, 4, statements[4].Seq)

	assert.Equal(t, "data/carol", statements[5].OwnerID)
	assert.Equal(t, TypeCertification, statements[5].Type)
	assert.Equal(t, 0, statements[5].Seq)

	for _, s := range statements {
		assert.NotContains(t, s.Text, "Berlin", "personal info must not be searchable")
	}

	again := BuildCorpus(records)
	assert.Equal(t, statements, again)
}

func TestSkillTextFractionalYears(t *testing.T) {
	got := skillText(Skill{Name: "SQL", Description: "query tuning", Years: 2.5})
	assert.Equal(t, "SQL: query tuning (2.5 years)", got)

	assert.Equal(t, "SQL", skillText(Skill{Name: "SQL"}))
	assert.Equal(t, "query tuning", skillText(Skill{Description: "query tuning"}))
}

func TestCountByOwner(t *testing.T) {
	records := []Record{{ID: "a"}, {ID: "b"}}
	statements := []Statement{{OwnerID: "a"}, {OwnerID: "a"}}

	counts := CountByOwner(records, statements)
	assert.Equal(t, map[string]int{"a": 2, "b": 0}, counts)
}

func TestRecordsExclude(t *testing.T) {
	records := Records{{ID: "a"}, {ID: "b"}, {ID: "c"}}

	dropped := records.Exclude([]string{"b", "missing"})
	assert.Equal(t, []string{"b"}, dropped)
	assert.Equal(t, []string{"a", "c"}, records.IDs())
	assert.Nil(t, records.FindByID("b"))
	assert.NotNil(t, records.FindByID("c"))
}
