package candidate

// Record is a structured candidate profile as produced by the resume
// extraction step.
type Record struct {
	ID                string   `json:"id" mapstructure:"id"`
	Category          string   `json:"category,omitempty" mapstructure:"category"`
	PersonalInfo      []string `json:"personal_info,omitempty" mapstructure:"personal_info"`
	Education         []string `json:"education" mapstructure:"education"`
	Certifications    []string `json:"certifications" mapstructure:"certifications"`
	PersonalityTraits []string `json:"personality_traits" mapstructure:"personality_traits"`
	Skills            []Skill  `json:"skills" mapstructure:"skills"`
}

// Skill is one skill entry of a candidate profile.
type Skill struct {
	Name        string   `json:"name" mapstructure:"name"`
	Description string   `json:"description" mapstructure:"description"`
	Years       float64  `json:"years" mapstructure:"years"`
	Level       string   `json:"level" mapstructure:"level"`
	Evidence    []string `json:"evidence" mapstructure:"evidence"`
}

// Records is an ordered list of candidate profiles.
type Records []Record

func (r Records) Len() int {
	return len(r)
}

// IDs returns the owner ids in order.
func (r Records) IDs() []string {
	ids := make([]string, 0, len(r))
	for _, rec := range r {
		ids = append(ids, rec.ID)
	}
	return ids
}

// FindByID returns the record with the given id or nil.
func (r Records) FindByID(id string) *Record {
	for i := range r {
		if r[i].ID == id {
			return &r[i]
		}
	}
	return nil
}

// Exclude drops records whose id is listed and returns the dropped ids.
func (r *Records) Exclude(ids []string) []string {
	if len(ids) == 0 {
		return nil
	}

	set := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
	}

	var excluded []string
	kept := (*r)[:0]
	for _, rec := range *r {
		if _, ok := set[rec.ID]; ok {
			excluded = append(excluded, rec.ID)
			continue
		}
		kept = append(kept, rec)
	}
	*r = kept

	return excluded
}
