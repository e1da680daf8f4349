package session

import (
	"encoding/json"
	"fmt"
	"math"
	"slices"
	"strconv"
	"strings"
)

// Profile keys as they appear in tool-call arguments, transcripts, and the
// external profile store.
const (
	FieldName              = "name"
	FieldAge               = "age"
	FieldLocation          = "location"
	FieldOccupation        = "occupation"
	FieldInterests         = "interests"
	FieldFunFacts          = "fun_facts"
	FieldAboutMe           = "about_me"
	FieldLookingFor        = "looking_for"
	FieldIdealPartner      = "ideal_partner"
	FieldConversationStyle = "conversation_style"
)

// ProfileFields lists every profile key in canonical order.
var ProfileFields = []string{
	FieldName, FieldAge, FieldLocation, FieldOccupation, FieldInterests,
	FieldFunFacts, FieldAboutMe, FieldLookingFor, FieldIdealPartner,
	FieldConversationStyle,
}

// Profile is a sparse record of attributes extracted during the
// conversation. Nil fields are unset.
type Profile struct {
	Name              *string  `json:"name,omitempty"`
	Age               *int     `json:"age,omitempty"`
	Location          *string  `json:"location,omitempty"`
	Occupation        *string  `json:"occupation,omitempty"`
	Interests         []string `json:"interests,omitempty"`
	FunFacts          []string `json:"fun_facts,omitempty"`
	AboutMe           *string  `json:"about_me,omitempty"`
	LookingFor        *string  `json:"looking_for,omitempty"`
	IdealPartner      *string  `json:"ideal_partner,omitempty"`
	ConversationStyle *string  `json:"conversation_style,omitempty"`
}

// Apply merge-patches p with args. Keys that are absent, null, empty, or of
// an unusable type leave the corresponding field untouched; a set field is
// never cleared. It returns the keys that were applied (in canonical order)
// and the keys that were not (sorted).
func (p *Profile) Apply(args map[string]any) (updated, ignored []string) {
	for _, key := range ProfileFields {
		raw, ok := args[key]
		if !ok || raw == nil {
			continue
		}
		if p.set(key, raw) {
			updated = append(updated, key)
		} else {
			ignored = append(ignored, key)
		}
	}
	for key := range args {
		if !slices.Contains(ProfileFields, key) {
			ignored = append(ignored, key)
		}
	}
	slices.Sort(ignored)
	return updated, ignored
}

func (p *Profile) set(key string, raw any) bool {
	switch key {
	case FieldAge:
		age, ok := toInt(raw)
		if !ok || age <= 0 {
			return false
		}
		p.Age = &age
		return true
	case FieldInterests, FieldFunFacts:
		list, ok := toStringList(raw)
		if !ok {
			return false
		}
		if key == FieldInterests {
			p.Interests = list
		} else {
			p.FunFacts = list
		}
		return true
	}

	s, ok := raw.(string)
	if !ok {
		return false
	}
	s = strings.TrimSpace(s)
	if s == "" {
		return false
	}
	switch key {
	case FieldName:
		p.Name = &s
	case FieldLocation:
		p.Location = &s
	case FieldOccupation:
		p.Occupation = &s
	case FieldAboutMe:
		p.AboutMe = &s
	case FieldLookingFor:
		p.LookingFor = &s
	case FieldIdealPartner:
		p.IdealPartner = &s
	case FieldConversationStyle:
		p.ConversationStyle = &s
	default:
		return false
	}
	return true
}

// IsEmpty reports whether no field has been set.
func (p *Profile) IsEmpty() bool {
	return len(p.Fields()) == 0
}

// Fields returns the set fields keyed by their canonical names. Unset fields
// are omitted rather than reported as nil.
func (p *Profile) Fields() map[string]any {
	out := make(map[string]any)
	putString := func(key string, v *string) {
		if v != nil {
			out[key] = *v
		}
	}
	putString(FieldName, p.Name)
	if p.Age != nil {
		out[FieldAge] = *p.Age
	}
	putString(FieldLocation, p.Location)
	putString(FieldOccupation, p.Occupation)
	if len(p.Interests) > 0 {
		out[FieldInterests] = slices.Clone(p.Interests)
	}
	if len(p.FunFacts) > 0 {
		out[FieldFunFacts] = slices.Clone(p.FunFacts)
	}
	putString(FieldAboutMe, p.AboutMe)
	putString(FieldLookingFor, p.LookingFor)
	putString(FieldIdealPartner, p.IdealPartner)
	putString(FieldConversationStyle, p.ConversationStyle)
	return out
}

// Clone returns a deep copy of p.
func (p Profile) Clone() Profile {
	c := Profile{
		Name:              clonePtr(p.Name),
		Age:               clonePtr(p.Age),
		Location:          clonePtr(p.Location),
		Occupation:        clonePtr(p.Occupation),
		AboutMe:           clonePtr(p.AboutMe),
		LookingFor:        clonePtr(p.LookingFor),
		IdealPartner:      clonePtr(p.IdealPartner),
		ConversationStyle: clonePtr(p.ConversationStyle),
	}
	if p.Interests != nil {
		c.Interests = slices.Clone(p.Interests)
	}
	if p.FunFacts != nil {
		c.FunFacts = slices.Clone(p.FunFacts)
	}
	return c
}

func clonePtr[T any](v *T) *T {
	if v == nil {
		return nil
	}
	c := *v
	return &c
}

// toInt accepts JSON numbers (float64 or json.Number), Go ints, and numeric
// strings. Fractional values are rejected.
func toInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		if n != math.Trunc(n) {
			return 0, false
		}
		return int(n), true
	case json.Number:
		i, err := n.Int64()
		return int(i), err == nil
	case string:
		i, err := strconv.Atoi(strings.TrimSpace(n))
		return i, err == nil
	}
	return 0, false
}

// toStringList accepts a JSON array or a comma-separated string. Blank
// entries are dropped; an empty result is rejected.
func toStringList(v any) ([]string, bool) {
	var items []string
	switch l := v.(type) {
	case []string:
		items = l
	case []any:
		for _, e := range l {
			items = append(items, fmt.Sprint(e))
		}
	case string:
		items = strings.Split(l, ",")
	default:
		return nil, false
	}

	out := make([]string, 0, len(items))
	for _, it := range items {
		if it = strings.TrimSpace(it); it != "" {
			out = append(out, it)
		}
	}
	if len(out) == 0 {
		return nil, false
	}
	return out, true
}
