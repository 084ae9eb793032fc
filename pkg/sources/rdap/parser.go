package rdap

import (
	"strings"
)

// Response is the subset of an RDAP autnum object used for descriptions
type Response struct {
	ObjectClassName string   `json:"objectClassName"`
	Handle          string   `json:"handle"`
	StartAutnum     int      `json:"startAutnum"`
	EndAutnum       int      `json:"endAutnum"`
	Name            string   `json:"name"`
	Country         string   `json:"country"`
	Status          []string `json:"status"`
	Entities        []Entity `json:"entities"`
	Remarks         []Remark `json:"remarks"`
	Port43          string   `json:"port43"`
}

// Entity represents an RDAP entity
type Entity struct {
	Handle     string   `json:"handle"`
	Roles      []string `json:"roles"`
	VCardArray []any    `json:"vcardArray"`
	Entities   []Entity `json:"entities"`
}

// Remark represents an RDAP remark
type Remark struct {
	Title       string   `json:"title"`
	Description []string `json:"description"`
}

// Description formats an autnum object the way the Cymru AS name
// service does: "NAME - Organisation, CC". Parts that are missing are
// left out.
func Description(resp *Response) string {
	if resp == nil {
		return ""
	}
	name := cleanName(resp.Name)
	org := cleanName(orgName(resp))
	if org == "" {
		org = cleanName(orgFromRemarks(resp))
	}

	var desc string
	switch {
	case name != "" && org != "" && !strings.EqualFold(name, org):
		desc = name + " - " + org
	case name != "":
		desc = name
	default:
		desc = org
	}
	if desc != "" && resp.Country != "" {
		desc += ", " + strings.ToUpper(resp.Country)
	}
	return desc
}

// orgName picks the registrant entity, falling back to any named entity.
// Maintainer objects are skipped.
func orgName(resp *Response) string {
	var fallback string
	for i := range resp.Entities {
		e := &resp.Entities[i]
		if strings.HasSuffix(e.Handle, "-MNT") {
			continue
		}
		name := entityName(e)
		if name == "" {
			for j := range e.Entities {
				if name = entityName(&e.Entities[j]); name != "" {
					break
				}
			}
		}
		if name == "" {
			continue
		}
		if hasRole(e, "registrant") {
			return name
		}
		if fallback == "" && !hasRole(e, "abuse") {
			fallback = name
		}
	}
	return fallback
}

func hasRole(e *Entity, role string) bool {
	for _, r := range e.Roles {
		if strings.EqualFold(r, role) {
			return true
		}
	}
	return false
}

// entityName extracts the "fn" or "org" property of an entity's vCard:
// ["vcard", [["version", {}, "text", "4.0"], ["fn", {}, "text", "Name"], ...]]
func entityName(e *Entity) string {
	if len(e.VCardArray) < 2 {
		return ""
	}
	props, ok := e.VCardArray[1].([]any)
	if !ok {
		return ""
	}
	for _, p := range props {
		fields, ok := p.([]any)
		if !ok || len(fields) < 4 {
			continue
		}
		key, _ := fields[0].(string)
		if key != "fn" && key != "org" {
			continue
		}
		if name, ok := fields[3].(string); ok && name != "" {
			return name
		}
	}
	return ""
}

func orgFromRemarks(resp *Response) string {
	for _, remark := range resp.Remarks {
		for _, desc := range remark.Description {
			lower := strings.ToLower(desc)
			if strings.HasPrefix(lower, "org-name:") || strings.HasPrefix(lower, "organisation:") {
				if _, v, ok := strings.Cut(desc, ":"); ok {
					return v
				}
			}
		}
	}
	return ""
}

// cleanName trims quotes and collapses whitespace
func cleanName(name string) string {
	name = strings.Trim(strings.TrimSpace(name), "\"'")
	return strings.Join(strings.Fields(name), " ")
}
