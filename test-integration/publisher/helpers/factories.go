package helpers

import "fmt"

// Resource paths published by the integration specs
const (
	Schools   = "/ed-fi/schools"
	Students  = "/ed-fi/students"
	Sections  = "/ed-fi/sections"
	SourceKey = "source"
	TargetKey = "target"
)

// Dependencies is the dependency metadata served by both APIs
func Dependencies() map[string][]string {
	return map[string][]string{
		Schools:  nil,
		Students: {Schools},
		Sections: {Schools},
	}
}

// School builds a school item
func School(id int) map[string]any {
	return map[string]any{
		"schoolId":          id,
		"nameOfInstitution": fmt.Sprintf("School %d", id),
	}
}

// Student builds a student item
func Student(uniqueID, firstName string) map[string]any {
	return map[string]any{
		"studentUniqueId": uniqueID,
		"firstName":       firstName,
		"lastSurname":     "Integration",
	}
}

// Section builds a section item offered at school
func Section(code string, school int) map[string]any {
	return map[string]any{
		"sectionIdentifier": code,
		"schoolReference":   map[string]any{"schoolId": school},
	}
}
