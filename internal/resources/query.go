package resources

import (
	"encoding/json"
	"fmt"
	"net/url"
	"regexp"
	"sort"
	"strings"

	"github.com/tidwall/gjson"
)

// KeyValuesQuery builds the natural-key query used to locate an item on the target
func KeyValuesQuery(keyValues map[string]any) url.Values {
	query := url.Values{}
	for key, value := range keyValues {
		query.Set(key, formatKeyValue(value))
	}
	return query
}

func formatKeyValue(value any) string {
	switch typed := value.(type) {
	case string:
		return typed
	case json.Number:
		return typed.String()
	case nil:
		return ""
	default:
		return fmt.Sprint(typed)
	}
}

// DescribeKeyValues renders a natural key deterministically for logs and error records
func DescribeKeyValues(keyValues map[string]any) string {
	keys := make([]string, 0, len(keyValues))
	for key := range keyValues {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, key := range keys {
		parts = append(parts, key+"="+formatKeyValue(keyValues[key]))
	}
	return strings.Join(parts, ", ")
}

var unresolvedReferencePatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\b(\w+) reference could not be resolved`),
	regexp.MustCompile(`(?i)the referenced '(\w+)' (?:resource|item\(s\)) (?:does|do) not exist`),
}

// MissingReference describes a reference the target could not resolve
type MissingReference struct {
	// Resource is the referenced resource name reported by the target (e.g. "Student")
	Resource string

	// Property is the reference property on the item (e.g. "studentReference")
	Property string

	// Href is the source link to the referenced item
	Href string
}

// UnresolvedReference inspects a 400 response body for an unresolved-reference failure and
// locates the matching reference on item. ok is false when the failure is of another kind or
// the reference carries no link to follow.
func UnresolvedReference(responseBody []byte, item Item) (MissingReference, bool) {
	message := gjson.GetBytes(responseBody, "detail").String()
	if message == "" {
		message = gjson.GetBytes(responseBody, "message").String()
	}
	if message == "" {
		message = string(responseBody)
	}

	var resource string
	for _, pattern := range unresolvedReferencePatterns {
		if match := pattern.FindStringSubmatch(message); match != nil {
			resource = match[1]
			break
		}
	}
	if resource == "" {
		return MissingReference{}, false
	}

	for property, value := range item {
		if !strings.HasSuffix(property, referenceSuffix) {
			continue
		}
		reference, ok := value.(map[string]any)
		if !ok {
			continue
		}
		link, ok := reference[FieldLink].(map[string]any)
		if !ok {
			continue
		}
		rel, _ := link["rel"].(string)
		href, _ := link["href"].(string)
		if href == "" {
			continue
		}
		if strings.EqualFold(rel, resource) ||
			strings.EqualFold(property, resource+referenceSuffix) {
			return MissingReference{Resource: resource, Property: property, Href: href}, true
		}
	}
	return MissingReference{Resource: resource}, false
}
