package subst

import "fmt"

// ExtractAuthors handles the pagure-style author list: when recipients come
// through as [{name, fullname}, ...] mappings, reduce them to the names.
// Returns nil (no error) when the list holds no author mappings at all.  A
// mapping without a "name" is a hard error: it means the message schema
// changed under us, and silently dropping the awardee would hide that.
func ExtractAuthors(list []interface{}) ([]string, error) {
	var authors []string
	for _, item := range list {
		m, ok := item.(map[string]interface{})
		if !ok {
			continue
		}
		name, ok := m["name"].(string)
		if !ok {
			return nil, fmt.Errorf("author entry %v has no name, message schema may have changed", m)
		}
		authors = append(authors, name)
	}
	return authors, nil
}
