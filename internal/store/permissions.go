package store

// rewritePermissions updates an annotation's "read" permissions so that
// course admins can view private annotations. A group identifier is used
// instead of specific admin user IDs so the list of admins can change
// without touching stored annotations.
//
// Possible read permissions after the rewrite:
//   - read = []                        world-readable (public)
//   - read = [userID, AdminGroupID]    private (author + admins)
//
// Replies are forced world-readable so they stay visible to the parent
// annotation's author regardless of the editor's visibility checkbox.
func rewritePermissions(body map[string]any) map[string]any {
	permissions := map[string]any{
		"read":   []any{},
		"admin":  []any{},
		"update": []any{},
		"delete": []any{},
	}
	if p, ok := body["permissions"].(map[string]any); ok {
		for k, v := range p {
			permissions[k] = v
		}
	}

	read, _ := permissions["read"].([]any)

	// World-readable: nothing to change.
	if len(read) == 0 {
		return body
	}

	if hasParent(body) {
		permissions["read"] = []any{}
	} else {
		// The author's user ID may be absent if an admin flipped a public
		// annotation to private; re-insert it first.
		authorID, _ := userFields(body)
		if authorID != "" && !containsString(read, authorID) {
			read = append([]any{authorID}, read...)
		}
		if !containsString(read, AdminGroupID) {
			read = append(read, AdminGroupID)
		}
		permissions["read"] = read
	}

	body["permissions"] = permissions
	return body
}

func hasParent(body map[string]any) bool {
	p := stringField(body, "parent")
	return p != "" && p != "0"
}

func containsString(list []any, want string) bool {
	for _, v := range list {
		if s, ok := v.(string); ok && s == want {
			return true
		}
	}
	return false
}
