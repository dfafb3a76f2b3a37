package schema

// Workspace role levels. Higher values grant strictly more access.
const (
	RoleNotApplicable    = 0
	RoleReader           = 1
	RoleContributor      = 2
	RoleContentManager   = 4
	RoleWorkspaceManager = 8
)

var roleSlugs = map[int]string{
	RoleNotApplicable:    "not-applicable",
	RoleReader:           "reader",
	RoleContributor:      "contributor",
	RoleContentManager:   "content-manager",
	RoleWorkspaceManager: "workspace-manager",
}

// ValidRole reports whether role is one of the assignable membership levels.
func ValidRole(role int) bool {
	_, ok := roleSlugs[role]
	return ok && role != RoleNotApplicable
}

func RoleSlug(role int) string {
	if slug, ok := roleSlugs[role]; ok {
		return slug
	}
	return "not-applicable"
}
