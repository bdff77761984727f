package auth

// Permission keys checked by the selection and routine collaborators.
const (
	PermManageProcesses = "selection.process.manage"
	PermViewProcesses   = "selection.process.view"
	PermAssignRoutine   = "routine.instance.assign"
)

// Permission is a fine-grained capability.
type Permission struct {
	Key         string
	Description string
}

var BuiltinPermissions = []Permission{
	{Key: PermManageProcesses, Description: "Start, cancel, delete and edit selection processes"},
	{Key: PermViewProcesses, Description: "View selection processes and their turns"},
	{Key: PermAssignRoutine, Description: "Claim routine instances during own turn"},
}

// rolePermissions maps token roles to permission keys. The backend owns the
// full RBAC model; this covers the roles the selection API needs.
var rolePermissions = map[string][]string{
	"admin":        {PermManageProcesses, PermViewProcesses, PermAssignRoutine},
	"stable_admin": {PermManageProcesses, PermViewProcesses, PermAssignRoutine},
	"member":       {PermViewProcesses, PermAssignRoutine},
}

// PermissionsForRoles resolves the permission set granted by a role list.
func PermissionsForRoles(roles []string) map[string]struct{} {
	set := make(map[string]struct{})
	for _, role := range dedupeRoles(roles) {
		for _, key := range rolePermissions[role] {
			set[key] = struct{}{}
		}
	}
	return set
}
