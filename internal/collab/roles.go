package collab

// Capability is an action a participant may be allowed to perform.
type Capability string

// CapManagePermissions is the only gated action; any participant may apply changes.
const CapManagePermissions Capability = "manage_permissions"

var roleCapabilities = map[Role][]Capability{
	RoleOwner:        {CapManagePermissions},
	RoleCollaborator: nil,
	RoleViewer:       nil,
}

// Can reports whether p's role grants c.
func Can(p Participant, c Capability) bool {
	for _, granted := range roleCapabilities[p.Role] {
		if granted == c {
			return true
		}
	}
	return false
}
