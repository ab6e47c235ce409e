package courier

// permission checks are pure functions of a roster snapshot.
// local validation is advisory for fast feedback. the remote log is
// authoritative and a later sync may revert an optimistic local change.

const (
	MembershipAdd     = "add"
	MembershipRemove  = "remove"
	MembershipPromote = "promote"
	MembershipDemote  = "demote"
)

type Roster struct {
	members map[InboxId]*Member
}

func NewRoster(members []*Member) *Roster {
	byInboxId := map[InboxId]*Member{}
	for _, member := range members {
		byInboxId[member.InboxId] = member
	}
	return &Roster{
		members: byInboxId,
	}
}

func (self *Roster) Role(inboxId InboxId) (Role, bool) {
	member, ok := self.members[inboxId]
	if !ok {
		return RoleMember, false
	}
	return member.Role, true
}

func (self *Roster) SuperAdminCount() int {
	count := 0
	for _, member := range self.members {
		if member.Role == RoleSuperAdmin {
			count += 1
		}
	}
	return count
}

func (self *Roster) Len() int {
	return len(self.members)
}

func (self *Roster) CanAddMember(actorInboxId InboxId) bool {
	actorRole, ok := self.Role(actorInboxId)
	return ok && actorRole.AtLeast(RoleAdmin)
}

func (self *Roster) CanRemoveMember(actorInboxId InboxId, targetInboxId InboxId) bool {
	actorRole, ok := self.Role(actorInboxId)
	if !ok {
		return false
	}
	targetRole, ok := self.Role(targetInboxId)
	if !ok {
		return false
	}
	if targetRole == RoleSuperAdmin {
		return self.CanRemoveSuperAdmin(actorInboxId, targetInboxId)
	}
	// removing an admin requires super admin. removing a member requires admin.
	if targetRole == RoleAdmin {
		return actorRole == RoleSuperAdmin
	}
	return actorRole.AtLeast(RoleAdmin)
}

func (self *Roster) CanAddAdmin(actorInboxId InboxId) bool {
	actorRole, ok := self.Role(actorInboxId)
	return ok && actorRole.AtLeast(RoleAdmin)
}

func (self *Roster) CanRemoveAdmin(actorInboxId InboxId) bool {
	actorRole, ok := self.Role(actorInboxId)
	return ok && actorRole == RoleSuperAdmin
}

func (self *Roster) CanAddSuperAdmin(actorInboxId InboxId) bool {
	actorRole, ok := self.Role(actorInboxId)
	return ok && actorRole == RoleSuperAdmin
}

// a group must always retain at least one super admin
func (self *Roster) CanRemoveSuperAdmin(actorInboxId InboxId, targetInboxId InboxId) bool {
	actorRole, ok := self.Role(actorInboxId)
	if !ok || actorRole != RoleSuperAdmin {
		return false
	}
	targetRole, ok := self.Role(targetInboxId)
	if !ok || targetRole != RoleSuperAdmin {
		return false
	}
	return 2 <= self.SuperAdminCount()
}

// validates a membership change against the lattice before it is submitted
// to the remote log. a violation is a PermissionError with no network call.
func (self *Roster) Validate(actorInboxId InboxId, change *MembershipChange) error {
	switch change.Op {
	case MembershipAdd:
		switch change.Role {
		case RoleSuperAdmin:
			if !self.CanAddSuperAdmin(actorInboxId) {
				return newPermissionError(change.Op, actorInboxId, "adding a super admin requires super admin")
			}
		case RoleAdmin:
			if !self.CanAddAdmin(actorInboxId) {
				return newPermissionError(change.Op, actorInboxId, "adding an admin requires admin")
			}
		default:
			if !self.CanAddMember(actorInboxId) {
				return newPermissionError(change.Op, actorInboxId, "adding a member requires admin")
			}
		}
		return nil
	case MembershipRemove:
		if !self.CanRemoveMember(actorInboxId, change.InboxId) {
			targetRole, _ := self.Role(change.InboxId)
			if targetRole == RoleSuperAdmin {
				return newPermissionError(change.Op, actorInboxId, "a group must retain at least one super admin")
			}
			return newPermissionError(change.Op, actorInboxId, "removal requires a higher role than the target")
		}
		return nil
	case MembershipPromote:
		if change.Role == RoleSuperAdmin {
			if !self.CanAddSuperAdmin(actorInboxId) {
				return newPermissionError(change.Op, actorInboxId, "promoting to super admin requires super admin")
			}
		} else if !self.CanAddAdmin(actorInboxId) {
			return newPermissionError(change.Op, actorInboxId, "promoting requires admin")
		}
		if _, ok := self.Role(change.InboxId); !ok {
			return newPermissionError(change.Op, actorInboxId, "target is not a member")
		}
		return nil
	case MembershipDemote:
		targetRole, ok := self.Role(change.InboxId)
		if !ok {
			return newPermissionError(change.Op, actorInboxId, "target is not a member")
		}
		if targetRole == RoleSuperAdmin {
			if !self.CanRemoveSuperAdmin(actorInboxId, change.InboxId) {
				return newPermissionError(change.Op, actorInboxId, "a group must retain at least one super admin")
			}
		} else if !self.CanRemoveAdmin(actorInboxId) {
			return newPermissionError(change.Op, actorInboxId, "demoting requires super admin")
		}
		return nil
	default:
		return newPermissionError(change.Op, actorInboxId, "unknown membership op")
	}
}
