package courier

import (
	"errors"
	"testing"

	"github.com/go-playground/assert/v2"
)

func testRoster(roles map[byte]Role) *Roster {
	members := []*Member{}
	for tag, role := range roles {
		members = append(members, &Member{
			InboxId: testInboxId(tag),
			Role:    role,
		})
	}
	return NewRoster(members)
}

func TestRosterLattice(t *testing.T) {
	assert.Equal(t, true, RoleSuperAdmin.AtLeast(RoleAdmin))
	assert.Equal(t, true, RoleSuperAdmin.AtLeast(RoleMember))
	assert.Equal(t, true, RoleAdmin.AtLeast(RoleMember))
	assert.Equal(t, false, RoleMember.AtLeast(RoleAdmin))
	assert.Equal(t, false, RoleAdmin.AtLeast(RoleSuperAdmin))

	roster := testRoster(map[byte]Role{
		1: RoleSuperAdmin,
		2: RoleAdmin,
		3: RoleMember,
	})

	superAdmin := testInboxId(1)
	admin := testInboxId(2)
	member := testInboxId(3)
	outsider := testInboxId(9)

	// add member requires admin
	assert.Equal(t, true, roster.CanAddMember(superAdmin))
	assert.Equal(t, true, roster.CanAddMember(admin))
	assert.Equal(t, false, roster.CanAddMember(member))
	assert.Equal(t, false, roster.CanAddMember(outsider))

	// remove member requires admin, remove admin requires super admin
	assert.Equal(t, true, roster.CanRemoveMember(admin, member))
	assert.Equal(t, false, roster.CanRemoveMember(member, member))
	assert.Equal(t, false, roster.CanRemoveMember(admin, admin))
	assert.Equal(t, true, roster.CanRemoveMember(superAdmin, admin))

	// admin roles
	assert.Equal(t, true, roster.CanAddAdmin(admin))
	assert.Equal(t, false, roster.CanAddAdmin(member))
	assert.Equal(t, true, roster.CanRemoveAdmin(superAdmin))
	assert.Equal(t, false, roster.CanRemoveAdmin(admin))

	// super admin roles
	assert.Equal(t, true, roster.CanAddSuperAdmin(superAdmin))
	assert.Equal(t, false, roster.CanAddSuperAdmin(admin))
}

func TestRosterSoleSuperAdmin(t *testing.T) {
	roster := testRoster(map[byte]Role{
		1: RoleSuperAdmin,
		2: RoleMember,
	})

	superAdmin := testInboxId(1)

	// the last super admin cannot be removed or demoted, not even by itself
	assert.Equal(t, false, roster.CanRemoveSuperAdmin(superAdmin, superAdmin))
	assert.Equal(t, false, roster.CanRemoveMember(superAdmin, superAdmin))

	err := roster.Validate(superAdmin, &MembershipChange{
		Op:      MembershipDemote,
		InboxId: superAdmin,
		Role:    RoleMember,
	})
	var permissionErr *PermissionError
	assert.Equal(t, true, errors.As(err, &permissionErr))

	// with a second super admin the demotion is allowed
	twoSupers := testRoster(map[byte]Role{
		1: RoleSuperAdmin,
		2: RoleSuperAdmin,
	})
	assert.Equal(t, true, twoSupers.CanRemoveSuperAdmin(superAdmin, superAdmin))
	err = twoSupers.Validate(superAdmin, &MembershipChange{
		Op:      MembershipDemote,
		InboxId: superAdmin,
		Role:    RoleMember,
	})
	assert.Equal(t, err, nil)
}

func TestRosterValidate(t *testing.T) {
	roster := testRoster(map[byte]Role{
		1: RoleSuperAdmin,
		2: RoleAdmin,
		3: RoleMember,
	})

	admin := testInboxId(2)
	member := testInboxId(3)
	outsider := testInboxId(9)

	// member adding a member
	err := roster.Validate(member, &MembershipChange{
		Op:      MembershipAdd,
		InboxId: outsider,
		Role:    RoleMember,
	})
	var permissionErr *PermissionError
	assert.Equal(t, true, errors.As(err, &permissionErr))
	assert.Equal(t, member, permissionErr.ActorInboxId)

	// admin adding a member
	err = roster.Validate(admin, &MembershipChange{
		Op:      MembershipAdd,
		InboxId: outsider,
		Role:    RoleMember,
	})
	assert.Equal(t, err, nil)

	// admin promoting a member to admin
	err = roster.Validate(admin, &MembershipChange{
		Op:      MembershipPromote,
		InboxId: member,
		Role:    RoleAdmin,
	})
	assert.Equal(t, err, nil)

	// admin promoting to super admin
	err = roster.Validate(admin, &MembershipChange{
		Op:      MembershipPromote,
		InboxId: member,
		Role:    RoleSuperAdmin,
	})
	assert.Equal(t, true, errors.As(err, &permissionErr))

	// promoting an outsider
	err = roster.Validate(admin, &MembershipChange{
		Op:      MembershipPromote,
		InboxId: outsider,
		Role:    RoleAdmin,
	})
	assert.Equal(t, true, errors.As(err, &permissionErr))

	// unknown op
	err = roster.Validate(admin, &MembershipChange{
		Op:      "mute",
		InboxId: member,
	})
	assert.Equal(t, true, errors.As(err, &permissionErr))
}
