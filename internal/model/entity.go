package model

// Entity is a team as seen by the directory.  Teams are created elsewhere;
// this service only reads them.
type Entity struct {
	ID    uint64 // teams.id
	Label string // teams.name
}

// Member roles inside a team.  Only the LEADER may act as the team's
// representative when claiming a challenge slot.
const (
	MemberRoleLeader = "LEADER"
	MemberRoleMember = "MEMBER"
)

// EntityMember maps a session user to the team they belong to.
type EntityMember struct {
	EntityID uint64 // team_members.team_id
	UserID   uint64 // team_members.user_id
	Role     string // team_members.role
}
