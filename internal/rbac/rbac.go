package rbac

// Role mirrors the host application's editor roles.
type Role string
type Action string

const (
	RoleSubscriber Role = "subscriber"
	RoleAuthor     Role = "author"
	RoleEditor     Role = "editor"
	RoleAdmin      Role = "admin"
)

const (
	// ActionTrack sends editing events for one's own sessions.
	ActionTrack Action = "track"
	// ActionReportOwn reads one's own recorded sessions.
	ActionReportOwn Action = "report_own"
	// ActionReportAll reads every user's recorded sessions.
	ActionReportAll Action = "report_all"
	ActionAdmin     Action = "admin"
)

func Can(role Role, action Action) bool {
	switch role {
	case RoleAdmin:
		return true
	case RoleEditor:
		return action == ActionTrack || action == ActionReportOwn || action == ActionReportAll
	case RoleAuthor:
		return action == ActionTrack || action == ActionReportOwn
	case RoleSubscriber:
		return false
	default:
		return false
	}
}

func Normalize(role string) Role {
	switch Role(role) {
	case RoleSubscriber, RoleAuthor, RoleEditor, RoleAdmin:
		return Role(role)
	default:
		return RoleSubscriber
	}
}
