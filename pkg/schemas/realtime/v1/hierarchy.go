package realtime

// DirectoryMemberV1 is one person in the directory snapshot.
type DirectoryMemberV1 struct {
	UserID     EntityID      `json:"id"`
	Name       string        `json:"name"`
	CenterName string        `json:"center_name,omitempty"`
	Presence   PresenceState `json:"presence"`
}

// DirectoryGroupV1 is a manager with the counselors reporting to them.
type DirectoryGroupV1 struct {
	Manager    DirectoryMemberV1   `json:"manager"`
	Counselors []DirectoryMemberV1 `json:"counselors"`
}

type HierarchySnapshotV1 struct {
	Groups []DirectoryGroupV1 `json:"groups"`
}
