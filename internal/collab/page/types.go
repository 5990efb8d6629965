package page

import "time"

// User is a person present on a page, identified by the user id
type User struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Session is one browser tab editing a page
type Session struct {
	ID        string
	UserID    string
	Name      string
	LastPing  time.Time
	LeasePath string
	Expired   bool
}

func (s *Session) user() User {
	return User{ID: s.UserID, Name: s.Name}
}

// Update is an immutable record of one content change batch
type Update struct {
	Paths        []string  `json:"paths"`
	RefreshPaths []string  `json:"refreshPaths"`
	Time         time.Time `json:"time"`
}

// SweepResult reports what a sweep removed from a page
type SweepResult struct {
	RemovedSessions []string
	// ReleasedPaths are leases that were held by removed sessions
	ReleasedPaths []string
	// DepartedUsers are users without any remaining session on the page
	DepartedUsers []string
}

// Empty reports whether the sweep changed nothing
func (r SweepResult) Empty() bool {
	return len(r.RemovedSessions) == 0
}
