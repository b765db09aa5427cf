package domain

import "strconv"

// ViewerRole determines whether the access policy is bypassed.
type ViewerRole string

const (
	RoleTeacher           ViewerRole = "teacher"
	RoleEnrolledStudent   ViewerRole = "enrolled_student"
	RoleUnenrolledVisitor ViewerRole = "unenrolled_visitor"
)

// Viewer is the authenticated caller. ID is the LMS student or teacher id.
type Viewer struct {
	ID      int64
	Teacher bool
}

// RoleFor derives the policy role from the viewer and its enrollment.
func (v Viewer) RoleFor(enrolled bool) ViewerRole {
	switch {
	case v.Teacher:
		return RoleTeacher
	case enrolled:
		return RoleEnrolledStudent
	default:
		return RoleUnenrolledVisitor
	}
}

// Kind is "teacher" or "student"; ids are only unique within a kind.
func (v Viewer) Kind() string {
	if v.Teacher {
		return "teacher"
	}
	return "student"
}

// Key identifies the viewer across kinds, e.g. "student:42".
func (v Viewer) Key() string {
	return v.Kind() + ":" + strconv.FormatInt(v.ID, 10)
}
