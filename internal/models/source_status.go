package models

// AttendanceStatus is the daily attendance code recorded by homeroom teachers.
type AttendanceStatus string

const (
	AttendanceStatusPresent AttendanceStatus = "H"
	AttendanceStatusSick    AttendanceStatus = "S"
	AttendanceStatusExcused AttendanceStatus = "I"
	AttendanceStatusAbsent  AttendanceStatus = "A"
)

// Counted reports whether the code takes part in attendance ratios. Sick and excused
// days are neither attended nor missed.
func (s AttendanceStatus) Counted() bool {
	return s == AttendanceStatusPresent || s == AttendanceStatusAbsent
}

// EnrollmentStatus represents the lifecycle of an enrollment.
type EnrollmentStatus string

const (
	EnrollmentStatusActive      EnrollmentStatus = "ACTIVE"
	EnrollmentStatusTransferred EnrollmentStatus = "TRANSFERRED"
	EnrollmentStatusLeft        EnrollmentStatus = "LEFT"
)
