package domain

import "strings"

type Turn struct {
	Role    string `json:"role"`
	Message string `json:"message"`
}

// Appointment holds the fields extracted from a booking conversation.
// Date is YYYY-MM-DD and Time is HH:MM (24h).
type Appointment struct {
	Name    string `json:"name"`
	Phone   string `json:"phone"`
	Email   string `json:"email"`
	Date    string `json:"date"`
	Time    string `json:"time"`
	Address string `json:"address,omitempty"`
}

func (a Appointment) MissingRequired() []string {
	var missing []string
	if strings.TrimSpace(a.Name) == "" {
		missing = append(missing, "name")
	}
	if strings.TrimSpace(a.Date) == "" {
		missing = append(missing, "date")
	}
	if strings.TrimSpace(a.Time) == "" {
		missing = append(missing, "time")
	}
	return missing
}

// SplitName returns first name and the remaining surname(s).
func (a Appointment) SplitName() (first, last string) {
	parts := strings.Fields(a.Name)
	if len(parts) == 0 {
		return "", ""
	}
	return parts[0], strings.Join(parts[1:], " ")
}
