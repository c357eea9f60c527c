package models

// UserProfile holds the user's stated running goal and body data.
// Values are resolved against defaults once at load time (see profile.Resolve).
type UserProfile struct {
	UserID          string  `json:"user_id" yaml:"user_id"`
	Goal            string  `json:"goal" yaml:"goal"`
	WeeklyFrequency int     `json:"weekly_frequency" yaml:"weekly_frequency"`
	WeightKg        float64 `json:"weight_kg" yaml:"weight_kg"`
	Phone           string  `json:"phone,omitempty" yaml:"phone,omitempty"`
}
